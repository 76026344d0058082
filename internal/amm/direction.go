package amm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/althea-net/auto-bridge/internal/contracts"
)

// Direction selects which side of the pool is sold.
type Direction uint8

const (
	CoinToToken Direction = iota + 1 // sell native coin, buy the token
	TokenToCoin                      // sell the token, buy native coin
)

func (d Direction) String() string {
	switch d {
	case CoinToToken:
		return "coin-to-token"
	case TokenToCoin:
		return "token-to-coin"
	default:
		return "unknown"
	}
}

// Valid reports whether d is one of the declared directions.
func (d Direction) Valid() bool { return d == CoinToToken || d == TokenToCoin }

// orient maps the pool reserves to (input, output) for this direction.
func (d Direction) orient(r Reserves) (in, out *big.Int) {
	if d == TokenToCoin {
		return r.Token, r.Coin
	}
	return r.Coin, r.Token
}

// purchaseEvent is the venue's confirmation event for this direction.
func (d Direction) purchaseEvent() abi.Event {
	if d == TokenToCoin {
		return contracts.Exchange.Events["EthPurchase"]
	}
	return contracts.Exchange.Events["TokenPurchase"]
}

// swapCall encodes the exchange call. Coin sales carry the amount as
// msg.value, token sales name it explicitly.
func (d Direction) swapCall(amount, minOutput *big.Int, deadline uint64) (data []byte, value *big.Int, err error) {
	dl := new(big.Int).SetUint64(deadline)
	if d == TokenToCoin {
		data, err = contracts.Exchange.Pack("tokenToEthSwapInput", amount, minOutput, dl)
		return data, new(big.Int), err
	}
	data, err = contracts.Exchange.Pack("ethToTokenSwapInput", minOutput, dl)
	return data, new(big.Int).Set(amount), err
}
