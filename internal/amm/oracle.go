// Package amm prices and executes trades against a constant-product
// exchange holding native coin and one ERC20 token.
package amm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/althea-net/auto-bridge/internal/chain"
	"github.com/althea-net/auto-bridge/internal/contracts"
)

// Venue fee: 0.3%, applied as input * 997 / 1000.
const (
	feeNumerator   = 997
	feeDenominator = 1000
)

var (
	ErrEmptyPool        = errors.New("pool has no liquidity")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInvalidDirection = errors.New("invalid swap direction")
)

// Pool identifies the exchange contract and the token it trades.
type Pool struct {
	Exchange common.Address
	Token    common.Address
}

// Reserves is one snapshot of the pool balances.
type Reserves struct {
	Coin  *big.Int
	Token *big.Int
}

// Quote is the expected output for an input at one reserve snapshot. It is
// stale as soon as the reserves move and must not be reused.
type Quote struct {
	Direction     Direction
	Input         *big.Int
	Output        *big.Int
	InputReserve  *big.Int
	OutputReserve *big.Int
}

// GetOutputAmount is the constant-product price with the venue fee:
//
//	out = in*outReserve*997 / (inReserve*1000 + in*997)
//
// truncated toward zero.
func GetOutputAmount(in, inReserve, outReserve *big.Int) (*big.Int, error) {
	if in == nil || in.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if inReserve == nil || outReserve == nil || inReserve.Sign() <= 0 || outReserve.Sign() <= 0 {
		return nil, ErrEmptyPool
	}

	fee := big.NewInt(feeNumerator)
	inWithFee := new(big.Int).Mul(in, fee)

	numerator := new(big.Int).Mul(inWithFee, outReserve)
	denominator := new(big.Int).Mul(inReserve, big.NewInt(feeDenominator))
	denominator.Add(denominator, inWithFee)

	return numerator.Quo(numerator, denominator), nil
}

// Oracle reads the pool reserves and quotes trades.
type Oracle struct {
	chain  chain.Access
	pool   Pool
	caller common.Address
}

// NewOracle creates an Oracle reading through access. caller is used as the
// from address of the balanceOf call.
func NewOracle(access chain.Access, pool Pool, caller common.Address) *Oracle {
	return &Oracle{chain: access, pool: pool, caller: caller}
}

// Reserves reads the coin and token reserves concurrently. Either failure
// fails the snapshot.
func (o *Oracle) Reserves(ctx context.Context) (Reserves, error) {
	var r Reserves

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bal, err := o.chain.Balance(gctx, o.pool.Exchange)
		if err != nil {
			return chain.ReadError("coin reserve", err)
		}
		r.Coin = bal
		return nil
	})
	g.Go(func() error {
		bal, err := o.tokenBalance(gctx, o.pool.Exchange)
		if err != nil {
			return chain.ReadError("token reserve", err)
		}
		r.Token = bal
		return nil
	})
	if err := g.Wait(); err != nil {
		return Reserves{}, err
	}
	return r, nil
}

// Quote prices selling amount in the given direction against a fresh
// reserve snapshot.
func (o *Oracle) Quote(ctx context.Context, dir Direction, amount *big.Int) (Quote, error) {
	if !dir.Valid() {
		return Quote{}, ErrInvalidDirection
	}
	if amount == nil || amount.Sign() < 0 {
		return Quote{}, ErrInvalidAmount
	}

	r, err := o.Reserves(ctx)
	if err != nil {
		return Quote{}, err
	}

	in, out := dir.orient(r)
	output, err := GetOutputAmount(amount, in, out)
	if err != nil {
		return Quote{}, fmt.Errorf("amm: quote %s: %w", dir, err)
	}

	return Quote{
		Direction:     dir,
		Input:         new(big.Int).Set(amount),
		Output:        output,
		InputReserve:  in,
		OutputReserve: out,
	}, nil
}

func (o *Oracle) tokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return callUint(ctx, o.chain, o.pool.Token, o.caller, "balanceOf", owner)
}

// callUint performs an ERC20 view call returning a single uint256.
func callUint(ctx context.Context, access chain.Access, token, caller common.Address, method string, args ...any) (*big.Int, error) {
	data, err := contracts.ERC20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := access.Call(ctx, token, data, caller)
	if err != nil {
		return nil, err
	}
	vals, err := contracts.ERC20.Unpack(method, out)
	if err != nil {
		return nil, chain.ReadError(method, err)
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, chain.ReadError(method, fmt.Errorf("unexpected return type %T", vals[0]))
	}
	return v, nil
}
