package chain

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Endpoint identifies one of the two chains joined by the bridge.
type Endpoint uint8

const (
	Foreign Endpoint = iota + 1 // the chain holding the AMM and the bridged token
	Home                        // the sidechain whose native coin is backed by the token
)

func (e Endpoint) String() string {
	switch e {
	case Foreign:
		return "foreign"
	case Home:
		return "home"
	default:
		return "unknown"
	}
}

// Block is the subset of a block header the conversion protocol reads.
type Block struct {
	Number    uint64
	Timestamp uint64
}

// TxSigner authorizes outgoing transactions. Implementations own the key
// material; nothing outside the signer ever sees it.
type TxSigner interface {
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Account is the operator identity: an address plus the capability to sign
// for it. One Account is created per process and shared by pointer.
type Account struct {
	Address common.Address
	Signer  TxSigner
}

func (a *Account) String() string { return a.Address.Hex() }

// LogValue keeps the signer out of structured logs.
func (a *Account) LogValue() slog.Value { return slog.StringValue(a.Address.Hex()) }

// AddressTopic left-pads an address into a 32-byte log topic.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}
