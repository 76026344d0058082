package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Access is the chain capability consumed by the conversion components. It is
// satisfied by *Client in production and by fakes in tests.
type Access interface {
	Endpoint() Endpoint

	// Balance returns the native coin balance of addr at the latest block.
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)

	// Call performs a read-only contract call.
	Call(ctx context.Context, contract common.Address, data []byte, from common.Address) ([]byte, error)

	LatestBlock(ctx context.Context) (Block, error)

	// Submit signs, broadcasts and waits for the receipt of a transaction.
	// A revert surfaces as ErrSubmissionRejected.
	Submit(ctx context.Context, s Submission) (*types.Receipt, error)

	// WaitForEvent blocks until a log accepted by f.Match is observed, the
	// filter timeout elapses (ErrConfirmationTimeout) or ctx is done.
	WaitForEvent(ctx context.Context, f EventFilter) (types.Log, error)
}

// GasOverrides pins gas parameters instead of asking the node. Zero values
// mean "ask the node".
type GasOverrides struct {
	Price *big.Int
	Limit uint64
}

// Submission describes one outgoing transaction.
type Submission struct {
	From  *Account
	To    common.Address
	Data  []byte
	Value *big.Int
	Gas   GasOverrides
}

// EventFilter is a pending subscription for a single log. It is torn down
// as soon as Match accepts a log or Timeout elapses.
type EventFilter struct {
	Contract common.Address
	Event    common.Hash // topic 0

	// Topics filters topic 1..n; a nil entry matches anything.
	Topics [][]common.Hash

	// FromBlock is the first block scanned. Zero means the head at the time
	// the wait starts.
	FromBlock uint64

	// Match decides whether a log is the one being waited for. A non-nil
	// error aborts the wait with ErrMalformedEventData.
	Match func(types.Log) (bool, error)

	// Timeout bounds the wait; zero leaves it bounded only by ctx.
	Timeout time.Duration
}

// MatchAll accepts every log that passes the topic filter.
func MatchAll(types.Log) (bool, error) { return true, nil }
