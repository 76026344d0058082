// Package chaintest provides an in-memory chain.Access for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/althea-net/auto-bridge/internal/chain"
)

// Fake is a programmable chain. Submissions are handed to OnSubmit, which
// may Emit logs to simulate the contract's reaction.
type Fake struct {
	endpoint chain.Endpoint

	mu          sync.Mutex
	block       chain.Block
	blockErr    error
	balances    map[common.Address]*big.Int
	balanceErr  error
	calls       map[string]func(data []byte) ([]byte, error)
	submissions []chain.Submission
	logs        []types.Log
	changed     chan struct{}
	waits       int

	// OnSubmit decides the outcome of a submission. Nil mines it.
	OnSubmit func(s chain.Submission, hash common.Hash) (*types.Receipt, error)
}

// New returns a Fake at block 100.
func New(endpoint chain.Endpoint) *Fake {
	return &Fake{
		endpoint: endpoint,
		block:    chain.Block{Number: 100, Timestamp: 1_700_000_000},
		balances: make(map[common.Address]*big.Int),
		calls:    make(map[string]func([]byte) ([]byte, error)),
		changed:  make(chan struct{}),
	}
}

func (f *Fake) Endpoint() chain.Endpoint { return f.endpoint }

// SetBlock sets the head returned by LatestBlock.
func (f *Fake) SetBlock(b chain.Block) {
	f.mu.Lock()
	f.block = b
	f.mu.Unlock()
}

// FailBlocks makes LatestBlock fail with err.
func (f *Fake) FailBlocks(err error) {
	f.mu.Lock()
	f.blockErr = err
	f.mu.Unlock()
}

// SetBalance sets the native balance of addr.
func (f *Fake) SetBalance(addr common.Address, v *big.Int) {
	f.mu.Lock()
	f.balances[addr] = new(big.Int).Set(v)
	f.mu.Unlock()
}

// FailBalances makes Balance fail with err.
func (f *Fake) FailBalances(err error) {
	f.mu.Lock()
	f.balanceErr = err
	f.mu.Unlock()
}

// HandleCall registers a handler for calls to contract.
func (f *Fake) HandleCall(contract common.Address, fn func(data []byte) ([]byte, error)) {
	f.mu.Lock()
	f.calls[contract.Hex()] = fn
	f.mu.Unlock()
}

// Submissions returns a copy of every submission seen so far.
func (f *Fake) Submissions() []chain.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chain.Submission, len(f.submissions))
	copy(out, f.submissions)
	return out
}

// ActiveWaits reports how many WaitForEvent calls are still running.
func (f *Fake) ActiveWaits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waits
}

// Emit publishes a log and wakes every waiter.
func (f *Fake) Emit(l types.Log) {
	f.mu.Lock()
	f.logs = append(f.logs, l)
	close(f.changed)
	f.changed = make(chan struct{})
	f.mu.Unlock()
}

func (f *Fake) Balance(_ context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return nil, chain.ReadError("balance", f.balanceErr)
	}
	if v, ok := f.balances[addr]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (f *Fake) Call(_ context.Context, contract common.Address, data []byte, _ common.Address) ([]byte, error) {
	f.mu.Lock()
	fn, ok := f.calls[contract.Hex()]
	f.mu.Unlock()
	if !ok {
		return nil, chain.ReadError("call", fmt.Errorf("no handler for %s", contract.Hex()))
	}
	out, err := fn(data)
	if err != nil {
		return nil, chain.ReadError("call", err)
	}
	return out, nil
}

func (f *Fake) LatestBlock(context.Context) (chain.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockErr != nil {
		return chain.Block{}, chain.ReadError("latest block", f.blockErr)
	}
	return f.block, nil
}

func (f *Fake) Submit(ctx context.Context, s chain.Submission) (*types.Receipt, error) {
	f.mu.Lock()
	f.submissions = append(f.submissions, s)
	n := len(f.submissions)
	f.mu.Unlock()

	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s-%d", f.endpoint, n)))
	if f.OnSubmit != nil {
		return f.OnSubmit(s, hash)
	}
	return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful}, nil
}

func (f *Fake) WaitForEvent(ctx context.Context, filter chain.EventFilter) (types.Log, error) {
	if filter.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, filter.Timeout)
		defer cancel()
	}
	if filter.Match == nil {
		filter.Match = chain.MatchAll
	}

	f.mu.Lock()
	f.waits++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.waits--
		f.mu.Unlock()
	}()

	seen := 0
	for {
		f.mu.Lock()
		pending := f.logs[seen:]
		seen = len(f.logs)
		changed := f.changed
		f.mu.Unlock()

		for _, l := range pending {
			if !topicsMatch(filter, l) {
				continue
			}
			ok, err := filter.Match(l)
			if err != nil {
				return types.Log{}, fmt.Errorf("%w: %v", chain.ErrMalformedEventData, err)
			}
			if ok {
				return l, nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return types.Log{}, fmt.Errorf("%w: %s", chain.ErrConfirmationTimeout, f.endpoint)
			}
			return types.Log{}, ctx.Err()
		case <-changed:
		}
	}
}

func topicsMatch(f chain.EventFilter, l types.Log) bool {
	if l.Address != f.Contract || len(l.Topics) == 0 || l.Topics[0] != f.Event {
		return false
	}
	for i, want := range f.Topics {
		if len(want) == 0 {
			continue
		}
		if i+1 >= len(l.Topics) {
			return false
		}
		hit := false
		for _, h := range want {
			if l.Topics[i+1] == h {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// Word left-pads v into a 32-byte ABI word.
func Word(v *big.Int) []byte { return common.LeftPadBytes(v.Bytes(), 32) }
