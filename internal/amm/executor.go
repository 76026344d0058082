package amm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/althea-net/auto-bridge/internal/chain"
	"github.com/althea-net/auto-bridge/internal/contracts"
)

// Slippage tolerance: the venue must deliver at least 39/40 (97.5%) of the
// quoted output.
const (
	slippageNumerator   = 39
	slippageDenominator = 40
)

// ErrInvalidDeadline is returned for deadlines shorter than one second.
var ErrInvalidDeadline = errors.New("deadline must be at least one second")

// MinOutput applies the slippage tolerance to an expected output. The
// multiplication happens first so no precision is lost to truncation.
func MinOutput(expected *big.Int) *big.Int {
	out := new(big.Int).Mul(expected, big.NewInt(slippageNumerator))
	return out.Quo(out, big.NewInt(slippageDenominator))
}

// Swap is the record of one executed trade.
type Swap struct {
	Direction Direction
	Quote     Quote
	MinOutput *big.Int
	Deadline  uint64 // unix seconds, enforced by the exchange
	TxHash    common.Hash
	Realized  *big.Int
}

// Executor submits slippage-guarded trades and waits for the exchange's
// purchase event.
type Executor struct {
	oracle  *Oracle
	chain   chain.Access
	account *chain.Account
	gas     chain.GasOverrides
	log     *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithGas pins gas price and limit for swap and approve transactions.
func WithGas(g chain.GasOverrides) ExecutorOption {
	return func(e *Executor) { e.gas = g }
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

// NewExecutor creates an Executor trading for account on the oracle's pool.
func NewExecutor(oracle *Oracle, account *chain.Account, opts ...ExecutorOption) *Executor {
	e := &Executor{
		oracle:  oracle,
		chain:   oracle.chain,
		account: account,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Swap sells amount in direction dir and returns the realized output.
//
// The latest block and a fresh quote are read together; the minimum output
// and on-chain deadline derive from them. The transaction and the wait for
// the purchase event then run together, and both must succeed. The wait is
// bounded by deadline, the same window the exchange enforces on chain.
//
// Nothing is retried: a timed-out swap returns a *chain.PendingError and its
// outcome must be read from balances.
func (e *Executor) Swap(ctx context.Context, dir Direction, amount *big.Int, deadline time.Duration) (*Swap, error) {
	if !dir.Valid() {
		return nil, ErrInvalidDirection
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if deadline < time.Second {
		return nil, ErrInvalidDeadline
	}

	if dir == TokenToCoin {
		if err := e.ensureAllowance(ctx, amount); err != nil {
			return nil, err
		}
	}

	var (
		block chain.Block
		quote Quote
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := e.chain.LatestBlock(gctx)
		if err != nil {
			return chain.ReadError("swap block", err)
		}
		block = b
		return nil
	})
	g.Go(func() error {
		q, err := e.oracle.Quote(gctx, dir, amount)
		if err != nil {
			return err
		}
		quote = q
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("amm: prepare %s swap: %w", dir, err)
	}

	swap := &Swap{
		Direction: dir,
		Quote:     quote,
		MinOutput: MinOutput(quote.Output),
		Deadline:  block.Timestamp + uint64(deadline/time.Second),
	}

	data, value, err := dir.swapCall(amount, swap.MinOutput, swap.Deadline)
	if err != nil {
		return nil, fmt.Errorf("amm: encode %s swap: %w", dir, err)
	}

	e.log.Info("submitting swap",
		"direction", dir.String(),
		"account", e.account,
		"amount", amount.String(),
		"expected", quote.Output.String(),
		"min_output", swap.MinOutput.String(),
		"deadline", swap.Deadline,
	)

	conf, err := chain.SubmitAndConfirm(ctx, e.chain, chain.Submission{
		From:  e.account,
		To:    e.oracle.pool.Exchange,
		Data:  data,
		Value: value,
		Gas:   e.gas,
	}, e.chain, chain.EventFilter{
		Contract:  e.oracle.pool.Exchange,
		Event:     dir.purchaseEvent().ID,
		Topics:    [][]common.Hash{{chain.AddressTopic(e.account.Address)}},
		FromBlock: block.Number,
		Match:     soldExactly(amount),
		Timeout:   deadline,
	})
	swap.TxHash = conf.TxHash
	if err != nil {
		return nil, fmt.Errorf("amm: %s swap: %w", dir, err)
	}

	realized, err := contracts.ValueField(conf.Event, 2)
	if err != nil {
		return nil, fmt.Errorf("%w: %s output: %v", chain.ErrMalformedEventData, dir.purchaseEvent().Name, err)
	}
	swap.Realized = realized

	e.log.Info("swap confirmed",
		"direction", dir.String(),
		"tx", swap.TxHash.Hex(),
		"realized", realized.String(),
	)
	return swap, nil
}

// ensureAllowance approves the exchange to pull amount tokens when the
// current allowance is short.
func (e *Executor) ensureAllowance(ctx context.Context, amount *big.Int) error {
	pool := e.oracle.pool
	allowance, err := callUint(ctx, e.chain, pool.Token, e.account.Address, "allowance", e.account.Address, pool.Exchange)
	if err != nil {
		return chain.ReadError("token allowance", err)
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	data, err := contracts.ERC20.Pack("approve", pool.Exchange, amount)
	if err != nil {
		return fmt.Errorf("amm: encode approve: %w", err)
	}
	e.log.Info("approving exchange", "account", e.account, "amount", amount.String())

	if _, err := e.chain.Submit(ctx, chain.Submission{
		From: e.account,
		To:   pool.Token,
		Data: data,
		Gas:  e.gas,
	}); err != nil {
		return fmt.Errorf("amm: approve exchange: %w", err)
	}
	return nil
}

// soldExactly matches purchase events whose sold amount equals amount, so
// concurrent trades by the same buyer are not confused with each other.
func soldExactly(amount *big.Int) func(types.Log) (bool, error) {
	return func(l types.Log) (bool, error) {
		sold, err := contracts.ValueField(l, 1)
		if err != nil {
			return false, err
		}
		return sold.Cmp(amount) == 0, nil
	}
}
