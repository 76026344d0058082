// Package convert composes swaps and bridge transfers into end-to-end
// conversions between the foreign coin and the home coin.
package convert

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/althea-net/auto-bridge/internal/amm"
	"github.com/althea-net/auto-bridge/internal/bridge"
	"github.com/althea-net/auto-bridge/internal/chain"
)

// DefaultSwapDeadline bounds each swap, on chain and locally.
const DefaultSwapDeadline = 60 * time.Second

// ErrOutcomeUnknown is returned by Resume when the failed leg may still
// complete on chain. Check balances and use ResumeDeposit or ResumeSwap.
var ErrOutcomeUnknown = errors.New("leg outcome unknown")

// Swapper executes one slippage-guarded trade. Satisfied by *amm.Executor.
type Swapper interface {
	Swap(ctx context.Context, dir amm.Direction, amount *big.Int, deadline time.Duration) (*amm.Swap, error)
}

// Bridger moves tagged amounts across the bridge. Satisfied by
// *bridge.Transfer.
type Bridger interface {
	Deposit(ctx context.Context, amount *big.Int) (*bridge.Result, error)
	Withdraw(ctx context.Context, amount *big.Int) (*bridge.Result, error)
	Headroom() *big.Int
}

// Journal records every state change of a conversion. Implementations must
// not block. Satisfied by journal.RedisJournal.
type Journal interface {
	Record(c Conversion)
}

type nopJournal struct{}

func (nopJournal) Record(Conversion) {}

// PartialConversionError reports a conversion whose first leg completed and
// whose second leg did not. Nothing is rolled back: the account holds
// Intermediate tokens, and the second leg can be retried with Resume.
type PartialConversionError struct {
	ID           string
	Kind         Kind
	Completed    Phase
	Intermediate *big.Int
	Swap         *amm.Swap
	Bridge       *bridge.Result
	Err          error
}

func (e *PartialConversionError) Error() string {
	return fmt.Sprintf("conversion %s (%s) partial: %s leg completed with %s tokens, next leg failed: %v",
		e.ID, e.Kind, e.Completed, e.Intermediate, e.Err)
}

func (e *PartialConversionError) Unwrap() error { return e.Err }

// Coordinator runs conversions as strict two-leg pipelines: the second leg
// never starts before the first is confirmed.
type Coordinator struct {
	swapper   Swapper
	bridger   Bridger
	account   common.Address
	validator *Validator
	journal   Journal
	deadline  time.Duration
	log       *slog.Logger

	seq     atomic.Uint64
	nowFunc func() time.Time // injectable clock for testing
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithValidator replaces the default validator, which only requires amounts
// above the bridge headroom.
func WithValidator(v *Validator) Option {
	return func(c *Coordinator) {
		if v != nil {
			c.validator = v
		}
	}
}

// WithJournal records conversion state to j.
func WithJournal(j Journal) Option {
	return func(c *Coordinator) {
		if j != nil {
			c.journal = j
		}
	}
}

// WithSwapDeadline sets the deadline passed to every swap.
func WithSwapDeadline(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.deadline = d
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a Coordinator converting for account.
func New(swapper Swapper, bridger Bridger, account common.Address, opts ...Option) *Coordinator {
	c := &Coordinator{
		swapper:  swapper,
		bridger:  bridger,
		account:  account,
		journal:  nopJournal{},
		deadline: DefaultSwapDeadline,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.validator == nil {
		c.validator = NewValidator(nil, bridger.Headroom())
	}
	return c
}

// CoinToBridgedCoin sells amount of foreign coin for the token, then
// deposits the tokens received into the bridge.
func (co *Coordinator) CoinToBridgedCoin(ctx context.Context, amount *big.Int) (*Result, error) {
	conv, err := co.begin(CoinToBridgedCoin, amount)
	if err != nil {
		return nil, err
	}

	swap, err := co.swapLeg(ctx, conv, amm.CoinToToken, amount)
	if err != nil {
		return nil, err
	}
	return co.depositLeg(ctx, conv, swap.Realized)
}

// BridgedCoinToCoin withdraws amount of home coin through the bridge, then
// sells the credited tokens for foreign coin.
func (co *Coordinator) BridgedCoinToCoin(ctx context.Context, amount *big.Int) (*Result, error) {
	conv, err := co.begin(BridgedCoinToCoin, amount)
	if err != nil {
		return nil, err
	}

	res, err := co.withdrawLeg(ctx, conv, amount)
	if err != nil {
		return nil, err
	}
	return co.sellLeg(ctx, conv, res.Amount())
}

// ResumeDeposit runs only the deposit leg of a coin-to-bridged-coin
// conversion for tokens already held.
func (co *Coordinator) ResumeDeposit(ctx context.Context, tokens *big.Int) (*Result, error) {
	conv, err := co.begin(CoinToBridgedCoin, tokens)
	if err != nil {
		return nil, err
	}
	conv.Intermediate = new(big.Int).Set(tokens)
	return co.depositLeg(ctx, conv, tokens)
}

// ResumeSwap runs only the sell leg of a bridged-coin-to-coin conversion for
// tokens already held.
func (co *Coordinator) ResumeSwap(ctx context.Context, tokens *big.Int) (*Result, error) {
	conv, err := co.begin(BridgedCoinToCoin, tokens)
	if err != nil {
		return nil, err
	}
	conv.Intermediate = new(big.Int).Set(tokens)
	return co.sellLeg(ctx, conv, tokens)
}

// Resume retries the failed leg of a partial conversion. It refuses when
// that leg may still land on chain.
func (co *Coordinator) Resume(ctx context.Context, p *PartialConversionError) (*Result, error) {
	if p == nil {
		return nil, errors.New("convert: nothing to resume")
	}
	if ambiguous(p.Err) {
		return nil, fmt.Errorf("convert: resume %s: %w: %v", p.ID, ErrOutcomeUnknown, p.Err)
	}
	switch p.Kind {
	case CoinToBridgedCoin:
		return co.ResumeDeposit(ctx, p.Intermediate)
	case BridgedCoinToCoin:
		return co.ResumeSwap(ctx, p.Intermediate)
	default:
		return nil, ErrInvalidKind
	}
}

func (co *Coordinator) begin(kind Kind, amount *big.Int) (*Conversion, error) {
	now := co.nowFunc()
	conv := &Conversion{
		ID:        co.newID(now),
		Kind:      kind,
		Account:   co.account,
		Status:    StatusNew,
		CreatedAt: now,
	}
	if amount != nil {
		conv.Input = new(big.Int).Set(amount)
	}

	err := co.validator.Validate(conv)
	co.record(conv)
	if err != nil {
		return nil, fmt.Errorf("convert: %s rejected: %w", kind, err)
	}
	co.log.Info("conversion started", "id", conv.ID, "kind", kind.String(), "amount", conv.Input.String())
	return conv, nil
}

// swapLeg is the first leg of CoinToBridgedCoin. Any failure ends the
// conversion; nothing is held yet.
func (co *Coordinator) swapLeg(ctx context.Context, conv *Conversion, dir amm.Direction, amount *big.Int) (*amm.Swap, error) {
	co.enter(conv, PhaseSwap)
	swap, err := co.swapper.Swap(ctx, dir, amount, co.deadline)
	conv.Swap = swap
	if err != nil {
		return nil, co.fail(conv, err)
	}
	conv.Intermediate = new(big.Int).Set(swap.Realized)
	co.record(conv)
	return swap, nil
}

// withdrawLeg is the first leg of BridgedCoinToCoin.
func (co *Coordinator) withdrawLeg(ctx context.Context, conv *Conversion, amount *big.Int) (*bridge.Result, error) {
	co.enter(conv, PhaseBridge)
	base, err := co.untagged(amount)
	if err != nil {
		return nil, co.fail(conv, err)
	}
	res, err := co.bridger.Withdraw(ctx, base)
	conv.Bridge = res
	if err != nil {
		return nil, co.fail(conv, err)
	}
	conv.Intermediate = new(big.Int).Set(res.Amount())
	co.record(conv)
	return res, nil
}

// depositLeg bridges tokens to the home chain. Failures after a completed
// swap are partial.
func (co *Coordinator) depositLeg(ctx context.Context, conv *Conversion, tokens *big.Int) (*Result, error) {
	co.enter(conv, PhaseBridge)
	base, err := co.untagged(tokens)
	if err != nil {
		return nil, co.partial(conv, PhaseSwap, err)
	}
	res, err := co.bridger.Deposit(ctx, base)
	conv.Bridge = res
	if err != nil {
		return nil, co.partial(conv, PhaseSwap, err)
	}

	conv.Output = new(big.Int).Set(res.Amount())
	if res.Confirmed {
		conv.Status = StatusCompleted
	} else {
		conv.Status = StatusSubmitted
	}
	return co.finish(conv, res.Confirmed), nil
}

// sellLeg sells credited tokens for foreign coin.
func (co *Coordinator) sellLeg(ctx context.Context, conv *Conversion, tokens *big.Int) (*Result, error) {
	co.enter(conv, PhaseSwap)
	swap, err := co.swapper.Swap(ctx, amm.TokenToCoin, tokens, co.deadline)
	conv.Swap = swap
	if err != nil {
		return nil, co.partial(conv, PhaseBridge, err)
	}

	conv.Output = new(big.Int).Set(swap.Realized)
	conv.Status = StatusCompleted
	return co.finish(conv, true), nil
}

// untagged leaves room for the bridge tag so the tagged total never exceeds
// amount.
func (co *Coordinator) untagged(amount *big.Int) (*big.Int, error) {
	headroom := co.bridger.Headroom()
	if amount == nil || amount.Cmp(headroom) <= 0 {
		return nil, fmt.Errorf("%w: %v does not cover tag headroom %s", ErrAmountTooLow, amount, headroom)
	}
	return new(big.Int).Sub(amount, headroom), nil
}

func (co *Coordinator) enter(conv *Conversion, p Phase) {
	conv.Status = StatusRunning
	conv.Phase = p
	co.record(conv)
}

func (co *Coordinator) fail(conv *Conversion, err error) error {
	conv.Status = StatusFailed
	if ambiguous(err) {
		conv.Status = StatusPending
		co.validator.holdBack(err)
	}
	conv.Err = err.Error()
	co.record(conv)
	co.log.Warn("conversion stopped", "id", conv.ID, "phase", conv.Phase.String(), "status", conv.Status.String(), "error", err)
	return fmt.Errorf("convert: %s %s: %s leg: %w", conv.Kind, conv.ID, conv.Phase, err)
}

func (co *Coordinator) partial(conv *Conversion, completed Phase, err error) error {
	conv.Status = StatusPartial
	if ambiguous(err) {
		conv.Status = StatusPending
		co.validator.holdBack(err)
	}
	conv.Err = err.Error()
	co.record(conv)
	co.log.Warn("conversion partially completed",
		"id", conv.ID,
		"completed", completed.String(),
		"intermediate", conv.Intermediate.String(),
		"status", conv.Status.String(),
		"error", err,
	)
	return &PartialConversionError{
		ID:           conv.ID,
		Kind:         conv.Kind,
		Completed:    completed,
		Intermediate: new(big.Int).Set(conv.Intermediate),
		Swap:         conv.Swap,
		Bridge:       conv.Bridge,
		Err:          err,
	}
}

func (co *Coordinator) finish(conv *Conversion, confirmed bool) *Result {
	co.record(conv)
	co.log.Info("conversion finished",
		"id", conv.ID,
		"status", conv.Status.String(),
		"input", conv.Input.String(),
		"output", conv.Output.String(),
	)
	return &Result{
		ID:        conv.ID,
		Kind:      conv.Kind,
		Input:     conv.Input,
		Output:    conv.Output,
		Confirmed: confirmed,
		Swap:      conv.Swap,
		Bridge:    conv.Bridge,
	}
}

func (co *Coordinator) record(conv *Conversion) {
	conv.UpdatedAt = co.nowFunc()
	co.journal.Record(*conv)
}

// newID derives a short conversion id from the account, the start time and
// a process-local counter.
func (co *Coordinator) newID(now time.Time) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(now.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], co.seq.Add(1))
	h := crypto.Keccak256Hash(co.account.Bytes(), buf[:])
	return h.Hex()[2:18]
}

// ambiguous reports whether a failed leg may still complete: a broadcast
// transaction whose effect was never observed.
func ambiguous(err error) bool {
	if errors.Is(err, chain.ErrConfirmationTimeout) {
		return true
	}
	_, broadcast := chain.TxHashOf(err)
	return broadcast
}
