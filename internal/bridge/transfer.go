package bridge

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

	"github.com/althea-net/auto-bridge/internal/chain"
	"github.com/althea-net/auto-bridge/internal/contracts"
)

// Direction selects which way value crosses the bridge.
type Direction uint8

const (
	Deposit  Direction = iota + 1 // foreign token -> home coin
	Withdraw                      // home coin -> foreign token
)

func (d Direction) String() string {
	switch d {
	case Deposit:
		return "deposit"
	case Withdraw:
		return "withdraw"
	default:
		return "unknown"
	}
}

// Valid reports whether d is one of the declared directions.
func (d Direction) Valid() bool { return d == Deposit || d == Withdraw }

// Config holds the bridge contracts and transfer policy.
type Config struct {
	Token         common.Address // bridged ERC20 on the foreign chain
	ForeignBridge common.Address
	HomeBridge    common.Address

	// NonceRange is the size of the tag space; 0 means DefaultNonceRange.
	NonceRange uint64

	// Timeout bounds the wait for the credit event; 0 leaves it bounded
	// only by the caller's context.
	Timeout time.Duration

	// ConfirmDeposits waits for the home bridge's AffirmationCompleted event.
	// Without it a deposit returns once the foreign transfer is mined and the
	// credit must be inferred from home balances.
	ConfirmDeposits bool

	ForeignGas chain.GasOverrides
	HomeGas    chain.GasOverrides
}

// Result describes one bridge transfer.
type Result struct {
	Direction Direction
	Tag       TaggedAmount
	TxHash    common.Hash

	// Confirmed is false only for deposits submitted without confirmation.
	Confirmed bool
	Credit    *types.Log
}

// Amount is what was sent and, when confirmed, credited.
func (r *Result) Amount() *big.Int { return r.Tag.Total }

// Transfer submits tagged bridge transfers for one account.
type Transfer struct {
	foreign chain.Access
	home    chain.Access
	account *chain.Account
	cfg     Config
	draw    NonceSource
	tags    *registry
	log     *slog.Logger
}

// Option configures a Transfer.
type Option func(*Transfer)

// WithNonceSource replaces crypto/rand as the tag source.
func WithNonceSource(src NonceSource) Option {
	return func(t *Transfer) {
		if src != nil {
			t.draw = src
		}
	}
}

// WithLogger sets the transfer logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transfer) {
		if l != nil {
			t.log = l
		}
	}
}

// New creates a Transfer between foreign and home for account.
func New(foreign, home chain.Access, account *chain.Account, cfg Config, opts ...Option) (*Transfer, error) {
	if foreign.Endpoint() != chain.Foreign || home.Endpoint() != chain.Home {
		return nil, fmt.Errorf("bridge: endpoints swapped: got %s/%s", foreign.Endpoint(), home.Endpoint())
	}
	if cfg.NonceRange == 0 {
		cfg.NonceRange = DefaultNonceRange
	}
	if cfg.NonceRange > MaxNonceRange {
		return nil, fmt.Errorf("%w: %d > %d", ErrNonceRange, cfg.NonceRange, MaxNonceRange)
	}

	t := &Transfer{
		foreign: foreign,
		home:    home,
		account: account,
		cfg:     cfg,
		draw:    RandomNonce,
		tags:    newRegistry(),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Headroom is the largest nonce a transfer can add to its base amount.
// Callers that must not exceed a balance subtract it first.
func (t *Transfer) Headroom() *big.Int {
	return new(big.Int).SetUint64(t.cfg.NonceRange - 1)
}

// Deposit sends amount of the foreign token (plus tag) to the foreign
// bridge, to be credited as home coin.
func (t *Transfer) Deposit(ctx context.Context, amount *big.Int) (*Result, error) {
	tag, err := t.claim(amount)
	if err != nil {
		return nil, fmt.Errorf("bridge: deposit: %w", err)
	}

	data, err := contracts.ERC20.Pack("transfer", t.cfg.ForeignBridge, tag.Total)
	if err != nil {
		t.tags.release(tag)
		return nil, fmt.Errorf("bridge: encode deposit: %w", err)
	}
	sub := chain.Submission{From: t.account, To: t.cfg.Token, Data: data, Gas: t.cfg.ForeignGas}
	res := &Result{Direction: Deposit, Tag: tag}

	t.log.Info("submitting bridge transfer", "direction", Deposit.String(), "account", t.account, "tag", tag.String())

	if !t.cfg.ConfirmDeposits {
		defer t.tags.release(tag)
		receipt, err := t.foreign.Submit(ctx, sub)
		if err != nil {
			if h, ok := chain.TxHashOf(err); ok {
				res.TxHash = h
			}
			return res, fmt.Errorf("bridge: deposit: %w", err)
		}
		res.TxHash = receipt.TxHash
		t.log.Info("bridge deposit submitted without confirmation", "tx", res.TxHash.Hex(), "tag", tag.String())
		return res, nil
	}

	head, err := t.home.LatestBlock(ctx)
	if err != nil {
		t.tags.release(tag)
		return nil, fmt.Errorf("bridge: deposit: %w", chain.ReadError("home head", err))
	}

	return t.confirm(ctx, res, t.foreign, sub, t.home, chain.EventFilter{
		Contract:  t.cfg.HomeBridge,
		Event:     contracts.HomeBridge.Events["AffirmationCompleted"].ID,
		FromBlock: head.Number,
		Match:     t.affirms(tag),
		Timeout:   t.cfg.Timeout,
	})
}

// Withdraw sends amount of home coin (plus tag) to the home bridge, to be
// released as the foreign token.
func (t *Transfer) Withdraw(ctx context.Context, amount *big.Int) (*Result, error) {
	tag, err := t.claim(amount)
	if err != nil {
		return nil, fmt.Errorf("bridge: withdraw: %w", err)
	}

	head, err := t.foreign.LatestBlock(ctx)
	if err != nil {
		t.tags.release(tag)
		return nil, fmt.Errorf("bridge: withdraw: %w", chain.ReadError("foreign head", err))
	}

	t.log.Info("submitting bridge transfer", "direction", Withdraw.String(), "account", t.account, "tag", tag.String())

	return t.confirm(ctx, &Result{Direction: Withdraw, Tag: tag},
		t.home, chain.Submission{From: t.account, To: t.cfg.HomeBridge, Value: tag.Total, Gas: t.cfg.HomeGas},
		t.foreign, chain.EventFilter{
			Contract: t.cfg.Token,
			Event:    contracts.ERC20.Events["Transfer"].ID,
			Topics: [][]common.Hash{
				{chain.AddressTopic(t.cfg.ForeignBridge)},
				{chain.AddressTopic(t.account.Address)},
			},
			FromBlock: head.Number,
			Match:     transfers(tag, t.account.Address),
			Timeout:   t.cfg.Timeout,
		})
}

// confirm runs the submission and credit wait. The tag stays claimed while
// the credit may still arrive; any definite failure releases it.
func (t *Transfer) confirm(ctx context.Context, res *Result, src chain.Access, sub chain.Submission, dst chain.Access, f chain.EventFilter) (*Result, error) {
	conf, err := chain.SubmitAndConfirm(ctx, src, sub, dst, f)
	res.TxHash = conf.TxHash
	if err != nil {
		if unresolved(err, conf.TxHash) {
			t.log.Warn("bridge credit not observed", "direction", res.Direction.String(), "tx", conf.TxHash.Hex(), "tag", res.Tag.String(), "error", err)
		} else {
			t.tags.release(res.Tag)
		}
		return res, fmt.Errorf("bridge: %s: %w", res.Direction, err)
	}
	t.tags.release(res.Tag)

	res.Confirmed = true
	res.Credit = &conf.Event
	t.log.Info("bridge credit observed",
		"direction", res.Direction.String(),
		"tx", conf.TxHash.Hex(),
		"credit_tx", conf.Event.TxHash.Hex(),
		"amount", res.Tag.Total.String(),
	)
	return res, nil
}

// unresolved reports whether a failed transfer may still be credited: it
// was broadcast and neither reverted nor answered by an unreadable credit.
func unresolved(err error, tx common.Hash) bool {
	if errors.Is(err, chain.ErrSubmissionRejected) || errors.Is(err, chain.ErrMalformedEventData) {
		return false
	}
	var pending *chain.PendingError
	if errors.As(err, &pending) || errors.Is(err, chain.ErrConfirmationTimeout) {
		return true
	}
	return tx != (common.Hash{})
}

func (t *Transfer) claim(amount *big.Int) (TaggedAmount, error) {
	if amount == nil || amount.Sign() <= 0 {
		return TaggedAmount{}, ErrInvalidAmount
	}
	return t.tags.claim(amount, t.cfg.NonceRange, t.draw)
}

// affirms matches the home bridge credit for a deposit of tag to this account.
func (t *Transfer) affirms(tag TaggedAmount) func(types.Log) (bool, error) {
	return func(l types.Log) (bool, error) {
		a, err := contracts.DecodeAffirmation(l)
		if err != nil {
			return false, err
		}
		return a.Recipient == t.account.Address && tag.Matches(a.Value), nil
	}
}

// transfers matches a token Transfer of exactly the tagged total to
// recipient.
func transfers(tag TaggedAmount, recipient common.Address) func(types.Log) (bool, error) {
	return func(l types.Log) (bool, error) {
		to, err := contracts.AddressField(l, 1)
		if err != nil {
			return false, err
		}
		v, err := contracts.ValueField(l, 2)
		if err != nil {
			return false, err
		}
		return to == recipient && tag.Matches(v), nil
	}
}
