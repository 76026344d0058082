package chain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
)

// Confirmation is the joined outcome of a submission and the event that
// proves it took effect.
type Confirmation struct {
	TxHash common.Hash
	Event  types.Log
}

// SubmitAndConfirm submits s on src while waiting for f on dst. Both halves
// start together so the confirming event cannot be missed, and the first
// failure cancels the other.
//
// TxHash is set whenever the transaction was broadcast, even on error. A
// confirmation timeout after a broadcast is returned as a *PendingError for
// src.
func SubmitAndConfirm(ctx context.Context, src Access, s Submission, dst Access, f EventFilter) (Confirmation, error) {
	var (
		c         Confirmation
		receipt   *types.Receipt
		submitErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		receipt, submitErr = src.Submit(gctx, s)
		return submitErr
	})
	g.Go(func() error {
		var err error
		c.Event, err = dst.WaitForEvent(gctx, f)
		return err
	})
	err := g.Wait()

	if receipt != nil {
		c.TxHash = receipt.TxHash
	} else if h, ok := TxHashOf(submitErr); ok {
		c.TxHash = h
	}

	if err != nil && errors.Is(err, ErrConfirmationTimeout) && c.TxHash != (common.Hash{}) {
		var pe *PendingError
		if !errors.As(err, &pe) {
			err = &PendingError{Endpoint: src.Endpoint(), TxHash: c.TxHash, Err: err}
		}
	}
	return c, err
}
