package chain

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Outcome classes surfaced by every chain-facing component.
var (
	// ErrChainRead is a failed balance, call or block read. Safe to retry
	// with a fresh read; never retried automatically.
	ErrChainRead = errors.New("chain read failed")

	// ErrSubmissionRejected means the transaction was refused by the node or
	// reverted on chain. The step definitely did not happen.
	ErrSubmissionRejected = errors.New("submission rejected")

	// ErrConfirmationTimeout means no matching event arrived before the
	// deadline. The outcome is unknown, not failed.
	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrMalformedEventData means an event matched the filter but its payload
	// could not be decoded.
	ErrMalformedEventData = errors.New("malformed event data")
)

// ReadError tags err as ErrChainRead unless it already is one.
func ReadError(op string, err error) error {
	if errors.Is(err, ErrChainRead) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrChainRead, op, err)
}

// PendingError reports a transaction that was broadcast but whose completion
// was never observed. Callers should poll balances instead of assuming loss.
type PendingError struct {
	Endpoint Endpoint
	TxHash   common.Hash
	Err      error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("%s tx %s not confirmed: %v", e.Endpoint, e.TxHash.Hex(), e.Err)
}

func (e *PendingError) Unwrap() error { return e.Err }

// TxHashOf extracts the transaction hash carried by a PendingError in err's
// chain, if any.
func TxHashOf(err error) (common.Hash, bool) {
	var pe *PendingError
	if errors.As(err, &pe) {
		return pe.TxHash, true
	}
	return common.Hash{}, false
}
