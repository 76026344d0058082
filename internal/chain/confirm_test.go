package chain_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/althea-net/auto-bridge/internal/chain"
	"github.com/althea-net/auto-bridge/internal/chain/chaintest"
)

var (
	confirmContract = common.HexToAddress("0x0000000000000000000000000000000000000c0c")
	confirmEvent    = common.HexToHash("0xe1")
)

func confirmFilter(timeout time.Duration) chain.EventFilter {
	return chain.EventFilter{Contract: confirmContract, Event: confirmEvent, Timeout: timeout}
}

func TestSubmitAndConfirm_CrossChain(t *testing.T) {
	src, dst := chaintest.New(chain.Home), chaintest.New(chain.Foreign)
	src.OnSubmit = func(_ chain.Submission, hash common.Hash) (*types.Receipt, error) {
		dst.Emit(types.Log{Address: confirmContract, Topics: []common.Hash{confirmEvent}, BlockNumber: 7})
		return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful}, nil
	}

	c, err := chain.SubmitAndConfirm(context.Background(), src, chain.Submission{}, dst, confirmFilter(time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.TxHash == (common.Hash{}) || c.Event.BlockNumber != 7 {
		t.Fatalf("unexpected confirmation: %+v", c)
	}
	if n := dst.ActiveWaits(); n != 0 {
		t.Fatalf("wait not torn down: %d active", n)
	}
}

func TestSubmitAndConfirm_TimeoutIsPending(t *testing.T) {
	src, dst := chaintest.New(chain.Home), chaintest.New(chain.Foreign)

	c, err := chain.SubmitAndConfirm(context.Background(), src, chain.Submission{}, dst, confirmFilter(50*time.Millisecond))
	if !errors.Is(err, chain.ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
	var pe *chain.PendingError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *chain.PendingError, got %T", err)
	}
	if pe.Endpoint != chain.Home || pe.TxHash != c.TxHash {
		t.Fatalf("pending error should name the source tx: %+v vs %s", pe, c.TxHash.Hex())
	}
}

func TestSubmitAndConfirm_RejectionCancelsWait(t *testing.T) {
	src, dst := chaintest.New(chain.Foreign), chaintest.New(chain.Foreign)
	src.OnSubmit = func(chain.Submission, common.Hash) (*types.Receipt, error) {
		return nil, chain.ErrSubmissionRejected
	}

	c, err := chain.SubmitAndConfirm(context.Background(), src, chain.Submission{}, dst, confirmFilter(0))
	if !errors.Is(err, chain.ErrSubmissionRejected) {
		t.Fatalf("expected ErrSubmissionRejected, got %v", err)
	}
	if c.TxHash != (common.Hash{}) {
		t.Fatalf("rejected submission should carry no hash, got %s", c.TxHash.Hex())
	}
	if n := dst.ActiveWaits(); n != 0 {
		t.Fatalf("wait not torn down: %d active", n)
	}
}
