package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

func amountLog(block uint64, amount int64) types.Log {
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{transferTopic},
		Data:        common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(amount)),
	}
}

func amountIs(want int64) func(types.Log) (bool, error) {
	return func(l types.Log) (bool, error) {
		if len(l.Data) != 32 {
			return false, errors.New("bad data length")
		}
		return new(big.Int).SetBytes(l.Data).Cmp(big.NewInt(want)) == 0, nil
	}
}

func TestWaitForEvent_MatchesPredicate(t *testing.T) {
	b := newFakeBackend()
	b.addLog(amountLog(100, 7))
	b.addLog(amountLog(100, 42))
	c := newTestClient(b)

	got, err := c.WaitForEvent(context.Background(), EventFilter{
		Contract: testContract,
		Event:    transferTopic,
		Match:    amountIs(42),
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if new(big.Int).SetBytes(got.Data).Int64() != 42 {
		t.Fatalf("matched wrong log: %x", got.Data)
	}
}

func TestWaitForEvent_LateEvent(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(b)

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.mu.Lock()
		b.head = 101
		b.mu.Unlock()
		b.addLog(amountLog(101, 42))
	}()

	_, err := c.WaitForEvent(context.Background(), EventFilter{
		Contract: testContract,
		Event:    transferTopic,
		Match:    amountIs(42),
		Timeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestWaitForEvent_IgnoresEarlierBlocks(t *testing.T) {
	b := newFakeBackend()
	b.addLog(amountLog(90, 42)) // before FromBlock
	c := newTestClient(b)

	_, err := c.WaitForEvent(context.Background(), EventFilter{
		Contract:  testContract,
		Event:     transferTopic,
		FromBlock: 95,
		Match:     amountIs(42),
		Timeout:   60 * time.Millisecond,
	})
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
}

func TestWaitForEvent_TimeoutNotEarly(t *testing.T) {
	b := newFakeBackend()
	b.addLog(amountLog(100, 5000000))
	c := newTestClient(b)

	timeout := 80 * time.Millisecond
	start := time.Now()
	_, err := c.WaitForEvent(context.Background(), EventFilter{
		Contract: testContract,
		Event:    transferTopic,
		Match:    amountIs(5000042),
		Timeout:  timeout,
	})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
	if elapsed < timeout {
		t.Fatalf("returned after %v, before the %v timeout", elapsed, timeout)
	}
	if elapsed > timeout+time.Second {
		t.Fatalf("returned after %v, far past the %v timeout", elapsed, timeout)
	}
}

func TestWaitForEvent_CallerCancel(t *testing.T) {
	c := newTestClient(newFakeBackend())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := c.WaitForEvent(ctx, EventFilter{Contract: testContract, Event: transferTopic, Match: amountIs(1)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrConfirmationTimeout) {
		t.Fatal("caller cancellation must not be reported as a timeout")
	}
}

func TestWaitForEvent_MalformedPayload(t *testing.T) {
	b := newFakeBackend()
	l := amountLog(100, 1)
	l.Data = l.Data[:12]
	b.addLog(l)
	c := newTestClient(b)

	_, err := c.WaitForEvent(context.Background(), EventFilter{
		Contract: testContract,
		Event:    transferTopic,
		Match:    amountIs(1),
		Timeout:  time.Second,
	})
	if !errors.Is(err, ErrMalformedEventData) {
		t.Fatalf("expected ErrMalformedEventData, got %v", err)
	}
}

func TestWaitForEvent_SkipsRemovedLogs(t *testing.T) {
	b := newFakeBackend()
	l := amountLog(100, 42)
	l.Removed = true
	b.addLog(l)
	c := newTestClient(b)

	_, err := c.WaitForEvent(context.Background(), EventFilter{
		Contract: testContract,
		Event:    transferTopic,
		Match:    amountIs(42),
		Timeout:  50 * time.Millisecond,
	})
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("expected reorged log to be ignored, got %v", err)
	}
}
