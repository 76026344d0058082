package signer

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

var homeChainID = big.NewInt(100)

func testKey(t *testing.T) ([]byte, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return crypto.FromECDSA(key), crypto.PubkeyToAddress(key.PublicKey)
}

func transfer(nonce uint64, value int64) *types.Transaction {
	to := common.HexToAddress("0x7301CFA0e1756B71869E93d4e4Dca5c7d0eb0AA6")
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(value),
		Gas:      21_000,
		GasPrice: big.NewInt(1_000_000_000),
	})
}

func TestSessionManager_SignTx(t *testing.T) {
	sm := NewSessionManager(time.Minute)
	key, addr := testKey(t)
	if err := sm.Activate(key, nil); err != nil {
		t.Fatalf("activate: %v", err)
	}
	for _, b := range key {
		if b != 0 {
			t.Fatal("expected key bytes to be wiped after Activate")
		}
	}
	if sm.Address() != addr {
		t.Fatalf("address mismatch: got %s, want %s", sm.Address().Hex(), addr.Hex())
	}

	signed, err := sm.SignTx(context.Background(), transfer(7, 42), homeChainID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(homeChainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from != addr {
		t.Fatalf("recovered %s, want %s", from.Hex(), addr.Hex())
	}
	if signed.ChainId().Cmp(homeChainID) != 0 {
		t.Fatalf("expected chain id 100, got %s", signed.ChainId())
	}
}

func TestSessionManager_NoSession(t *testing.T) {
	sm := NewSessionManager(time.Minute)
	if _, err := sm.SignTx(context.Background(), transfer(0, 1), homeChainID); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if sm.Status().Active {
		t.Fatal("expected inactive status")
	}
}

func TestSessionManager_Expiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sm := NewSessionManager(time.Minute)
	sm.nowFunc = func() time.Time { return now }

	key, _ := testKey(t)
	if err := sm.Activate(key, nil); err != nil {
		t.Fatal(err)
	}
	if st := sm.Status(); st.TTLRemaining != time.Minute {
		t.Fatalf("expected 1m remaining, got %s", st.TTLRemaining)
	}

	now = now.Add(61 * time.Second)
	if _, err := sm.SignTx(context.Background(), transfer(0, 1), homeChainID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if _, err := sm.SignTx(context.Background(), transfer(0, 1), homeChainID); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expired session should be destroyed, got %v", err)
	}
}

func TestSessionManager_ZeroTTLNeverExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sm := NewSessionManager(0)
	sm.nowFunc = func() time.Time { return now }
	key, _ := testKey(t)
	if err := sm.Activate(key, nil); err != nil {
		t.Fatal(err)
	}
	now = now.Add(365 * 24 * time.Hour)
	if _, err := sm.SignTx(context.Background(), transfer(0, 1), homeChainID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSessionManager_ValueLimit(t *testing.T) {
	sm := NewSessionManager(time.Minute)
	key, _ := testKey(t)
	if err := sm.Activate(key, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}

	for i, v := range []int64{60, 40} {
		if _, err := sm.SignTx(context.Background(), transfer(uint64(i), v), homeChainID); err != nil {
			t.Fatalf("sign %d: %v", i, err)
		}
	}
	if _, err := sm.SignTx(context.Background(), transfer(2, 1), homeChainID); !errors.Is(err, ErrValueLimitExceeded) {
		t.Fatalf("expected ErrValueLimitExceeded, got %v", err)
	}
	// Zero-value contract calls still go through.
	if _, err := sm.SignTx(context.Background(), transfer(2, 0), homeChainID); err != nil {
		t.Fatalf("zero-value call should be signed: %v", err)
	}
	if used := sm.Status().ValueUsed; used.Int64() != 100 {
		t.Fatalf("expected 100 used, got %s", used)
	}
}

func TestSessionManager_InvalidInput(t *testing.T) {
	sm := NewSessionManager(time.Minute)
	if err := sm.Activate([]byte{1, 2, 3}, nil); err == nil {
		t.Fatal("expected error for a short key")
	}

	key, _ := testKey(t)
	if err := sm.Activate(key, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.SignTx(context.Background(), transfer(0, 1), nil); err == nil {
		t.Fatal("expected error for a nil chain id")
	}
}

func TestSessionManager_Destroy(t *testing.T) {
	sm := NewSessionManager(time.Minute)
	key, _ := testKey(t)
	if err := sm.Activate(key, nil); err != nil {
		t.Fatal(err)
	}
	sm.Destroy()
	if sm.Status().Active || sm.Address() != (common.Address{}) {
		t.Fatal("expected session cleared after Destroy")
	}
}
