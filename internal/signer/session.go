package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNoActiveSession    = errors.New("no active session")
	ErrSessionExpired     = errors.New("session expired")
	ErrValueLimitExceeded = errors.New("cumulative value limit exceeded")
)

// Status is a read-only snapshot of the session.
type Status struct {
	Active       bool
	TTLRemaining time.Duration
	MaxValue     *big.Int // nil when unlimited
	ValueUsed    *big.Int
	Address      common.Address
}

// SessionManager holds the operator key in locked memory with TTL and
// cumulative value-limit enforcement. The key is encrypted at rest via
// memguard.Enclave and only opened momentarily during SignTx.
//
// SessionManager satisfies chain.TxSigner.
type SessionManager struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	address   common.Address
	expiresAt time.Time
	maxValue  *big.Int // native value in wei; nil means no cap
	valueUsed *big.Int
	ttl       time.Duration
	nowFunc   func() time.Time
}

// NewSessionManager creates a manager with the given TTL. A zero TTL never
// expires. No session is active until Activate is called.
func NewSessionManager(ttl time.Duration) *SessionManager {
	return &SessionManager{
		ttl:       ttl,
		valueUsed: new(big.Int),
		nowFunc:   time.Now,
	}
}

// Activate seals keyBytes into a memguard Enclave, derives the address,
// sets expiry and resets counters. keyBytes is wiped.
func (sm *SessionManager) Activate(keyBytes []byte, maxValue *big.Int) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	privKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		memguard.WipeBytes(keyBytes)
		return fmt.Errorf("invalid private key: %w", err)
	}

	sm.destroyLocked()
	sm.address = crypto.PubkeyToAddress(privKey.PublicKey)
	sm.enclave = memguard.NewEnclave(keyBytes) // wipes keyBytes
	if sm.ttl > 0 {
		sm.expiresAt = sm.nowFunc().Add(sm.ttl)
	}
	if maxValue != nil {
		sm.maxValue = new(big.Int).Set(maxValue)
	}
	return nil
}

// Address returns the active signer address, or the zero address.
func (sm *SessionManager) Address() common.Address {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.address
}

// SignTx signs tx for chainID with the EIP-155 (or later) signer for that
// chain. The transaction's native value counts toward the session cap.
func (sm *SessionManager) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("invalid chain id %v", chainID)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.enclave == nil {
		return nil, ErrNoActiveSession
	}
	if sm.isExpired() {
		sm.destroyLocked()
		return nil, ErrSessionExpired
	}

	newTotal := new(big.Int).Add(sm.valueUsed, tx.Value())
	if sm.maxValue != nil && newTotal.Cmp(sm.maxValue) > 0 {
		return nil, ErrValueLimitExceeded
	}

	buf, err := sm.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open enclave: %w", err)
	}
	privKey, err := crypto.ToECDSA(buf.Bytes())
	buf.Destroy()
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), privKey)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}

	// Commit value usage only after successful signing.
	sm.valueUsed.Set(newTotal)
	return signed, nil
}

// Status returns a snapshot of the current session state.
func (sm *SessionManager) Status() Status {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if sm.enclave == nil || sm.isExpired() {
		return Status{ValueUsed: new(big.Int)}
	}

	st := Status{
		Active:    true,
		ValueUsed: new(big.Int).Set(sm.valueUsed),
		Address:   sm.address,
	}
	if sm.maxValue != nil {
		st.MaxValue = new(big.Int).Set(sm.maxValue)
	}
	if !sm.expiresAt.IsZero() {
		st.TTLRemaining = max(sm.expiresAt.Sub(sm.nowFunc()), 0)
	}
	return st
}

// Destroy drops the enclave, resetting all session state.
func (sm *SessionManager) Destroy() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.destroyLocked()
}

// destroyLocked performs the actual cleanup. Caller must hold sm.mu.
func (sm *SessionManager) destroyLocked() {
	sm.enclave = nil
	sm.address = common.Address{}
	sm.expiresAt = time.Time{}
	sm.valueUsed = new(big.Int)
	sm.maxValue = nil
}

// isExpired checks whether the session TTL has elapsed. Caller must hold sm.mu.
func (sm *SessionManager) isExpired() bool {
	return !sm.expiresAt.IsZero() && sm.nowFunc().After(sm.expiresAt)
}
