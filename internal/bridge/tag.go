// Package bridge moves value across the token bridge and correlates each
// transfer with its credit on the other chain.
package bridge

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// DefaultNonceRange is the number of distinct tags drawn for one base amount.
const DefaultNonceRange uint64 = 1 << 16

// MaxNonceRange caps configurable ranges. Tags are added to the transferred
// amount, so a wider range costs up to that many wei of precision.
const MaxNonceRange uint64 = 1 << 32

var (
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrAmountOverflow = errors.New("tagged amount does not fit in uint256")
	ErrNonceRange     = errors.New("nonce range out of bounds")
)

// TaggedAmount is a transfer amount offset by a small random nonce so the
// matching credit event on the other chain can be recognized.
//
// The tag is a correlation heuristic, not a security mechanism. Anyone who
// sees the source transaction can emit or front-run a credit carrying the
// same total, and two concurrent transfers can draw the same tag.
type TaggedAmount struct {
	Base  *big.Int
	Nonce uint64
	Total *big.Int
}

// Tag returns base+nonce, refusing totals that cannot be sent on chain.
func Tag(base *big.Int, nonce uint64) (TaggedAmount, error) {
	if base == nil || base.Sign() <= 0 {
		return TaggedAmount{}, ErrInvalidAmount
	}
	total := new(big.Int).Add(base, new(big.Int).SetUint64(nonce))
	if _, overflow := uint256.FromBig(total); overflow {
		return TaggedAmount{}, fmt.Errorf("%w: %s + %d", ErrAmountOverflow, base, nonce)
	}
	return TaggedAmount{Base: new(big.Int).Set(base), Nonce: nonce, Total: total}, nil
}

// Matches reports whether a credited amount carries exactly this tag.
func (t TaggedAmount) Matches(amount *big.Int) bool {
	return amount != nil && t.Total != nil && amount.Cmp(t.Total) == 0
}

// Untag recovers the base amount from a credited total.
func (t TaggedAmount) Untag(total *big.Int) *big.Int {
	return new(big.Int).Sub(total, new(big.Int).SetUint64(t.Nonce))
}

func (t TaggedAmount) String() string {
	return fmt.Sprintf("%s+%d=%s", t.Base, t.Nonce, t.Total)
}

// NonceSource draws a nonce uniformly from [0, n).
type NonceSource func(n uint64) (uint64, error)

// RandomNonce draws from crypto/rand.
func RandomNonce(n uint64) (uint64, error) {
	if n == 0 {
		return 0, ErrNonceRange
	}
	v, err := rand.Int(rand.Reader, new(big.Int).SetUint64(n))
	if err != nil {
		return 0, fmt.Errorf("draw nonce: %w", err)
	}
	return v.Uint64(), nil
}
