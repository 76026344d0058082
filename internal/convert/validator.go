package convert

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/althea-net/auto-bridge/internal/chain"
)

// Sentinel errors returned by Validate.
var (
	ErrInvalidKind    = errors.New("invalid conversion kind")
	ErrAmountTooLow   = errors.New("amount below minimum")
	ErrChainUnhealthy = errors.New("chain unhealthy: conversions disabled")
)

// Gate reports whether an endpoint is fit to carry a conversion.
// Satisfied by health.Monitor.
type Gate interface {
	Healthy(endpoint chain.Endpoint) bool
}

// staleMarker is a Gate that can hold an endpoint back after one of its
// transactions went unresolved. Satisfied by health.Monitor.
type staleMarker interface {
	MarkStale(endpoint chain.Endpoint)
}

type openGate struct{}

func (openGate) Healthy(chain.Endpoint) bool { return true }

// Validator performs pre-flight checks before any transaction is sent. It
// fails fast: the first failing check rejects the conversion.
type Validator struct {
	gate      Gate
	minAmount *big.Int
}

// NewValidator creates a Validator. Amounts must exceed minAmount, which
// callers set to at least the bridge tag headroom. A nil gate lets
// everything through.
func NewValidator(gate Gate, minAmount *big.Int) *Validator {
	if gate == nil {
		gate = openGate{}
	}
	if minAmount == nil {
		minAmount = new(big.Int)
	}
	return &Validator{gate: gate, minAmount: new(big.Int).Set(minAmount)}
}

// Validate runs all pre-flight checks. On success the status is advanced to
// StatusValidated, on failure it is set to StatusRejected.
func (v *Validator) Validate(c *Conversion) error {
	if err := v.validate(c); err != nil {
		c.Status = StatusRejected
		c.Err = err.Error()
		return err
	}
	c.Status = StatusValidated
	return nil
}

func (v *Validator) validate(c *Conversion) error {
	if c.Kind != CoinToBridgedCoin && c.Kind != BridgedCoinToCoin {
		return ErrInvalidKind
	}
	if c.Input == nil || c.Input.Cmp(v.minAmount) <= 0 {
		return fmt.Errorf("%w: %v <= %s", ErrAmountTooLow, c.Input, v.minAmount)
	}

	// Both legs touch both chains: the swap side reads the foreign pool and
	// the bridge side submits on one chain and waits on the other.
	for _, ep := range []chain.Endpoint{chain.Foreign, chain.Home} {
		if !v.gate.Healthy(ep) {
			return fmt.Errorf("%w: %s", ErrChainUnhealthy, ep)
		}
	}
	return nil
}

// holdBack closes the gate on the endpoint of a pending transaction in err
// until that chain's head advances again.
func (v *Validator) holdBack(err error) {
	var pending *chain.PendingError
	if !errors.As(err, &pending) {
		return
	}
	if m, ok := v.gate.(staleMarker); ok {
		m.MarkStale(pending.Endpoint)
	}
}
