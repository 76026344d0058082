package convert

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/althea-net/auto-bridge/internal/amm"
	"github.com/althea-net/auto-bridge/internal/bridge"
)

// Kind names one of the two end-to-end conversions.
type Kind uint8

const (
	CoinToBridgedCoin Kind = iota + 1 // foreign coin -> token -> home coin
	BridgedCoinToCoin                 // home coin -> token -> foreign coin
)

func (k Kind) String() string {
	switch k {
	case CoinToBridgedCoin:
		return "coin-to-bridged-coin"
	case BridgedCoinToCoin:
		return "bridged-coin-to-coin"
	default:
		return "unknown"
	}
}

// Phase is one leg of a conversion.
type Phase uint8

const (
	PhaseSwap Phase = iota + 1
	PhaseBridge
)

func (p Phase) String() string {
	switch p {
	case PhaseSwap:
		return "swap"
	case PhaseBridge:
		return "bridge"
	default:
		return "unknown"
	}
}

// Status tracks the lifecycle of a conversion.
type Status uint8

const (
	StatusNew       Status = iota + 1
	StatusValidated
	StatusRunning
	StatusSubmitted // finished, final credit not observable
	StatusCompleted
	StatusPartial // first leg done, second failed
	StatusPending // a leg's outcome is unknown
	StatusFailed
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusValidated:
		return "validated"
	case StatusRunning:
		return "running"
	case StatusSubmitted:
		return "submitted"
	case StatusCompleted:
		return "completed"
	case StatusPartial:
		return "partial"
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Conversion is the journaled state of one conversion request.
type Conversion struct {
	ID      string
	Kind    Kind
	Account common.Address
	Input   *big.Int

	// Intermediate is the token amount handed from the first leg to the
	// second.
	Intermediate *big.Int
	Output       *big.Int

	Status Status
	Phase  Phase // leg in progress or last finished
	Swap   *amm.Swap
	Bridge *bridge.Result
	Err    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Result is a finished conversion.
type Result struct {
	ID     string
	Kind   Kind
	Input  *big.Int
	Output *big.Int

	// Confirmed is false when the final leg was a deposit that cannot be
	// observed; Output is then what was sent, not what was credited.
	Confirmed bool

	Swap   *amm.Swap
	Bridge *bridge.Result
}
