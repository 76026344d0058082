package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const wordSize = 32

// ValueField returns field n (0-based, declaration order) of an event whose
// fields are all single 32-byte words. Different deployments of the same
// event index a different number of leading fields, so the field is read
// from topics when it was indexed and from data otherwise. Indexed fields
// are assumed to be a prefix of the declaration order.
func ValueField(l types.Log, n int) (*big.Int, error) {
	if len(l.Topics) == 0 {
		return nil, fmt.Errorf("log has no topics")
	}
	indexed := len(l.Topics) - 1
	if n < indexed {
		return l.Topics[n+1].Big(), nil
	}

	off := (n - indexed) * wordSize
	if len(l.Data) < off+wordSize {
		return nil, fmt.Errorf("field %d: data is %d bytes, need %d", n, len(l.Data), off+wordSize)
	}
	return new(big.Int).SetBytes(l.Data[off : off+wordSize]), nil
}

// AddressField is ValueField for an address-typed field.
func AddressField(l types.Log, n int) (common.Address, error) {
	v, err := ValueField(l, n)
	if err != nil {
		return common.Address{}, err
	}
	if v.BitLen() > 160 {
		return common.Address{}, fmt.Errorf("field %d: not an address", n)
	}
	return common.BigToAddress(v), nil
}

// Affirmation is a decoded AffirmationCompleted event.
type Affirmation struct {
	Recipient common.Address
	Value     *big.Int
	TxHash    common.Hash
}

// DecodeAffirmation unpacks an AffirmationCompleted log.
func DecodeAffirmation(l types.Log) (Affirmation, error) {
	var out struct {
		Recipient       common.Address
		Value           *big.Int
		TransactionHash [32]byte
	}
	if err := HomeBridge.UnpackIntoInterface(&out, "AffirmationCompleted", l.Data); err != nil {
		return Affirmation{}, fmt.Errorf("unpack AffirmationCompleted: %w", err)
	}
	return Affirmation{Recipient: out.Recipient, Value: out.Value, TxHash: out.TransactionHash}, nil
}
