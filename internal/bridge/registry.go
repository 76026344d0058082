package bridge

import (
	"errors"
	"math/big"
	"sync"
)

// maxDraws bounds how many times a colliding tag is re-drawn.
const maxDraws = 16

var ErrTagsExhausted = errors.New("no free tag for amount")

// registry tracks the tagged totals of transfers still in flight so two
// transfers from this process never wait on the same credit. It does not
// help against other processes sharing the account.
type registry struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

func newRegistry() *registry {
	return &registry{inflight: make(map[string]struct{})}
}

// claim draws tags for base until one is free and marks it in flight.
func (r *registry) claim(base *big.Int, n uint64, draw NonceSource) (TaggedAmount, error) {
	for i := 0; i < maxDraws; i++ {
		nonce, err := draw(n)
		if err != nil {
			return TaggedAmount{}, err
		}
		tag, err := Tag(base, nonce)
		if err != nil {
			return TaggedAmount{}, err
		}

		key := tag.Total.String()
		r.mu.Lock()
		_, busy := r.inflight[key]
		if !busy {
			r.inflight[key] = struct{}{}
		}
		r.mu.Unlock()

		if !busy {
			return tag, nil
		}
	}
	return TaggedAmount{}, ErrTagsExhausted
}

func (r *registry) release(tag TaggedAmount) {
	r.mu.Lock()
	delete(r.inflight, tag.Total.String())
	r.mu.Unlock()
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}
