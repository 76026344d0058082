package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// WaitForEvent scans [FromBlock, head] with eth_getLogs on every poll tick
// until f.Match accepts a log. Polling keeps the watcher usable over plain
// HTTP endpoints, and the scan window only advances after a successful
// read so no block is skipped when the node hiccups.
func (c *Client) WaitForEvent(ctx context.Context, f EventFilter) (types.Log, error) {
	if f.Match == nil {
		f.Match = MatchAll
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	from := f.FromBlock
	if from == 0 {
		head, err := c.LatestBlock(ctx)
		if err != nil {
			return types.Log{}, c.waitErr(ctx, err)
		}
		from = head.Number
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{f.Contract},
		Topics:    append([][]common.Hash{{f.Event}}, f.Topics...),
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		next, log, found, err := c.scan(ctx, query, from, f.Match)
		if err != nil {
			return types.Log{}, err
		}
		if found {
			c.log.Debug("event matched", "contract", f.Contract.Hex(), "tx", log.TxHash.Hex(), "block", log.BlockNumber)
			return log, nil
		}
		from = next

		select {
		case <-ctx.Done():
			return types.Log{}, c.waitErr(ctx, ctx.Err())
		case <-ticker.C:
		}
	}
}

// scan runs one poll. It returns the next block to scan from; transient read
// failures leave the window unchanged.
func (c *Client) scan(ctx context.Context, q ethereum.FilterQuery, from uint64, match func(types.Log) (bool, error)) (uint64, types.Log, bool, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		c.log.Debug("event poll: head read failed", "err", err)
		return from, types.Log{}, false, nil
	}
	to := head.Number.Uint64()
	if to < from {
		return from, types.Log{}, false, nil
	}

	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)
	logs, err := c.backend.FilterLogs(ctx, q)
	if err != nil {
		c.log.Debug("event poll: get logs failed", "from", from, "to", to, "err", err)
		return from, types.Log{}, false, nil
	}

	for _, l := range logs {
		if l.Removed {
			continue
		}
		ok, err := match(l)
		if err != nil {
			return from, types.Log{}, false, fmt.Errorf("%w: %s log %s/%d: %v",
				ErrMalformedEventData, c.endpoint, l.TxHash.Hex(), l.Index, err)
		}
		if ok {
			return to + 1, l, true, nil
		}
	}
	return to + 1, types.Log{}, false, nil
}

// waitErr maps an expired wait to ErrConfirmationTimeout and leaves caller
// cancellation untouched.
func (c *Client) waitErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrConfirmationTimeout, c.endpoint)
	}
	return err
}
