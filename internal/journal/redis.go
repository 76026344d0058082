// Package journal persists conversion state so interrupted or partial
// conversions can be found and resumed.
package journal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/althea-net/auto-bridge/internal/convert"
)

// DefaultTTL is how long a conversion record is kept.
const DefaultTTL = 30 * 24 * time.Hour

const drainTimeout = 2 * time.Second

// RedisClient abstracts the Redis operations used by RedisJournal.
// In production this is satisfied by GoRedis; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// GoRedis adapts *redis.Client to RedisClient.
type GoRedis struct {
	c *redis.Client
}

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, addr, password string, db int) (*GoRedis, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("journal: ping redis %s: %w", addr, err)
	}
	return &GoRedis{c: c}, nil
}

func (g *GoRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.c.HSet(ctx, key, values...).Err()
}

func (g *GoRedis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return g.c.Expire(ctx, key, ttl).Err()
}

func (g *GoRedis) Close() error { return g.c.Close() }

// RedisJournal persists conversion records into Redis using the schema:
//
//	Key:    conversion:{id}
//	Fields: kind, status, phase, account, input, intermediate, output,
//	        swap_tx, realized, bridge_tx, tag_nonce, tag_total, confirmed,
//	        error, created_at, updated_at
//
// Record never blocks: entries are buffered in an internal channel and
// flushed by Run. Records that change nothing are suppressed.
type RedisJournal struct {
	client RedisClient
	ttl    time.Duration
	log    *slog.Logger
	buf    chan convert.Conversion

	mu   sync.Mutex
	last map[string]string // keyed by Redis key
}

// NewRedisJournal creates a journal writing to client. ttl <= 0 uses
// DefaultTTL.
func NewRedisJournal(client RedisClient, ttl time.Duration, log *slog.Logger) *RedisJournal {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RedisJournal{
		client: client,
		ttl:    ttl,
		log:    log,
		buf:    make(chan convert.Conversion, 256),
		last:   make(map[string]string),
	}
}

// Record queues c for writing. When the buffer is full the record is
// dropped and logged.
func (j *RedisJournal) Record(c convert.Conversion) {
	select {
	case j.buf <- c:
	default:
		j.log.Warn("journal buffer full, dropping record", "id", c.ID, "status", c.Status.String())
	}
}

// Run flushes queued records until ctx is cancelled, then drains what is
// left within a short grace period.
func (j *RedisJournal) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			j.drain(dctx)
			cancel()
			return
		case c := <-j.buf:
			j.write(ctx, c)
		}
	}
}

func (j *RedisJournal) drain(ctx context.Context) {
	for {
		select {
		case c := <-j.buf:
			j.write(ctx, c)
		default:
			return
		}
	}
}

// write checks for duplicates and issues an HSET plus EXPIRE.
func (j *RedisJournal) write(ctx context.Context, c convert.Conversion) {
	key := "conversion:" + c.ID
	fields := Fields(c)
	fp := fingerprint(fields)

	j.mu.Lock()
	if j.last[key] == fp {
		j.mu.Unlock()
		return
	}
	j.last[key] = fp
	j.mu.Unlock()

	if err := j.client.HSet(ctx, key, fields...); err != nil {
		j.log.Error("journal write failed", "key", key, "error", err)
		j.mu.Lock()
		delete(j.last, key)
		j.mu.Unlock()
		return
	}
	if err := j.client.Expire(ctx, key, j.ttl); err != nil {
		j.log.Warn("journal expire failed", "key", key, "error", err)
	}
}

// Fields flattens a conversion into HSET field/value pairs.
func Fields(c convert.Conversion) []any {
	f := []any{
		"kind", c.Kind.String(),
		"status", c.Status.String(),
		"phase", c.Phase.String(),
		"account", c.Account.Hex(),
		"input", amount(c.Input),
		"intermediate", amount(c.Intermediate),
		"output", amount(c.Output),
		"error", c.Err,
		"created_at", strconv.FormatInt(c.CreatedAt.UnixMilli(), 10),
	}
	if c.Swap != nil {
		f = append(f, "swap_tx", c.Swap.TxHash.Hex(), "realized", amount(c.Swap.Realized))
	}
	if c.Bridge != nil {
		f = append(f,
			"bridge_tx", c.Bridge.TxHash.Hex(),
			"tag_nonce", strconv.FormatUint(c.Bridge.Tag.Nonce, 10),
			"tag_total", amount(c.Bridge.Tag.Total),
			"confirmed", strconv.FormatBool(c.Bridge.Confirmed),
		)
	}
	return append(f, "updated_at", strconv.FormatInt(c.UpdatedAt.UnixMilli(), 10))
}

// fingerprint is every field except updated_at, which changes on each
// record.
func fingerprint(fields []any) string {
	var out []byte
	for i := 0; i+1 < len(fields)-2; i += 2 {
		out = fmt.Appendf(out, "%v=%v;", fields[i], fields[i+1])
	}
	return string(out)
}

func amount(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
