package coord

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist or has expired.
	ErrNotFound = errors.New("coord: key not found")

	// ErrEmpty is returned by Claim when the queue has no entries.
	ErrEmpty = errors.New("coord: queue empty")

	// ErrLeaseHeld is returned by Acquire when another owner holds the lease.
	ErrLeaseHeld = errors.New("coord: lease held by another owner")

	// ErrLeaseLost is returned when extending or releasing a lease whose token
	// no longer matches, either because it expired or another owner took over.
	ErrLeaseLost = errors.New("coord: lease lost")

	// ErrUnavailable wraps every transport-level failure of the backing store.
	ErrUnavailable = errors.New("coord: store unavailable")
)

// Client is the narrow set of atomic primitives the service relies on. Every
// method is a single atomic operation against the backing store; callers must
// never build check-then-act sequences out of several calls when correctness
// depends on them.
type Client interface {
	Ping(ctx context.Context) error
	Close() error

	// Incr adds one to key and returns the new value. When ttl is positive and
	// the key has no expiry yet, the expiry is set in the same operation.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// IncrBy adds n to key with the same expiry semantics as Incr.
	IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error)
	// GetInt returns the integer stored at key, or 0 when the key is missing.
	GetInt(ctx context.Context, key string) (int64, error)

	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime of key, or 0 when the key is missing
	// or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HSet(ctx context.Context, key string, fields map[string]string) error
	// HSetNX sets field only if it does not exist yet and reports whether it did.
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)
	// HSetNXIncr sets field only if it does not exist yet and, in the same
	// step, increments each named counter field by one. It reports whether
	// the field was set and, if so, the counters' new values in order.
	HSetNXIncr(ctx context.Context, key, field, value string, counters ...string) (bool, []int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key, member string) (bool, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRangeByScore returns members with a score of at least min, lowest first.
	ZRangeByScore(ctx context.Context, key string, min float64) ([]string, error)
	// ZPopByScore atomically removes and returns up to limit members with a
	// score of at most max, lowest first. A limit of zero or less removes all.
	ZPopByScore(ctx context.Context, key string, max float64, limit int) ([]string, error)

	// Push appends items to the tail of queue.
	Push(ctx context.Context, queue string, items ...string) error
	// Claim atomically pops the head of queue and records it in the inflight
	// scored set with deadline as its score. Returns ErrEmpty when the queue
	// has no entries.
	Claim(ctx context.Context, queue, inflight string, deadline time.Time) (string, error)
	// Nack atomically removes item from inflight and, if it was present,
	// appends it to the tail of queue. Reports whether the item was moved.
	Nack(ctx context.Context, queue, inflight, item string) (bool, error)
	// RequeueExpired atomically moves up to limit inflight items whose
	// deadline is at or before now back to the head of queue and returns them.
	RequeueExpired(ctx context.Context, queue, inflight string, now time.Time, limit int) ([]string, error)
	Len(ctx context.Context, queue string) (int64, error)

	// AcquireLease sets key to a fresh owner token if it is absent. Reports
	// false without error when another owner holds it.
	AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// ExtendLease renews the expiry only if key still holds token.
	ExtendLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// ReleaseLease deletes key only if it still holds token.
	ReleaseLease(ctx context.Context, key, token string) (bool, error)
}

// scoreOf converts a deadline into the scored-set representation used for
// leases and heartbeats.
func scoreOf(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Score exposes the scored-set encoding of t so callers comparing against
// ZAdd scores use the same unit.
func Score(t time.Time) float64 {
	return scoreOf(t)
}
