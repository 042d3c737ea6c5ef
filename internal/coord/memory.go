package coord

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// entry is one key in the in-memory store. Exactly one of the value fields
// is in use, depending on how the key was first written.
type entry struct {
	str     string
	hash    map[string]string
	set     map[string]struct{}
	zset    map[string]float64
	list    []string
	expires time.Time
}

// Memory is an in-process Client. A single mutex serialises every operation,
// which gives each method the same atomicity the Redis scripts provide.
type Memory struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time
}

var _ Client = (*Memory)(nil)

// MemoryOption configures a Memory client.
type MemoryOption func(*Memory)

// WithClock replaces the wall clock used for key expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory returns an empty in-process store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		data: make(map[string]*entry),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lookup returns the live entry for key, dropping it if it has expired.
// Callers must hold m.mu.
func (m *Memory) lookup(key string) *entry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		return nil
	}
	return e
}

// ensure returns the live entry for key, creating an empty one if needed.
// Callers must hold m.mu.
func (m *Memory) ensure(key string) *entry {
	if e := m.lookup(key); e != nil {
		return e
	}
	e := &entry{}
	m.data[key] = e
	return e
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return m.IncrBy(ctx, key, 1, ttl)
}

func (m *Memory) IncrBy(_ context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.ensure(key)
	current := int64(0)
	if e.str != "" {
		v, err := strconv.ParseInt(e.str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incr %s: value is not an integer", key)
		}
		current = v
	}
	current += n
	e.str = strconv.FormatInt(current, 10)
	if ttl > 0 && e.expires.IsZero() {
		e.expires = m.now().Add(ttl)
	}
	return current, nil
}

func (m *Memory) GetInt(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil || e.str == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return v, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return nil, ErrNotFound
	}
	return []byte(e.str), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &entry{str: string(value)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lookup(key) != nil, nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil || e.expires.IsZero() {
		return 0, nil
	}
	return e.expires.Sub(m.now()), nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.lookup(key); e != nil {
		e.expires = m.now().Add(ttl)
	}
	return nil
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(fields) == 0 {
		return nil
	}
	e := m.ensure(key)
	if e.hash == nil {
		e.hash = make(map[string]string, len(fields))
	}
	for f, v := range fields {
		e.hash[f] = v
	}
	return nil
}

func (m *Memory) HSetNX(_ context.Context, key, field, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.ensure(key)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	if _, ok := e.hash[field]; ok {
		return false, nil
	}
	e.hash[field] = value
	return true, nil
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.ensure(key)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	current := int64(0)
	if s, ok := e.hash[field]; ok {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("hincrby %s %s: value is not an integer", key, field)
		}
		current = v
	}
	current += n
	e.hash[field] = strconv.FormatInt(current, 10)
	return current, nil
}

func (m *Memory) HSetNXIncr(_ context.Context, key, field, value string, counters ...string) (bool, []int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.ensure(key)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	if _, ok := e.hash[field]; ok {
		return false, nil, nil
	}
	e.hash[field] = value

	out := make([]int64, 0, len(counters))
	for _, c := range counters {
		current := int64(0)
		if s, ok := e.hash[c]; ok {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return false, nil, fmt.Errorf("hincrby %s %s: value is not an integer", key, c)
			}
			current = v
		}
		current++
		e.hash[c] = strconv.FormatInt(current, 10)
		out = append(out, current)
	}
	return true, out, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string)
	if e := m.lookup(key); e != nil {
		for f, v := range e.hash {
			out[f] = v
		}
	}
	return out, nil
}

func (m *Memory) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.lookup(key); e != nil {
		for _, f := range fields {
			delete(e.hash, f)
		}
	}
	return nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(members) == 0 {
		return nil
	}
	e := m.ensure(key)
	if e.set == nil {
		e.set = make(map[string]struct{})
	}
	for _, member := range members {
		e.set[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.lookup(key); e != nil {
		for _, member := range members {
			delete(e.set, member)
		}
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return []string{}, nil
	}
	out := make([]string, 0, len(e.set))
	for member := range e.set {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ZAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.zadd(key, member, score)
	return nil
}

// zadd is ZAdd without locking, shared by Claim.
func (m *Memory) zadd(key, member string, score float64) {
	e := m.ensure(key)
	if e.zset == nil {
		e.zset = make(map[string]float64)
	}
	e.zset[member] = score
}

func (m *Memory) ZRem(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.zrem(key, member), nil
}

func (m *Memory) zrem(key, member string) bool {
	e := m.lookup(key)
	if e == nil {
		return false
	}
	if _, ok := e.zset[member]; !ok {
		return false
	}
	delete(e.zset, member)
	return true
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return 0, nil
	}
	return int64(len(e.zset)), nil
}

// sortedMembers returns zset members ordered by score, then by member, the
// same order Redis uses. Callers must hold m.mu.
func (m *Memory) sortedMembers(key string) []string {
	e := m.lookup(key)
	if e == nil {
		return nil
	}
	members := make([]string, 0, len(e.zset))
	for member := range e.zset {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := e.zset[members[i]], e.zset[members[j]]
		if si != sj {
			return si < sj
		}
		return members[i] < members[j]
	})
	return members
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	out := []string{}
	for _, member := range m.sortedMembers(key) {
		if e.zset[member] >= min {
			out = append(out, member)
		}
	}
	return out, nil
}

// due returns up to limit members scored at or below max. Callers must hold m.mu.
func (m *Memory) due(key string, max float64, limit int) []string {
	e := m.lookup(key)
	out := []string{}
	for _, member := range m.sortedMembers(key) {
		if e.zset[member] > max {
			break
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, member)
	}
	return out
}

func (m *Memory) ZPopByScore(_ context.Context, key string, max float64, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.due(key, max, limit)
	for _, member := range out {
		m.zrem(key, member)
	}
	return out, nil
}

func (m *Memory) Push(_ context.Context, queue string, items ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(items) == 0 {
		return nil
	}
	e := m.ensure(queue)
	e.list = append(e.list, items...)
	return nil
}

func (m *Memory) Claim(_ context.Context, queue, inflight string, deadline time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(queue)
	if e == nil || len(e.list) == 0 {
		return "", ErrEmpty
	}
	item := e.list[0]
	e.list = e.list[1:]
	m.zadd(inflight, item, scoreOf(deadline))
	return item, nil
}

func (m *Memory) Nack(_ context.Context, queue, inflight, item string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.zrem(inflight, item) {
		return false, nil
	}
	e := m.ensure(queue)
	e.list = append(e.list, item)
	return true, nil
}

func (m *Memory) RequeueExpired(_ context.Context, queue, inflight string, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	moved := m.due(inflight, scoreOf(now), limit)
	if len(moved) == 0 {
		return moved, nil
	}
	e := m.ensure(queue)
	for _, item := range moved {
		m.zrem(inflight, item)
		// Matches LPUSH: each item becomes the new head
		e.list = append([]string{item}, e.list...)
	}
	return moved, nil
}

func (m *Memory) Len(_ context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(queue)
	if e == nil {
		return 0, nil
	}
	return int64(len(e.list)), nil
}

func (m *Memory) AcquireLease(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lookup(key) != nil {
		return false, nil
	}
	e := &entry{str: token}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.data[key] = e
	return true, nil
}

func (m *Memory) ExtendLease(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil || e.str != token {
		return false, nil
	}
	e.expires = m.now().Add(ttl)
	return true, nil
}

func (m *Memory) ReleaseLease(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil || e.str != token {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}
