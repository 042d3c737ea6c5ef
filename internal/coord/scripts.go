package coord

import "github.com/redis/go-redis/v9"

// incrScript increments a counter and sets its expiry if it has none.
// KEYS[1] counter, ARGV[1] increment, ARGV[2] ttl in ms (0 for none).
var incrScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call('PTTL', KEYS[1]) == -1 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return v
`)

// hsetnxIncrScript records a first-writer-wins hash field and bumps the
// listed counters only when the write happened. Returns {0} or {1, c1, ...}.
// KEYS[1] hash, ARGV[1] field, ARGV[2] value, ARGV[3..] counter fields.
var hsetnxIncrScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return {0}
end
local out = {1}
for i = 3, #ARGV do
	table.insert(out, redis.call('HINCRBY', KEYS[1], ARGV[i], 1))
end
return out
`)

// claimScript moves the queue head into the in-flight set.
// KEYS[1] queue, KEYS[2] inflight, ARGV[1] lease deadline score.
var claimScript = redis.NewScript(`
local item = redis.call('LPOP', KEYS[1])
if not item then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], item)
return item
`)

// nackScript returns an in-flight item to the queue tail.
// KEYS[1] queue, KEYS[2] inflight, ARGV[1] item.
var nackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[2], ARGV[1]) == 1 then
	redis.call('RPUSH', KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// requeueScript moves expired in-flight items back to the queue head. An
// item is pushed only if this call removed it, so it reappears exactly once.
// KEYS[1] queue, KEYS[2] inflight, ARGV[1] now score, ARGV[2] limit (0 for all).
var requeueScript = redis.NewScript(`
local limit = tonumber(ARGV[2])
local due
if limit > 0 then
	due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, limit)
else
	due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
end
local moved = {}
for _, item in ipairs(due) do
	if redis.call('ZREM', KEYS[2], item) == 1 then
		redis.call('LPUSH', KEYS[1], item)
		table.insert(moved, item)
	end
end
return moved
`)

// zpopScript removes and returns members scored at or below a bound.
// KEYS[1] zset, ARGV[1] max score, ARGV[2] limit (0 for all).
var zpopScript = redis.NewScript(`
local limit = tonumber(ARGV[2])
local due
if limit > 0 then
	due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, limit)
else
	due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
end
return due
`)

// extendScript renews a lease held by the presented token.
// KEYS[1] lease, ARGV[1] token, ARGV[2] ttl in ms.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes a lease held by the presented token.
// KEYS[1] lease, ARGV[1] token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
