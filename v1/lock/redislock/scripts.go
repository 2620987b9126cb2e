package redislock

import redis "github.com/redis/go-redis/v9"

// A nil reply from the lock scripts means the lock is now held by the
// caller; an integer reply is the number of milliseconds to wait before the
// next attempt.

// KEYS[1] lock hash; ARGV[1] lease ms, ARGV[2] holder field.
var lockScript = redis.NewScript(`
if (redis.call("EXISTS", KEYS[1]) == 0) or (redis.call("HEXISTS", KEYS[1], ARGV[2]) == 1) then
    redis.call("HINCRBY", KEYS[1], ARGV[2], 1)
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    return nil
end
return redis.call("PTTL", KEYS[1])
`)

// Drops queue heads whose turn has timed out. Shared prologue of the fair
// scripts; expects KEYS[2] queue, KEYS[3] timeout set and the current time
// in ms as now.
const pruneFairQueue = `
while true do
    local head = redis.call("LINDEX", KEYS[2], 0)
    if head == false then
        break
    end
    local deadline = tonumber(redis.call("ZSCORE", KEYS[3], head))
    if deadline == nil or deadline <= now then
        redis.call("ZREM", KEYS[3], head)
        redis.call("LPOP", KEYS[2])
    else
        break
    end
end
`

// KEYS[1] lock hash, KEYS[2] waiter queue, KEYS[3] waiter timeouts;
// ARGV[1] lease ms, ARGV[2] holder field, ARGV[3] waiter slot ms,
// ARGV[4] now ms, ARGV[5] "1" to join the queue on contention.
// While the lock is held, every retry of a queued waiter pushes the
// deadlines of the whole queue past the holder's current ttl, so renewed
// holders do not push waiters out of line.
var fairLockScript = redis.NewScript(`
local now = tonumber(ARGV[4])
` + pruneFairQueue + `
if (redis.call("EXISTS", KEYS[1]) == 0) and ((redis.call("EXISTS", KEYS[2]) == 0) or (redis.call("LINDEX", KEYS[2], 0) == ARGV[2])) then
    redis.call("LPOP", KEYS[2])
    redis.call("ZREM", KEYS[3], ARGV[2])
    local waiters = redis.call("ZRANGE", KEYS[3], 0, -1)
    for i = 1, #waiters, 1 do
        redis.call("ZINCRBY", KEYS[3], -tonumber(ARGV[3]), waiters[i])
    end
    redis.call("HSET", KEYS[1], ARGV[2], 1)
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    return nil
end
if redis.call("HEXISTS", KEYS[1], ARGV[2]) == 1 then
    redis.call("HINCRBY", KEYS[1], ARGV[2], 1)
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    return nil
end
if ARGV[5] ~= "1" then
    local ttl = redis.call("PTTL", KEYS[1])
    if ttl < 0 then
        ttl = 0
    end
    return ttl
end
local queued = redis.call("ZSCORE", KEYS[3], ARGV[2])
if queued ~= false then
    local ttl = redis.call("PTTL", KEYS[1])
    if ttl > 0 then
        local slot = tonumber(ARGV[3])
        local queue = redis.call("LRANGE", KEYS[2], 0, -1)
        for i = 1, #queue, 1 do
            local deadline = ttl + i * slot + now
            local current = redis.call("ZSCORE", KEYS[3], queue[i])
            if current ~= false and tonumber(current) < deadline then
                redis.call("ZADD", KEYS[3], deadline, queue[i])
            end
        end
        queued = redis.call("ZSCORE", KEYS[3], ARGV[2])
    end
    return tonumber(queued) - tonumber(ARGV[3]) - now
end
local last = redis.call("LINDEX", KEYS[2], -1)
local lastDeadline = false
if last ~= false and last ~= ARGV[2] then
    lastDeadline = redis.call("ZSCORE", KEYS[3], last)
end
local ttl
if lastDeadline ~= false then
    ttl = tonumber(lastDeadline) - now
else
    ttl = redis.call("PTTL", KEYS[1])
end
if redis.call("ZADD", KEYS[3], ttl + tonumber(ARGV[3]) + now, ARGV[2]) == 1 then
    redis.call("RPUSH", KEYS[2], ARGV[2])
end
return ttl
`)

// KEYS[1] lock hash, KEYS[2] release channel; ARGV[1] holder field.
// Returns nil when the field does not hold the lock, 0 when holds remain
// and 1 when the lock was freed.
var unlockScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
    return nil
end
local counter = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if counter > 0 then
    return 0
end
redis.call("DEL", KEYS[1])
redis.call("PUBLISH", KEYS[2], "0")
return 1
`)

// KEYS[1] lock hash, KEYS[2] waiter queue, KEYS[3] waiter timeouts,
// KEYS[4] release channel; ARGV[1] holder field, ARGV[2] now ms.
var fairUnlockScript = redis.NewScript(`
local now = tonumber(ARGV[2])
` + pruneFairQueue + `
if redis.call("EXISTS", KEYS[1]) == 0 then
    if redis.call("LINDEX", KEYS[2], 0) ~= false then
        redis.call("PUBLISH", KEYS[4], "0")
    end
    return nil
end
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
    return nil
end
local counter = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if counter > 0 then
    return 0
end
redis.call("DEL", KEYS[1])
if redis.call("LINDEX", KEYS[2], 0) ~= false then
    redis.call("PUBLISH", KEYS[4], "0")
end
return 1
`)

// KEYS[1] waiter queue, KEYS[2] waiter timeouts; ARGV[1] holder field,
// ARGV[2] waiter slot ms. Waiters behind the leaving one move up a slot.
var leaveQueueScript = redis.NewScript(`
local queue = redis.call("LRANGE", KEYS[1], 0, -1)
for i = 1, #queue, 1 do
    if queue[i] == ARGV[1] then
        for j = i + 1, #queue, 1 do
            redis.call("ZINCRBY", KEYS[2], -tonumber(ARGV[2]), queue[j])
        end
        break
    end
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("LREM", KEYS[1], 0, ARGV[1])
return 1
`)

// KEYS[1] lock hash; ARGV[1] lease ms, ARGV[2] holder field.
var renewScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[2]) == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    return 1
end
return 0
`)
