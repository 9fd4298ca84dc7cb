package queue

// ─────────────────────────────────────────────
// Lua Scripts for Atomic Redis Operations
//
// Key layout per queue name N:
//
//	q:N:job:{id}   hash   job fields
//	q:N:waiting    list   ids ready to claim (FIFO)
//	q:N:delayed    zset   ids waiting for backoff, score = ready-at (ms)
//	q:N:active     zset   claimed ids, score = stall deadline (ms)
//	q:N:completed  list   newest first, trimmed to keep_completed
//	q:N:failed     list   newest first, trimmed to keep_failed
//
// All timestamps come from the caller so the clock is injectable.
// ─────────────────────────────────────────────

// LuaEnqueue creates the job hash and appends it to the waiting list.
//
// KEYS[1] = q:N:job:{id}
// KEYS[2] = q:N:waiting
// ARGV[1] = id
// ARGV[2] = payload (JSON)
// ARGV[3] = max_attempts
// ARGV[4] = backoff_kind
// ARGV[5] = backoff_ms
// ARGV[6] = keep_completed
// ARGV[7] = keep_failed
// ARGV[8] = enqueued_at (ms)
//
// Returns "OK" or "EXISTS".
const LuaEnqueue = `
local jobKey = KEYS[1]
if redis.call("EXISTS", jobKey) == 1 then
    return "EXISTS"
end

redis.call("HSET", jobKey,
    "id",             ARGV[1],
    "payload",        ARGV[2],
    "max_attempts",   ARGV[3],
    "backoff_kind",   ARGV[4],
    "backoff_ms",     ARGV[5],
    "keep_completed", ARGV[6],
    "keep_failed",    ARGV[7],
    "enqueued_at",    ARGV[8],
    "state",          "waiting",
    "attempts",       "0",
    "stalls",         "0",
    "progress",       "0",
    "token",          "",
    "error",          ""
)
redis.call("RPUSH", KEYS[2], ARGV[1])
return "OK"
`

// LuaClaim promotes due delayed jobs, then pops the next waiting job,
// starts a new attempt and leases it to the caller.
//
// KEYS[1] = q:N:waiting
// KEYS[2] = q:N:delayed
// KEYS[3] = q:N:active
// ARGV[1] = now (ms)
// ARGV[2] = stall deadline (ms)
// ARGV[3] = lease token
// ARGV[4] = job key prefix "q:N:job:"
//
// Returns the job hash as a flat field/value list, or nil when idle.
const LuaClaim = `
-- 1. Promote retries whose backoff has elapsed
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(due) do
    redis.call("ZREM", KEYS[2], id)
    redis.call("RPUSH", KEYS[1], id)
end

-- 2. Pop the next job that still exists (retention may have removed some)
while true do
    local id = redis.call("LPOP", KEYS[1])
    if not id then
        return false
    end
    local jobKey = ARGV[4] .. id
    if redis.call("EXISTS", jobKey) == 1 then
        redis.call("HINCRBY", jobKey, "attempts", 1)
        redis.call("HSET", jobKey,
            "state",      "active",
            "token",      ARGV[3],
            "progress",   "0",
            "claimed_at", ARGV[1]
        )
        redis.call("ZADD", KEYS[3], ARGV[2], id)
        return redis.call("HGETALL", jobKey)
    end
end
`

// LuaProgress records a progress checkpoint and pushes the stall deadline out.
//
// KEYS[1] = q:N:job:{id}
// KEYS[2] = q:N:active
// ARGV[1] = lease token
// ARGV[2] = progress (0-100)
// ARGV[3] = new stall deadline (ms)
// ARGV[4] = id
//
// Returns "OK" or "LOST" when the lease no longer belongs to the caller.
const LuaProgress = `
local jobKey = KEYS[1]
if redis.call("HGET", jobKey, "state") ~= "active" or redis.call("HGET", jobKey, "token") ~= ARGV[1] then
    return "LOST"
end
redis.call("HSET", jobKey, "progress", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[4])
return "OK"
`

// LuaComplete marks a leased job completed and applies retention.
//
// KEYS[1] = q:N:job:{id}
// KEYS[2] = q:N:active
// KEYS[3] = q:N:completed
// ARGV[1] = lease token
// ARGV[2] = id
// ARGV[3] = now (ms)
// ARGV[4] = job key prefix "q:N:job:"
//
// Returns "OK" or "LOST".
const LuaComplete = `
local jobKey = KEYS[1]
if redis.call("HGET", jobKey, "state") ~= "active" or redis.call("HGET", jobKey, "token") ~= ARGV[1] then
    return "LOST"
end

redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("HSET", jobKey,
    "state",       "completed",
    "progress",    "100",
    "token",       "",
    "finished_at", ARGV[3]
)
redis.call("LPUSH", KEYS[3], ARGV[2])

local keep = tonumber(redis.call("HGET", jobKey, "keep_completed") or "0")
while redis.call("LLEN", KEYS[3]) > keep do
    local old = redis.call("RPOP", KEYS[3])
    redis.call("DEL", ARGV[4] .. old)
end
return "OK"
`

// LuaFail records a failed attempt. The caller decides, from the job state
// machine, whether the job retries after a delay or fails for good.
//
// KEYS[1] = q:N:job:{id}
// KEYS[2] = q:N:active
// KEYS[3] = q:N:delayed
// KEYS[4] = q:N:failed
// ARGV[1] = lease token
// ARGV[2] = id
// ARGV[3] = now (ms)
// ARGV[4] = "retry" | "fail"
// ARGV[5] = ready-at (ms), used for retry
// ARGV[6] = error message
// ARGV[7] = job key prefix "q:N:job:"
//
// Returns "OK" or "LOST".
const LuaFail = `
local jobKey = KEYS[1]
if redis.call("HGET", jobKey, "state") ~= "active" or redis.call("HGET", jobKey, "token") ~= ARGV[1] then
    return "LOST"
end

redis.call("ZREM", KEYS[2], ARGV[2])

if ARGV[4] == "retry" then
    redis.call("HSET", jobKey, "state", "retrying", "token", "", "error", ARGV[6])
    redis.call("ZADD", KEYS[3], ARGV[5], ARGV[2])
    return "OK"
end

redis.call("HSET", jobKey,
    "state",       "failed",
    "token",       "",
    "error",       ARGV[6],
    "finished_at", ARGV[3]
)
redis.call("LPUSH", KEYS[4], ARGV[2])

local keep = tonumber(redis.call("HGET", jobKey, "keep_failed") or "0")
while redis.call("LLEN", KEYS[4]) > keep do
    local old = redis.call("RPOP", KEYS[4])
    redis.call("DEL", ARGV[7] .. old)
end
return "OK"
`

// LuaReclaimStalled returns active jobs whose stall deadline passed to the
// waiting list (the abandoned attempt is not counted), or fails them once
// they have stalled more than max_stalls times.
//
// KEYS[1] = q:N:active
// KEYS[2] = q:N:waiting
// KEYS[3] = q:N:failed
// ARGV[1] = now (ms)
// ARGV[2] = max_stalls
// ARGV[3] = job key prefix "q:N:job:"
// ARGV[4] = failure message
//
// Returns {requeued, {id1, payload1, id2, payload2, ...}} where the pairs are
// the jobs failed by this run. Payloads are read before retention trimming
// may delete the hash.
const LuaReclaimStalled = `
local maxStalls = tonumber(ARGV[2])
local requeued  = 0
local failed    = {}

local stalled = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(stalled) do
    redis.call("ZREM", KEYS[1], id)
    local jobKey = ARGV[3] .. id
    if redis.call("EXISTS", jobKey) == 1 then
        local stalls = redis.call("HINCRBY", jobKey, "stalls", 1)
        if stalls > maxStalls then
            redis.call("HSET", jobKey,
                "state",       "failed",
                "token",       "",
                "error",       ARGV[4],
                "finished_at", ARGV[1]
            )
            table.insert(failed, id)
            table.insert(failed, redis.call("HGET", jobKey, "payload"))
            redis.call("LPUSH", KEYS[3], id)
            local keep = tonumber(redis.call("HGET", jobKey, "keep_failed") or "0")
            while redis.call("LLEN", KEYS[3]) > keep do
                local old = redis.call("RPOP", KEYS[3])
                redis.call("DEL", ARGV[3] .. old)
            end
        else
            redis.call("HINCRBY", jobKey, "attempts", -1)
            redis.call("HSET", jobKey, "state", "waiting", "token", "")
            redis.call("RPUSH", KEYS[2], id)
            requeued = requeued + 1
        end
    end
end

return {requeued, failed}
`
