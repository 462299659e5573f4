package redisqueue

import "github.com/redis/go-redis/v9"

// Numbers written back to Redis are always passed in as ARGV strings.
// Lua 5.1 formats large numbers with %.14g, which would corrupt
// microsecond timestamps.

const luaPrelude = `
local prefix = ARGV[1]
local function zkey(queue, state)
	return prefix .. 'q:' .. queue .. ':' .. state
end
local function owned(key, worker)
	local h = redis.call('HMGET', key, 'state', 'locked_by')
	if not h[1] then return -1 end
	if h[1] ~= 'active' or h[2] ~= worker then return 0 end
	return 1
end
`

// KEYS[1] job key
// ARGV prefix, id, mode (create|absent), state, score, field/value pairs...
var createScript = redis.NewScript(luaPrelude + `
local key = KEYS[1]
local id = ARGV[2]
local existing = redis.call('HMGET', key, 'state', 'queue')
if existing[1] then
	if ARGV[3] == 'create' then return 0 end
	if existing[1] ~= 'completed' and existing[1] ~= 'failed' then return 0 end
	redis.call('ZREM', zkey(existing[2], existing[1]), id)
	redis.call('DEL', key)
end
local fields = {}
for i = 6, #ARGV do fields[#fields + 1] = ARGV[i] end
redis.call('HSET', key, unpack(fields))
local queue = redis.call('HGET', key, 'queue')
redis.call('ZADD', zkey(queue, ARGV[4]), ARGV[5], id)
return 1
`)

// KEYS[1] waiting set, KEYS[2] active set
// ARGV prefix, now, locked_until, worker, aging
// Returns false when nothing is eligible, otherwise {origin, HGETALL...}.
var claimScript = redis.NewScript(luaPrelude + `
local now = tonumber(ARGV[2])
local aging = tonumber(ARGV[5])
local best, bestW, bestC, bestFrom

local function consider(id, from)
	local h = redis.call('HMGET', prefix .. 'job:' .. id, 'weight', 'created', 'available')
	local w, c, a = tonumber(h[1]), tonumber(h[2]), tonumber(h[3])
	if not w then return end
	if aging > 0 and now > a then
		w = w - math.floor((now - a) / aging)
		if w < 1 then w = 1 end
	end
	if not best or w < bestW or (w == bestW and (c < bestC or (c == bestC and id < best))) then
		best, bestW, bestC, bestFrom = id, w, c, from
	end
end

for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])) do consider(id, 'waiting') end
for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])) do consider(id, 'active') end

if not best then return false end

local key = prefix .. 'job:' .. best
redis.call('ZREM', KEYS[1], best)
redis.call('ZADD', KEYS[2], ARGV[3], best)
redis.call('HSET', key,
	'state', 'active',
	'locked_by', ARGV[4],
	'locked_until', ARGV[3],
	'last_attempt', ARGV[2],
	'progress', '0')

local out = {bestFrom}
for _, v in ipairs(redis.call('HGETALL', key)) do out[#out + 1] = v end
return out
`)

// KEYS[1] job key
// ARGV prefix, id, worker, locked_until
var extendScript = redis.NewScript(luaPrelude + `
local s = owned(KEYS[1], ARGV[3])
if s ~= 1 then return s end
local queue = redis.call('HGET', KEYS[1], 'queue')
redis.call('HSET', KEYS[1], 'locked_until', ARGV[4])
redis.call('ZADD', zkey(queue, 'active'), ARGV[4], ARGV[2])
return 1
`)

// KEYS[1] job key
// ARGV prefix, worker, progress
var progressScript = redis.NewScript(luaPrelude + `
local s = owned(KEYS[1], ARGV[2])
if s ~= 1 then return s end
local current = tonumber(redis.call('HGET', KEYS[1], 'progress')) or 0
if tonumber(ARGV[3]) > current then
	redis.call('HSET', KEYS[1], 'progress', ARGV[3])
end
return 1
`)

// KEYS[1] job key
// ARGV prefix, id, worker, next state, result json, score, count attempt (0|1)
// The score is available_at for waiting and finished_at for terminal states.
var finishScript = redis.NewScript(luaPrelude + `
local s = owned(KEYS[1], ARGV[3])
if s ~= 1 then return s end
local queue = redis.call('HGET', KEYS[1], 'queue')
local state = ARGV[4]
redis.call('ZREM', zkey(queue, 'active'), ARGV[2])
redis.call('ZADD', zkey(queue, state), ARGV[6], ARGV[2])
redis.call('HDEL', KEYS[1], 'locked_by', 'locked_until')
redis.call('HSET', KEYS[1], 'state', state, 'result', ARGV[5])
if state == 'waiting' then
	redis.call('HSET', KEYS[1], 'available', ARGV[6])
else
	redis.call('HSET', KEYS[1], 'finished', ARGV[6])
end
if state == 'completed' then
	redis.call('HSET', KEYS[1], 'progress', '100')
end
if ARGV[7] == '1' then
	redis.call('HINCRBY', KEYS[1], 'attempts', 1)
end
return 1
`)

// KEYS[1] terminal state set
// ARGV prefix, keep
var pruneScript = redis.NewScript(luaPrelude + `
local keep = tonumber(ARGV[2])
local n = redis.call('ZCARD', KEYS[1])
if n <= keep then return 0 end
local ids = redis.call('ZRANGE', KEYS[1], 0, n - keep - 1)
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('DEL', prefix .. 'job:' .. id)
end
return #ids
`)
