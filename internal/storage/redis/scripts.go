package redis

import "github.com/redis/go-redis/v9"

const (
	// admitScript atomically checks and increments a user's fixed window.
	// Returns {allowed, count}.
	admitScript = `
local window_key = KEYS[1]   -- kfetch:window:{user}
local index_key = KEYS[2]    -- kfetch:windows

local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local user = ARGV[4]

local cur = redis.call('HMGET', window_key, 'window', 'count')
local w = tonumber(cur[1])
local c = tonumber(cur[2])

-- First request, or the observed hour is newer: start a new window
if not w or not c or window > w then
  redis.call('HSET', window_key, 'window', window, 'count', 1)
  redis.call('EXPIRE', window_key, ttl)
  redis.call('ZADD', index_key, window, user)
  return {1, 1}
end

-- Same (or older) hour: count against the stored window
if c >= limit then
  return {0, c}
end

c = redis.call('HINCRBY', window_key, 'count', 1)
return {1, c}
`

	// deleteStaleWindowsScript removes windows older than ARGV[1]. Each
	// window is re-checked before deletion so a concurrent admission into
	// a newer hour is never lost.
	deleteStaleWindowsScript = `
local index_key = KEYS[1]    -- kfetch:windows

local before = tonumber(ARGV[1])
local prefix = ARGV[2]

local users = redis.call('ZRANGEBYSCORE', index_key, '-inf', '(' .. before)
local removed = 0
for _, user in ipairs(users) do
  local key = prefix .. user
  local w = tonumber(redis.call('HGET', key, 'window'))
  if not w or w < before then
    redis.call('DEL', key)
    redis.call('ZREM', index_key, user)
    removed = removed + 1
  end
end
return removed
`

	// appendHistoryScript pushes a record onto the user's capped list,
	// folds it into the user's counters and indexes the user.
	appendHistoryScript = `
local list_key = KEYS[1]     -- kfetch:history:{user}
local stats_key = KEYS[2]    -- kfetch:stats:{user}
local users_key = KEYS[3]    -- kfetch:users

local payload = ARGV[1]
local limit = tonumber(ARGV[2])
local status = ARGV[3]
local size = tonumber(ARGV[4])
local at = tonumber(ARGV[5])
local user = ARGV[6]

redis.call('SADD', users_key, user)
redis.call('LPUSH', list_key, payload)
if limit > 0 then
  redis.call('LTRIM', list_key, 0, limit - 1)
end

redis.call('HINCRBY', stats_key, 'total', 1)
if status == 'success' then
  redis.call('HINCRBY', stats_key, 'succeeded', 1)
  redis.call('HINCRBY', stats_key, 'bytes', size)
elseif status == 'cancelled' then
  redis.call('HINCRBY', stats_key, 'cancelled', 1)
else
  redis.call('HINCRBY', stats_key, 'failed', 1)
end

local last = tonumber(redis.call('HGET', stats_key, 'last_at_ms') or '0')
if at > last then
  redis.call('HSET', stats_key, 'last_at_ms', at)
end

return 'OK'
`
)

var (
	admit              = redis.NewScript(admitScript)
	deleteStaleWindows = redis.NewScript(deleteStaleWindowsScript)
	appendHistory      = redis.NewScript(appendHistoryScript)
)
