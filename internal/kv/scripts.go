package kv

import "github.com/redis/go-redis/v9"

// removeIfScoreBelowScript reads the member's score and removes it only when
// the score is strictly below the threshold, in one transactional unit.
// Reply: {removed, observed score or ''}.
var removeIfScoreBelowScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
  return {0, ''}
end
if tonumber(score) < tonumber(ARGV[2]) then
  redis.call('ZREM', KEYS[1], ARGV[1])
  return {1, score}
end
return {0, score}
`)

// setFieldsIfNewerScript writes field/value pairs unless the map's stored
// updated_ts is strictly newer than ARGV[1]. ARGV[2] is a TTL in seconds
// (0 skips the EXPIRE). Reply: 1 when applied, 0 when skipped.
var setFieldsIfNewerScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'updated_ts')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return 1
`)
