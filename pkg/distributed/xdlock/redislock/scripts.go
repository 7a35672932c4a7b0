package redislock

import "github.com/redis/go-redis/v9"

// 所有脚本都是"仍是持有者才修改"的条件操作，可安全重试。
// 时间戳（毫秒）由客户端传入：读锁与信号量票据以 ZSET 分数记录各自的过期时刻。

// casExtendScript KEYS[1]=锁键 ARGV[1]=token ARGV[2]=expiry(ms)
var casExtendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// casDeleteScript KEYS[1]=键 ARGV[1]=token。也用于清理写者等待标记。
var casDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// writeAcquireScript
// KEYS[1]=写锁 KEYS[2]=读者集合 KEYS[3]=写者等待标记
// ARGV[1]=token ARGV[2]=expiry(ms) ARGV[3]=now(ms) ARGV[4]=等待者 id
//
// 仍有读者时留下等待标记，阻止新读者进入。
var writeAcquireScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if owner == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
if owner then
	return 0
end
local waiting = redis.call('GET', KEYS[3])
if waiting and waiting ~= ARGV[4] then
	return 0
end
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[3])
if redis.call('ZCARD', KEYS[2]) > 0 then
	redis.call('SET', KEYS[3], ARGV[4], 'PX', ARGV[2])
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
if waiting then
	redis.call('DEL', KEYS[3])
end
return 1
`)

// readAcquireScript
// KEYS[1]=写锁 KEYS[2]=读者集合 KEYS[3]=写者等待标记
// ARGV[1]=token ARGV[2]=expiry(ms) ARGV[3]=now(ms)
var readAcquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[3]) == 1 then
	return 0
end
local expireAt = tonumber(ARGV[3]) + tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[3])
redis.call('ZADD', KEYS[2], expireAt, ARGV[1])
if redis.call('PTTL', KEYS[2]) < tonumber(ARGV[2]) then
	redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return 1
`)

// ticketAcquireScript 信号量票据
// KEYS[1]=票据集合 ARGV[1]=token ARGV[2]=expiry(ms) ARGV[3]=now(ms) ARGV[4]=maxCount
var ticketAcquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 1
end
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[4]) then
	return 0
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]) + tonumber(ARGV[2]), ARGV[1])
if redis.call('PTTL', KEYS[1]) < tonumber(ARGV[2]) then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// memberExtendScript 续期读锁或信号量票据；已过期的成员视为丢失
// KEYS[1]=集合 ARGV[1]=token ARGV[2]=expiry(ms) ARGV[3]=now(ms)
var memberExtendScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[3]) then
	redis.call('ZREM', KEYS[1], ARGV[1])
	return 0
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]) + tonumber(ARGV[2]), ARGV[1])
if redis.call('PTTL', KEYS[1]) < tonumber(ARGV[2]) then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)
