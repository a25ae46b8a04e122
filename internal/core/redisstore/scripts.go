package redisstore

import "github.com/redis/go-redis/v9"

// insertScript stores a job unless its dedup key is taken.
//
// KEYS: dedup, seq, pending zset, pending set
// ARGV: id, job key prefix, score, field/value pairs...
var insertScript = redis.NewScript(`
	if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
		return 0
	end
	local seq = tostring(redis.call("INCR", KEYS[2]))
	local member = string.rep("0", 20 - string.len(seq)) .. seq .. ":" .. ARGV[1]
	local key = ARGV[2] .. ARGV[1]
	redis.call("HSET", key, "seq", seq, "score", ARGV[3], "member", member, "status", "pending", "attempt_count", "0")
	for i = 4, #ARGV, 2 do
		redis.call("HSET", key, ARGV[i], ARGV[i + 1])
	end
	redis.call("ZADD", KEYS[3], ARGV[3], member)
	redis.call("SADD", KEYS[4], ARGV[1])
	return 1
`)

// claimScript pops the lowest-scored pending members and marks them claimed.
//
// KEYS: pending zset, claimed zset, pending set, claimed set
// ARGV: n, claimed_at (unix nanos), claimed score (unix millis), job key prefix, claim token
var claimScript = redis.NewScript(`
	local members = redis.call("ZRANGE", KEYS[1], 0, tonumber(ARGV[1]) - 1)
	local ids = {}
	for _, member in ipairs(members) do
		local id = string.sub(member, 22)
		redis.call("ZREM", KEYS[1], member)
		redis.call("ZADD", KEYS[2], ARGV[3], id)
		redis.call("SMOVE", KEYS[3], KEYS[4], id)
		redis.call("HSET", ARGV[4] .. id, "status", "claimed", "claimed_at", ARGV[2], "claim_token", ARGV[5])
		ids[#ids + 1] = id
	end
	return ids
`)

// transitionScript moves a claimed job to another status. It returns -1
// for unknown jobs, 0 when the job is not claimed and -2 when it is claimed
// under another token.
//
// KEYS: job hash, claimed zset, claimed set, target set, pending zset
// ARGV: id, target status, attempt increment, requeue flag, claim token ("" for any), field/value pairs...
// An empty value deletes the field.
var transitionScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return -1
	end
	if redis.call("HGET", KEYS[1], "status") ~= "claimed" then
		return 0
	end
	if ARGV[5] ~= "" and redis.call("HGET", KEYS[1], "claim_token") ~= ARGV[5] then
		return -2
	end
	redis.call("ZREM", KEYS[2], ARGV[1])
	redis.call("SMOVE", KEYS[3], KEYS[4], ARGV[1])
	redis.call("HSET", KEYS[1], "status", ARGV[2])
	if tonumber(ARGV[3]) > 0 then
		redis.call("HINCRBY", KEYS[1], "attempt_count", ARGV[3])
	end
	if ARGV[4] == "1" then
		redis.call("HDEL", KEYS[1], "claimed_at", "claim_token")
		redis.call("ZADD", KEYS[5], redis.call("HGET", KEYS[1], "score"), redis.call("HGET", KEYS[1], "member"))
	end
	for i = 6, #ARGV, 2 do
		if ARGV[i + 1] == "" then
			redis.call("HDEL", KEYS[1], ARGV[i])
		else
			redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
		end
	end
	return 1
`)

// requeueStaleScript releases claims scored before the cutoff.
//
// KEYS: claimed zset, claimed set, pending set, pending zset
// ARGV: cutoff (unix millis, exclusive), job key prefix
var requeueStaleScript = redis.NewScript(`
	local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
	for _, id in ipairs(ids) do
		local key = ARGV[2] .. id
		redis.call("ZREM", KEYS[1], id)
		redis.call("SMOVE", KEYS[2], KEYS[3], id)
		redis.call("HSET", key, "status", "pending")
		redis.call("HDEL", key, "claimed_at", "claim_token")
		redis.call("ZADD", KEYS[4], redis.call("HGET", key, "score"), redis.call("HGET", key, "member"))
	end
	return #ids
`)

// requeueFailedScript resets failed jobs, optionally for one resource.
//
// KEYS: failed set, pending set, pending zset
// ARGV: resource ("" for all), job key prefix
var requeueFailedScript = redis.NewScript(`
	local ids = redis.call("SMEMBERS", KEYS[1])
	local count = 0
	for _, id in ipairs(ids) do
		local key = ARGV[2] .. id
		if ARGV[1] == "" or redis.call("HGET", key, "resource") == ARGV[1] then
			redis.call("SMOVE", KEYS[1], KEYS[2], id)
			redis.call("HSET", key, "status", "pending", "attempt_count", "0")
			redis.call("HDEL", key, "claimed_at", "completed_at", "claim_token")
			redis.call("ZADD", KEYS[3], redis.call("HGET", key, "score"), redis.call("HGET", key, "member"))
			count = count + 1
		end
	end
	return count
`)
