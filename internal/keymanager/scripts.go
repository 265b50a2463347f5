package keymanager

// Credential hash fields:
//
//	key            credential identifier
//	count          calls in the current window
//	window_start   window start (ms)
//	cooldown_until no calls before this (ms)
//	inuse_owner    lease owner token
//	inuse_until    lease expiry (ms); a lapsed lease frees the credential
//	last_used      last acquisition (ms)
//	last_call      reserved time of the latest paced call (ms)
//	disabled       "1" when disabled

// acquireLuaScript picks a credential and claims it.
// ARGV: now, interval, limit, lease ttl, preferred (1-based, 0 for none), owner.
// Returns {index, 0} on success, {0, wake_at} when all are busy and
// {-1, 0} when every credential is disabled.
const acquireLuaScript = `
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local pref = tonumber(ARGV[5])
local owner = ARGV[6]

local best = nil
local bestUsed = nil
local wake = nil
local live = 0

local function earliest(t)
	if wake == nil or t < wake then
		wake = t
	end
end

for i, k in ipairs(KEYS) do
	local h = redis.call("HMGET", k, "disabled", "count", "window_start", "cooldown_until", "inuse_owner", "inuse_until", "last_used")
	if h[1] ~= "1" then
		live = live + 1
		local count = tonumber(h[2] or "0")
		local ws = tonumber(h[3] or "0")
		local cd = tonumber(h[4] or "0")
		local iu = tonumber(h[6] or "0")
		local lu = tonumber(h[7] or "0")
		if now - ws >= interval then
			count = 0
		end

		local ok = true
		if h[5] and h[5] ~= "" and iu > now then
			ok = false
			earliest(iu)
		end
		if cd > now then
			ok = false
			earliest(cd)
		end
		if count >= limit then
			ok = false
			earliest(ws + interval)
		end

		if ok then
			if i == pref then
				best = i
				bestUsed = -1
			elseif best == nil or (bestUsed ~= -1 and lu < bestUsed) then
				best = i
				bestUsed = lu
			end
		end
	end
end

if live == 0 then
	return {-1, 0}
end
if best == nil then
	return {0, wake or (now + interval)}
end

local k = KEYS[best]
local ws = tonumber(redis.call("HGET", k, "window_start") or "0")
if now - ws >= interval then
	redis.call("HSET", k, "count", 0, "window_start", now)
end
redis.call("HINCRBY", k, "count", 1)
redis.call("HSET", k, "inuse_owner", owner, "inuse_until", now + ttl, "last_used", now)
return {best, 0}
`

// releaseLuaScript clears the in-use lease when owned by ARGV[1].
// ARGV[2], when non-empty, is a cooldown deadline to set regardless.
const releaseLuaScript = `
if ARGV[2] ~= "" then
	redis.call("HSET", KEYS[1], "cooldown_until", ARGV[2])
end
if redis.call("HGET", KEYS[1], "inuse_owner") == ARGV[1] then
	redis.call("HDEL", KEYS[1], "inuse_owner", "inuse_until")
	return 1
end
return 0
`

// paceLuaScript reserves the next call slot on a credential.
// ARGV: now, floor delay. Returns how long the caller must wait (ms).
const paceLuaScript = `
local now = tonumber(ARGV[1])
local floor = tonumber(ARGV[2])
local last = tonumber(redis.call("HGET", KEYS[1], "last_call") or "0")
local nextCall = now
if last + floor > now then
	nextCall = last + floor
end
redis.call("HSET", KEYS[1], "last_call", nextCall)
return nextCall - now
`
