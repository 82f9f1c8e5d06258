package redis

import redigolib "github.com/gomodule/redigo/redis"

// touchScript re-checks revocation and records one use.
// KEYS[1] credential; ARGV[1] now (unix ms).
// Returns the new usage count, -1 if absent or -2 if revoked.
var touchScript = redigolib.NewScript(1, `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "revoked") == "1" then
  return -2
end
redis.call("HSET", KEYS[1], "last_used_at", ARGV[1])
return redis.call("HINCRBY", KEYS[1], "usage_count", 1)
`)

// issueScript returns the key of the active credential of a pair, creating
// it from ARGV when there is none.
// KEYS[1] active index; KEYS[2] new credential.
// ARGV token, user_id, torrent_id, created_at.
var issueScript = redigolib.NewScript(2, `
local existing = redis.call("GET", KEYS[1])
if existing then
  return existing
end
redis.call("HMSET", KEYS[2],
  "token", ARGV[1], "user_id", ARGV[2], "torrent_id", ARGV[3],
  "revoked", "0", "usage_count", "0", "created_at", ARGV[4])
redis.call("SET", KEYS[1], KEYS[2])
return KEYS[2]
`)

// putScript stores a credential verbatim. A token that was moved to another
// pair, or is now revoked, releases the pair it held.
// KEYS[1] active index; KEYS[2] credential.
// ARGV token, user_id, torrent_id, revoked, revoked_at, revoke_reason,
// usage_count, last_used_at, created_at, key prefix.
// Returns 0 if another active credential exists for the pair and -1 if the
// stored credential is revoked and c is not.
var putScript = redigolib.NewScript(2, `
local prev = redis.call("HMGET", KEYS[2], "revoked", "user_id", "torrent_id")
if prev[1] == "1" and ARGV[4] == "0" then
  return -1
end
if ARGV[4] == "0" then
  local existing = redis.call("GET", KEYS[1])
  if existing and existing ~= KEYS[2] then
    return 0
  end
end
if prev[2] and prev[3] then
  local idx = ARGV[10] .. "credential_active:" .. prev[2] .. ":" .. prev[3]
  if redis.call("GET", idx) == KEYS[2] then
    redis.call("DEL", idx)
  end
end
redis.call("HMSET", KEYS[2],
  "token", ARGV[1], "user_id", ARGV[2], "torrent_id", ARGV[3],
  "revoked", ARGV[4], "revoked_at", ARGV[5], "revoke_reason", ARGV[6],
  "usage_count", ARGV[7], "last_used_at", ARGV[8], "created_at", ARGV[9])
if ARGV[4] == "0" then
  redis.call("SET", KEYS[1], KEYS[2])
end
return 1
`)

// revokeScript revokes a credential once and releases its pair.
// KEYS[1] credential; ARGV now (unix ms), reason, key prefix.
// Returns 0 if absent.
var revokeScript = redigolib.NewScript(1, `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "revoked") == "1" then
  return 1
end
redis.call("HMSET", KEYS[1], "revoked", "1", "revoked_at", ARGV[1], "revoke_reason", ARGV[2])
local f = redis.call("HMGET", KEYS[1], "user_id", "torrent_id")
local idx = ARGV[3] .. "credential_active:" .. f[1] .. ":" .. f[2]
if redis.call("GET", idx) == KEYS[1] then
  redis.call("DEL", idx)
end
return 1
`)

// cleanupScript deletes a credential that is revoked or unused and idle
// since ARGV[1]. A missing or empty created_at counts as the epoch.
// KEYS[1] credential; ARGV before (unix ms), key prefix.
// Returns 1 if deleted.
var cleanupScript = redigolib.NewScript(1, `
local f = redis.call("HMGET", KEYS[1],
  "revoked", "usage_count", "last_used_at", "created_at", "revoked_at", "user_id", "torrent_id")
if not f[4] then
  return 0
end
if f[1] ~= "1" and f[2] ~= "0" then
  return 0
end
local last = tonumber(f[4]) or 0
if f[3] and tonumber(f[3]) and tonumber(f[3]) > last then
  last = tonumber(f[3])
end
if f[5] and tonumber(f[5]) and tonumber(f[5]) > last then
  last = tonumber(f[5])
end
if last >= tonumber(ARGV[1]) then
  return 0
end
local idx = ARGV[2] .. "credential_active:" .. f[6] .. ":" .. f[7]
if redis.call("GET", idx) == KEYS[1] then
  redis.call("DEL", idx)
end
redis.call("DEL", KEYS[1])
return 1
`)
