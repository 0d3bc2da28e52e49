package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps any transport-level Redis failure. Callers must
// treat it as an infrastructure fault and fail closed.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrRefreshHashMismatch is returned by Rotate when the presented secret
// does not match the stored hash of a still-active session. The session has
// already been revoked in place by the time this error is returned.
var ErrRefreshHashMismatch = errors.New("refresh hash mismatch")

// ErrSessionNotFound is returned when the rotate target does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExpired is returned when the rotate target is past its
// absolute lifetime.
var ErrSessionExpired = errors.New("session expired")

// ErrSessionRevoked is returned when the rotate target is terminally
// revoked. Revoked sessions never validate a refresh again.
var ErrSessionRevoked = errors.New("session revoked")

// ErrSessionCorrupt is returned when a stored record fails to decode.
var ErrSessionCorrupt = errors.New("session record corrupt")

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusRevoked  int64 = 2
	rotateStatusReuse    int64 = 3
	rotateStatusCorrupt  int64 = 4
	rotateStatusRotated  int64 = 5
)

// rotateScript is the atomic conditional update at the heart of refresh
// rotation: match (exists, version ok, not revoked, not expired, stored
// hash == provided hash) and only then swap in the next hash. A hash
// mismatch against a live session is reuse evidence, so the script marks
// the session revoked in place instead of returning a bare failure.
// Offsets mirror the v1 layout in encoder.go. The per-user index key is
// built inside the script from the user ID embedded in the record, which
// requires session and index keys to live on the same node.
const rotateScript = `
local function read_be64(s, i)
  local v = 0
  for k = 0, 7 do
    local b = string.byte(s, i + k)
    if not b then
      return nil
    end
    v = v * 256 + b
  end
  return v
end

local function write_be64(v)
  local out = {}
  for k = 8, 1, -1 do
    out[k] = string.char(v % 256)
    v = math.floor(v / 256)
  end
  return table.concat(out)
end

local session_key = KEYS[1]
local session_id = ARGV[1]
local provided_hash = ARGV[2]
local next_hash = ARGV[3]
local now_ms = tonumber(ARGV[4])
local user_prefix = ARGV[5]

local data = redis.call("GET", session_key)
if not data then
  return {0}
end

if string.byte(data, 1) ~= 1 then
  return {4}
end

local ulen = string.byte(data, 2)
if not ulen or #data < 123 + ulen then
  return {4}
end

local user_key = user_prefix .. string.sub(data, 3, 2 + ulen)

local expires_at = read_be64(data, 116 + ulen)
if not expires_at then
  return {4}
end
if now_ms >= expires_at then
  redis.call("DEL", session_key)
  redis.call("SREM", user_key, session_id)
  return {1}
end

if string.byte(data, 3 + ulen) == 1 then
  return {2}
end

local ttl = redis.call("PTTL", session_key)
if ttl <= 0 then
  redis.call("DEL", session_key)
  redis.call("SREM", user_key, session_id)
  return {1}
end

local stored_hash = string.sub(data, 12 + ulen, 43 + ulen)
if stored_hash ~= provided_hash then
  local updated = string.sub(data, 1, 2 + ulen) .. string.char(1) .. write_be64(now_ms) .. string.sub(data, 12 + ulen)
  redis.call("SET", session_key, updated, "PX", ttl)
  redis.call("SREM", user_key, session_id)
  return {3}
end

local updated = string.sub(data, 1, 11 + ulen) .. next_hash .. string.sub(data, 44 + ulen)
redis.call("SET", session_key, updated, "PX", ttl)
return {5, updated}
`

var rotateLua = redis.NewScript(rotateScript)

// revokeScript flips the revoked marker while preserving the remaining
// TTL. Idempotent: missing and already-revoked sessions are both success.
const revokeScript = `
local function write_be64(v)
  local out = {}
  for k = 8, 1, -1 do
    out[k] = string.char(v % 256)
    v = math.floor(v / 256)
  end
  return table.concat(out)
end

local session_key = KEYS[1]
local session_id = ARGV[1]
local now_ms = tonumber(ARGV[2])
local user_prefix = ARGV[3]

local data = redis.call("GET", session_key)
if not data then
  return 0
end

if string.byte(data, 1) ~= 1 then
  return 0
end

local ulen = string.byte(data, 2)
if not ulen or #data < 123 + ulen then
  return 0
end

local user_key = user_prefix .. string.sub(data, 3, 2 + ulen)

if string.byte(data, 3 + ulen) == 1 then
  redis.call("SREM", user_key, session_id)
  return 1
end

local ttl = redis.call("PTTL", session_key)
if ttl <= 0 then
  redis.call("DEL", session_key)
  redis.call("SREM", user_key, session_id)
  return 0
end

local updated = string.sub(data, 1, 2 + ulen) .. string.char(1) .. write_be64(now_ms) .. string.sub(data, 12 + ulen)
redis.call("SET", session_key, updated, "PX", ttl)
redis.call("SREM", user_key, session_id)
return 2
`

var revokeLua = redis.NewScript(revokeScript)

// Store is the Redis-backed session store. One key per session plus a
// per-user index set of active session IDs.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix sets the key namespace for session records; the per-user index
// uses prefix+"u".
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "cfs"
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + "u:" + userID
}

// Create persists a new [Session] and registers it in the user's index.
// The record TTL runs out at the session's absolute expiry.
func (s *Store) Create(ctx context.Context, sess *Session, now time.Time) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	ttl := time.Duration(sess.ExpiresAt-now.UnixMilli()) * time.Millisecond
	if ttl <= 0 {
		return ErrSessionExpired
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.SessionID), data, ttl)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// Rotate atomically swaps the stored refresh hash when the provided hash
// matches a live session. The four no-match outcomes are distinguishable
// so the engine can fail closed with the right signal: [ErrSessionNotFound],
// [ErrSessionExpired], [ErrSessionRevoked], [ErrRefreshHashMismatch].
func (s *Store) Rotate(
	ctx context.Context,
	sessionID string,
	providedHash [32]byte,
	nextHash [32]byte,
	now time.Time,
) (*Session, error) {
	result, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID)},
		sessionID,
		providedHash[:],
		nextHash[:],
		now.UnixMilli(),
		s.userKey(""),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrRedisUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, ErrSessionNotFound
	case rotateStatusExpired:
		return nil, ErrSessionExpired
	case rotateStatusRevoked:
		return nil, ErrSessionRevoked
	case rotateStatusReuse:
		return nil, ErrRefreshHashMismatch
	case rotateStatusCorrupt:
		return nil, ErrSessionCorrupt
	case rotateStatusRotated:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing rotated session payload", ErrRedisUnavailable)
		}

		var blob []byte
		switch v := parts[1].(type) {
		case string:
			blob = []byte(v)
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%w: invalid rotated session payload", ErrRedisUnavailable)
		}

		sess, decErr := Decode(blob)
		if decErr != nil {
			return nil, ErrSessionCorrupt
		}
		sess.SessionID = sessionID
		return sess, nil
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status", ErrRedisUnavailable)
	}
}

// Revoke marks one session terminally revoked, keeping its remaining TTL.
// Idempotent: revoking a missing or already-revoked session is success, so
// callers never learn whether the session existed.
func (s *Store) Revoke(ctx context.Context, sessionID string, now time.Time) error {
	err := revokeLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID)},
		sessionID,
		now.UnixMilli(),
		s.userKey(""),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// RevokeAllForUser revokes every session in the user's index.
//
// ATOMICITY NOTE: the index read and the per-session revokes are separate
// commands. A session created between the two phases is not captured by
// this call; it stays indexed, so a follow-up RevokeAllForUser catches it.
func (s *Store) RevokeAllForUser(ctx context.Context, userID string, now time.Time) error {
	userKey := s.userKey(userID)

	sessionIDs, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(sessionIDs) == 0 {
		return nil
	}

	for _, sessionID := range sessionIDs {
		if err := s.Revoke(ctx, sessionID, now); err != nil {
			return err
		}
	}

	// Prune only the entries read above: sessions whose records already
	// lapsed leave stale members that the revoke script cannot remove.
	// A blanket DEL here would also erase entries for sessions created
	// after the SMembers read, orphaning them from the index.
	if err := s.redis.SRem(ctx, userKey, toMembers(sessionIDs)...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

func toMembers(ids []string) []interface{} {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return members
}

// Get fetches a session without mutating any state. Diagnostics only:
// revocation and expiry decisions go through [Store.Rotate], never through
// this read.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, ErrSessionCorrupt
	}
	sess.SessionID = sessionID

	return sess, nil
}

// ActiveSessionIDs returns the indexed session IDs for a user. The index
// only tracks non-revoked sessions; entries for naturally expired sessions
// are pruned lazily by rotate and revoke.
func (s *Store) ActiveSessionIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// ActiveSessionCount returns the number of indexed sessions for a user.
func (s *Store) ActiveSessionCount(ctx context.Context, userID string) (int, error) {
	count, err := s.redis.SCard(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(count), nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
