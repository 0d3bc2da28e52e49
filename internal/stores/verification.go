package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const verificationRecordVersionV1 = 1

var (
	ErrVerificationInvalidCode      = errors.New("verification code invalid")
	ErrVerificationCodeExpired      = errors.New("verification code expired")
	ErrVerificationCodeUsed         = errors.New("verification code already used")
	ErrVerificationRedisUnavailable = errors.New("verification redis unavailable")
)

// consumeVerificationLua atomically performs GET, validate, mark-used on a
// verification record. The record is rewritten with used=1 rather than
// deleted; the retention TTL keeps the tombstone readable so a replay of
// the same code reports already_used instead of invalid_code.
//
// Record layout v1 (1-based Lua offsets):
//
//	[1]      version
//	[2]      strategy
//	[3]      used flag
//	[4:11]   usedAt (int64 BE, millis)
//	[12:19]  createdAt (int64 BE, millis)
//	[20:27]  expiresAt (int64 BE, millis)
//
// KEYS[1] = record key
// ARGV[1] = now (unix millis)
// ARGV[2] = retention (millis)
//
// Returns the updated record bytes on success or an error string:
// "invalid_code", "expired", "already_used".
var consumeVerificationLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='invalid_code'}
end

local now_ms = tonumber(ARGV[1])
local retention_ms = tonumber(ARGV[2])

if string.byte(data, 1) ~= 1 or #data < 27 then
  redis.call('DEL', KEYS[1])
  return {err='invalid_code'}
end

if string.byte(data, 3) == 1 then
  return {err='already_used'}
end

local expires_at = 0
for i = 20, 27 do
  expires_at = expires_at * 256 + string.byte(data, i)
end

if now_ms >= expires_at then
  return {err='expired'}
end

local used_at = now_ms
local out = {}
for i = 8, 1, -1 do
  out[i] = string.char(used_at % 256)
  used_at = math.floor(used_at / 256)
end

local updated = string.sub(data, 1, 2) .. string.char(1) .. table.concat(out) .. string.sub(data, 12)
redis.call('SET', KEYS[1], updated, 'PX', retention_ms)
return updated
`)

// VerificationRecord is one single-use code. The user, context, and code
// hash live in the key, not the record.
type VerificationRecord struct {
	Strategy  int
	Used      bool
	UsedAt    int64
	CreatedAt int64
	ExpiresAt int64
}

type VerificationStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewVerificationStore(redisClient redis.UniversalClient, prefix string) *VerificationStore {
	if prefix == "" {
		prefix = "cfv"
	}
	return &VerificationStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *VerificationStore) key(userID, verificationContext string, codeHash [32]byte) string {
	return s.prefix + ":" + userID + ":" + verificationContext + ":" + hex.EncodeToString(codeHash[:])
}

// Save persists a fresh code record. The key lives for the code lifetime
// plus the retention window, so an expired-but-recent code still reports
// expired on consume instead of invalid.
func (s *VerificationStore) Save(
	ctx context.Context,
	userID, verificationContext string,
	codeHash [32]byte,
	record *VerificationRecord,
	now time.Time,
	retention time.Duration,
) error {
	encoded, err := encodeVerificationRecord(record)
	if err != nil {
		return err
	}

	ttl := time.Duration(record.ExpiresAt-now.UnixMilli())*time.Millisecond + retention
	if ttl <= 0 {
		return errors.New("verification record already beyond retention")
	}

	if err := s.redis.Set(ctx, s.key(userID, verificationContext, codeHash), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationRedisUnavailable, err)
	}

	return nil
}

// Consume atomically marks the matching record used. Exactly one of two
// concurrent consumers of the same code succeeds; the loser observes
// [ErrVerificationCodeUsed]. Misses are ranked: no record at all is
// [ErrVerificationInvalidCode], an unused record past expiry is
// [ErrVerificationCodeExpired], a consumed record is
// [ErrVerificationCodeUsed].
func (s *VerificationStore) Consume(
	ctx context.Context,
	userID, verificationContext string,
	codeHash [32]byte,
	now time.Time,
	retention time.Duration,
) (*VerificationRecord, error) {
	result, err := consumeVerificationLua.Run(ctx, s.redis,
		[]string{s.key(userID, verificationContext, codeHash)},
		now.UnixMilli(),
		retention.Milliseconds(),
	).Result()

	if err != nil {
		switch err.Error() {
		case "invalid_code":
			return nil, ErrVerificationInvalidCode
		case "expired":
			return nil, ErrVerificationCodeExpired
		case "already_used":
			return nil, ErrVerificationCodeUsed
		default:
			return nil, fmt.Errorf("%w: %v", ErrVerificationRedisUnavailable, err)
		}
	}

	data, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected lua result type", ErrVerificationRedisUnavailable)
	}

	record, decErr := decodeVerificationRecord([]byte(data))
	if decErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationRedisUnavailable, decErr)
	}

	return record, nil
}

func encodeVerificationRecord(record *VerificationRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(verificationRecordVersionV1)
	buf.WriteByte(byte(record.Strategy))
	if record.Used {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	if err := binary.Write(&buf, binary.BigEndian, record.UsedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeVerificationRecord(data []byte) (*VerificationRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != verificationRecordVersionV1 {
		return nil, errors.New("invalid verification record version")
	}

	strategy, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &VerificationRecord{
		Strategy: int(strategy),
	}

	used, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	record.Used = used == 1

	if err := binary.Read(reader, binary.BigEndian, &record.UsedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	return record, nil
}
