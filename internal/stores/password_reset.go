package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const resetRecordVersionV1 = 1

var (
	ErrResetNotFound         = errors.New("reset record not found")
	ErrResetSecretMismatch   = errors.New("reset secret mismatch")
	ErrResetExpired          = errors.New("reset record expired")
	ErrResetRedisUnavailable = errors.New("reset redis unavailable")
)

// PasswordResetRecord is the single reset slot for one user. ResetID ties
// the slot to the most recently issued token; an older token carries a
// stale ResetID and never matches.
type PasswordResetRecord struct {
	ResetID    [16]byte
	SecretHash [32]byte
	CreatedAt  int64
	ExpiresAt  int64
}

// PasswordResetStore keeps one reset slot per user plus a reverse index
// from reset ID to user ID, so a bare token can be routed back to its
// slot without the caller knowing the user.
type PasswordResetStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewPasswordResetStore(redisClient redis.UniversalClient, prefix string) *PasswordResetStore {
	if prefix == "" {
		prefix = "cfr"
	}
	return &PasswordResetStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *PasswordResetStore) key(userID string) string {
	return s.prefix + ":" + userID
}

func (s *PasswordResetStore) indexKey(resetID string) string {
	return s.prefix + "ix:" + resetID
}

// Save overwrites the user's reset slot and points the reverse index at
// it. Overwriting is the invalidation mechanism: the previous token's
// index entry may linger until its TTL, but its ResetID no longer matches
// the slot.
func (s *PasswordResetStore) Save(
	ctx context.Context,
	userID, resetID string,
	record *PasswordResetRecord,
	now time.Time,
) error {
	encoded, err := encodePasswordResetRecord(record)
	if err != nil {
		return err
	}

	ttl := time.Duration(record.ExpiresAt-now.UnixMilli()) * time.Millisecond
	if ttl <= 0 {
		return ErrResetExpired
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(userID), encoded, ttl)
		pipe.Set(ctx, s.indexKey(resetID), userID, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
	}

	return nil
}

// ResolveUser maps a reset ID back to the user whose slot it was issued
// for. A missing index entry means the token is unknown or long expired.
func (s *PasswordResetStore) ResolveUser(ctx context.Context, resetID string) (string, error) {
	userID, err := s.redis.Get(ctx, s.indexKey(resetID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrResetNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
	}
	return userID, nil
}

// Consume validates the token against the user's slot and clears the slot
// on success. Runs under WATCH so a concurrent overwrite or a second
// consume of the same token retries against fresh state; exactly one
// consumer of a given slot state wins.
func (s *PasswordResetStore) Consume(
	ctx context.Context,
	userID string,
	resetID [16]byte,
	providedHash [32]byte,
	now time.Time,
) (*PasswordResetRecord, error) {
	const maxRetries = 4
	key := s.key(userID)

	for i := 0; i < maxRetries; i++ {
		var matched *PasswordResetRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodePasswordResetRecord(data)
			if err != nil {
				return err
			}

			if now.UnixMilli() >= record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrResetExpired
			}

			// A stale ResetID means the slot was overwritten by a newer
			// request; the old token is dead but the slot stays.
			if subtle.ConstantTimeCompare(record.ResetID[:], resetID[:]) != 1 {
				return ErrResetSecretMismatch
			}

			if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
				return ErrResetSecretMismatch
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err != nil {
				return err
			}

			matched = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, ErrResetNotFound
			case errors.Is(err, ErrResetNotFound), errors.Is(err, ErrResetExpired), errors.Is(err, ErrResetSecretMismatch):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, ErrResetNotFound
}

func encodePasswordResetRecord(record *PasswordResetRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(resetRecordVersionV1)
	buf.Write(record.ResetID[:])
	buf.Write(record.SecretHash[:])

	if err := binary.Write(&buf, binary.BigEndian, record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodePasswordResetRecord(data []byte) (*PasswordResetRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != resetRecordVersionV1 {
		return nil, errors.New("invalid reset record version")
	}

	record := &PasswordResetRecord{}

	if _, err := io.ReadFull(reader, record.ResetID[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.SecretHash[:]); err != nil {
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
