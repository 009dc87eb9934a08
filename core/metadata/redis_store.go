package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix   = "img:meta:"
	appendMaxAttempts = 5
)

// RedisStore implements Store on top of Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func recordKey(key string) string {
	return recordKeyPrefix + key
}

// Get returns the record for a key, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &rec, nil
}

// Put stores a whole record, optionally with a TTL.
func (s *RedisStore) Put(ctx context.Context, key string, rec *Record, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}
	if err := s.client.Set(ctx, recordKey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("put record %s: %w", key, err)
	}
	return nil
}

// AppendVariant adds a width to the variant set using a WATCH transaction, so
// concurrent appends for the same key never lose each other's writes.
func (s *RedisStore) AppendVariant(ctx context.Context, key string, width uint) error {
	rkey := recordKey(key)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, rkey).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode record %s: %w", key, err)
		}
		if rec.HasVariant(width) {
			return nil
		}
		rec.Variants = append(rec.Variants, width)
		sort.Slice(rec.Variants, func(i, j int) bool { return rec.Variants[i] < rec.Variants[j] })
		payload, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", key, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, payload, redis.KeepTTL)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < appendMaxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, rkey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("append variant %s width %d: %w", key, width, err)
		}
		return nil
	}
	return fmt.Errorf("append variant %s width %d: too many conflicts", key, width)
}
