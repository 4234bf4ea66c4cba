package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const casRetries = 5

// RedisStore persists sessions under session:{id} with a TTL refreshed
// on every write. Mutations run as WATCH/MULTI compare-and-swap so
// concurrent writers to the same session cannot lose updates.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = SessionTTL
	}
	return &RedisStore{
		client: rdb,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[MEMORY] ", log.LstdFlags),
	}, nil
}

// NewRedisStoreFromClient wraps an existing client (integration tests).
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = SessionTTL
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[MEMORY] ", log.LstdFlags),
	}
}

func sessionKey(id string) string { return "session:" + id }

func (s *RedisStore) GetOrCreate(ctx context.Context, id string) (Record, error) {
	rec, ok, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if ok {
		// Contact alone keeps the session alive.
		if err := s.client.Expire(ctx, sessionKey(id), s.ttl).Err(); err != nil {
			s.logger.Printf("expire %s: %v", id, err)
		}
		return rec, nil
	}

	rec = newRecord(time.Now().UTC())
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal session: %w", err)
	}
	// SetNX so a concurrent creator wins cleanly.
	created, err := s.client.SetNX(ctx, sessionKey(id), data, s.ttl).Result()
	if err != nil {
		return Record{}, fmt.Errorf("create session %s: %w", id, err)
	}
	if !created {
		rec, _, err = s.Get(ctx, id)
		return rec, err
	}
	return rec, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, bool, error) {
	val, err := s.client.Get(ctx, sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get session %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, id string, msg interface{}) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.mutate(ctx, id, func(rec *Record) {
		rec.Conversation = append(rec.Conversation, raw)
	})
}

func (s *RedisStore) UpdateState(ctx context.Context, id string, key string, value interface{}) error {
	return s.mutate(ctx, id, func(rec *Record) {
		rec.State[key] = value
	})
}

func (s *RedisStore) GetState(ctx context.Context, id string, key string) (interface{}, bool, error) {
	rec, ok, err := s.Get(ctx, id)
	if err != nil || !ok {
		return nil, false, err
	}
	v, present := rec.State[key]
	return v, present, nil
}

// mutate applies fn under WATCH so a concurrent write triggers a retry
// instead of a lost update.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*Record)) error {
	key := sessionKey(id)
	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			rec := newRecord(time.Now().UTC())
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				if err := json.Unmarshal([]byte(val), &rec); err != nil {
					return fmt.Errorf("decode session %s: %w", id, err)
				}
			}

			fn(&rec)
			rec.Version++
			rec.UpdatedAt = time.Now().UTC()
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, s.ttl)
				return nil
			})
			return err
		}, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("update session %s: %w", id, err)
	}
	return fmt.Errorf("update session %s: too many concurrent writers", id)
}
