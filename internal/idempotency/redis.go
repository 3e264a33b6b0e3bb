package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/transferledger/internal/clock"
	"github.com/punchamoorthee/transferledger/internal/models"
)

const (
	redisKeyPrefix  = "idempotency:"
	redisTxAttempts = 5
)

// RedisStore keeps each record as a JSON value under its own key. Every
// read-decide-write runs in a WATCH/MULTI transaction, so a concurrent
// writer aborts the transaction instead of producing two owners.
type RedisStore struct {
	client redis.UniversalClient
	policy Policy
	clock  clock.Clock
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient, p Policy, c clock.Clock) *RedisStore {
	if c == nil {
		c = clock.Real()
	}
	return &RedisStore{client: client, policy: p.WithDefaults(), clock: c}
}

func (s *RedisStore) Reserve(ctx context.Context, c Claim) (Reservation, error) {
	key := redisKeyPrefix + c.Key
	var res Reservation

	txf := func(tx *redis.Tx) error {
		existing, err := load(ctx, tx, key)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		r, write := Decide(existing, c, s.policy, now)
		res = r
		if write == nil {
			return nil
		}
		return s.put(ctx, tx, key, write, now)
	}

	for i := 0; i < redisTxAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return Reservation{}, fmt.Errorf("reserve %q: %w", c.Key, err)
		}
	}
	// The key kept changing under us: someone else is actively working it.
	return Reservation{State: InFlight, Record: models.IdempotencyRecord{Key: c.Key}}, nil
}

func (s *RedisStore) Complete(ctx context.Context, key, token string, result json.RawMessage) error {
	return s.update(ctx, key, token, func(rec *models.IdempotencyRecord, now time.Time) bool {
		rec.State = StateCompleted
		rec.Result = result
		rec.ExpiresAt = now.Add(s.policy.Retention)
		return true
	})
}

func (s *RedisStore) Release(ctx context.Context, key, token string) error {
	return s.update(ctx, key, token, func(*models.IdempotencyRecord, time.Time) bool {
		return false
	})
}

// update runs fn on an owned in-flight record. fn returns false to delete
// the record instead of writing it back.
func (s *RedisStore) update(ctx context.Context, key, token string, fn func(*models.IdempotencyRecord, time.Time) bool) error {
	rkey := redisKeyPrefix + key
	txf := func(tx *redis.Tx) error {
		rec, err := load(ctx, tx, rkey)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNotFound
		}
		if rec.Token != token || rec.State != StateInFlight {
			return ErrNotOwner
		}
		now := s.clock.Now()
		if !fn(rec, now) {
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, rkey)
				return nil
			})
			return err
		}
		return s.put(ctx, tx, rkey, rec, now)
	}

	for i := 0; i < redisTxAttempts; i++ {
		err := s.client.Watch(ctx, txf, rkey)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrNotOwner
}

// Purge is a no-op: Redis expires keys itself once retention passes.
func (s *RedisStore) Purge(context.Context) (int, error) {
	return 0, nil
}

func load(ctx context.Context, tx *redis.Tx, key string) (*models.IdempotencyRecord, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec models.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record %q: %w", key, err)
	}
	return &rec, nil
}

func (s *RedisStore) put(ctx context.Context, tx *redis.Tx, key string, rec *models.IdempotencyRecord, now time.Time) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		ttl = time.Second
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, payload, ttl)
		return nil
	})
	return err
}
