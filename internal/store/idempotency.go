package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/transferledger/internal/clock"
	"github.com/punchamoorthee/transferledger/internal/idempotency"
	"github.com/punchamoorthee/transferledger/internal/models"
)

// IdempotencyStore keeps reservations in the idempotency_keys table. The
// row lock taken by SELECT ... FOR UPDATE makes read-decide-write atomic for
// an existing key; the primary key makes the first insert atomic.
type IdempotencyStore struct {
	store  *Store
	policy idempotency.Policy
	clock  clock.Clock
}

var _ idempotency.Store = (*IdempotencyStore)(nil)

func NewIdempotencyStore(s *Store, p idempotency.Policy, c clock.Clock) *IdempotencyStore {
	if c == nil {
		c = clock.Real()
	}
	return &IdempotencyStore{store: s, policy: p.WithDefaults(), clock: c}
}

const selectRecord = `SELECT key, fingerprint, token, transfer_id, state, result, lease_expires_at, expires_at, created_at
	FROM idempotency_keys WHERE key = $1`

func (s *IdempotencyStore) Reserve(ctx context.Context, c idempotency.Claim) (idempotency.Reservation, error) {
	tx, err := s.store.Db.Begin(ctx)
	if err != nil {
		return idempotency.Reservation{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := scanRecord(tx.QueryRow(ctx, selectRecord+" FOR UPDATE", c.Key))
	if err != nil {
		return idempotency.Reservation{}, fmt.Errorf("idempotency query failed: %w", err)
	}

	res, write := idempotency.Decide(existing, c, s.policy, s.clock.Now())
	if write == nil {
		return res, nil
	}

	if existing == nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO idempotency_keys (key, fingerprint, token, transfer_id, state, lease_expires_at, expires_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			write.Key, write.Fingerprint, write.Token, write.TransferID, write.State,
			write.LeaseExpiresAt, write.ExpiresAt, write.CreatedAt,
		)
		if isUniqueViolation(err) {
			// Lost the insert race to a concurrent first submission.
			return idempotency.Reservation{
				State:  idempotency.InFlight,
				Record: models.IdempotencyRecord{Key: c.Key, Fingerprint: c.Fingerprint},
			}, nil
		}
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE idempotency_keys SET fingerprint = $2, token = $3, transfer_id = $4, state = $5, result = NULL,
			 lease_expires_at = $6, expires_at = $7, created_at = $8 WHERE key = $1`,
			write.Key, write.Fingerprint, write.Token, write.TransferID, write.State,
			write.LeaseExpiresAt, write.ExpiresAt, write.CreatedAt,
		)
	}
	if err != nil {
		return idempotency.Reservation{}, fmt.Errorf("key reservation failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return idempotency.Reservation{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return res, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key, token string, result json.RawMessage) error {
	now := s.clock.Now()
	tag, err := s.store.Db.Exec(ctx,
		`UPDATE idempotency_keys SET state = $3, result = $4, expires_at = $5
		 WHERE key = $1 AND token = $2 AND state = $6`,
		key, token, idempotency.StateCompleted, []byte(result), now.Add(s.policy.Retention), idempotency.StateInFlight,
	)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrNotOwner(ctx, key)
	}
	return nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key, token string) error {
	tag, err := s.store.Db.Exec(ctx,
		"DELETE FROM idempotency_keys WHERE key = $1 AND token = $2 AND state = $3",
		key, token, idempotency.StateInFlight,
	)
	if err != nil {
		return fmt.Errorf("idempotency release failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrNotOwner(ctx, key)
	}
	return nil
}

func (s *IdempotencyStore) Purge(ctx context.Context) (int, error) {
	tag, err := s.store.Db.Exec(ctx, "DELETE FROM idempotency_keys WHERE expires_at <= $1", s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("idempotency purge failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *IdempotencyStore) missOrNotOwner(ctx context.Context, key string) error {
	var exists bool
	if err := s.store.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM idempotency_keys WHERE key = $1)", key).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return idempotency.ErrNotFound
	}
	return idempotency.ErrNotOwner
}

func scanRecord(row pgx.Row) (*models.IdempotencyRecord, error) {
	var (
		rec    models.IdempotencyRecord
		result []byte
	)
	err := row.Scan(&rec.Key, &rec.Fingerprint, &rec.Token, &rec.TransferID, &rec.State, &result,
		&rec.LeaseExpiresAt, &rec.ExpiresAt, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Result = result
	return &rec, nil
}
