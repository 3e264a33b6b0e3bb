package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/transferledger/internal/audit"
	"github.com/punchamoorthee/transferledger/internal/models"
)

// AuditLog is the durable audit log. The table rejects UPDATE and DELETE.
type AuditLog struct {
	store *Store
}

var _ audit.Log = (*AuditLog)(nil)

func NewAuditLog(s *Store) *AuditLog {
	return &AuditLog{store: s}
}

func (a *AuditLog) Append(ctx context.Context, e models.AuditEvent) error {
	_, err := a.store.Db.Exec(ctx,
		`INSERT INTO audit_log (id, event_type, transfer_id, idempotency_key, source_account_id, destination_account_id,
		 amount, status, reason, actor, occurred_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11)`,
		e.ID, e.Type, e.TransferID, e.IdempotencyKey, e.SourceAccountID, e.DestinationAccountID,
		e.Amount, string(e.Status), string(e.Reason), e.Actor, e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("audit insert failed: %w", err)
	}
	return nil
}

// Query returns events touching the account, oldest first.
func (a *AuditLog) Query(ctx context.Context, f audit.Filter) ([]models.AuditEvent, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	var from, to *time.Time
	if !f.From.IsZero() {
		from = &f.From
	}
	if !f.To.IsZero() {
		to = &f.To
	}

	rows, err := a.store.Db.Query(ctx,
		`SELECT id, event_type, COALESCE(transfer_id, ''), COALESCE(idempotency_key, ''), source_account_id,
		 destination_account_id, amount, status, COALESCE(reason, ''), COALESCE(actor, ''), occurred_at
		 FROM audit_log
		 WHERE (source_account_id = $1 OR destination_account_id = $1)
		   AND ($2::timestamptz IS NULL OR occurred_at >= $2)
		   AND ($3::timestamptz IS NULL OR occurred_at < $3)
		 ORDER BY occurred_at ASC
		 LIMIT $4`,
		f.AccountID, from, to, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("audit query failed: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditEvent, error) {
		var (
			e              models.AuditEvent
			status, reason string
		)
		err := row.Scan(&e.ID, &e.Type, &e.TransferID, &e.IdempotencyKey, &e.SourceAccountID,
			&e.DestinationAccountID, &e.Amount, &status, &reason, &e.Actor, &e.OccurredAt)
		e.Status = models.TransferStatus(status)
		e.Reason = models.ErrorCode(reason)
		return e, err
	})
}
