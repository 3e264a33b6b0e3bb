package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/transferledger/internal/clock"
	"github.com/punchamoorthee/transferledger/internal/ledger"
	"github.com/punchamoorthee/transferledger/internal/models"
)

// Ledger is the PostgreSQL ledger. Per-account ordering comes from row locks
// taken with SELECT ... FOR UPDATE in lexicographic id order.
type Ledger struct {
	store *Store
	clock clock.Clock
}

var _ ledger.Ledger = (*Ledger)(nil)

func NewLedger(s *Store, c clock.Clock) *Ledger {
	if c == nil {
		c = clock.Real()
	}
	return &Ledger{store: s, clock: c}
}

// CreateAccount inserts the account and, for a positive opening balance, its
// opening entry in one transaction.
func (l *Ledger) CreateAccount(ctx context.Context, id string, openingBalance int64) (*models.Account, error) {
	if id == "" || openingBalance < 0 {
		return nil, ledger.ErrInvalidPair
	}
	now := l.clock.Now()
	acc := &models.Account{ID: id, Balance: openingBalance, CreatedAt: now, UpdatedAt: now}
	if openingBalance > 0 {
		acc.Version = 1
	}

	err := pgx.BeginFunc(ctx, l.store.Db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			"INSERT INTO accounts (id, balance, version, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)",
			id, openingBalance, acc.Version, now)
		if err != nil {
			if isUniqueViolation(err) {
				return ledger.ErrAccountExists
			}
			return fmt.Errorf("account insert failed: %w", err)
		}
		if openingBalance == 0 {
			return nil
		}
		_, err = tx.Exec(ctx,
			"INSERT INTO ledger_entries (id, account_id, amount, balance_after, sequence, created_at) VALUES ($1, $2, $3, $3, 1, $4)",
			uuid.NewString(), id, openingBalance, now)
		if err != nil {
			return fmt.Errorf("opening entry failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// GetAccount retrieves a single account by ID.
func (l *Ledger) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var acc models.Account
	err := l.store.Db.QueryRow(ctx,
		"SELECT id, balance, version, created_at, updated_at FROM accounts WHERE id = $1", id,
	).Scan(&acc.ID, &acc.Balance, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrUnknownAccount
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (l *Ledger) GetBalance(ctx context.Context, id string) (int64, error) {
	var balance int64
	err := l.store.Db.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1", id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrUnknownAccount
	}
	return balance, err
}

type lockedAccount struct {
	balance int64
	version int64
}

// ApplyPair executes the double-entry transfer within a transaction with
// deterministic locking.
func (l *Ledger) ApplyPair(ctx context.Context, p ledger.Pair) (*models.Transfer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	tx, err := l.store.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Deterministic locking (deadlock prevention)
	firstID, secondID := p.LockOrder()
	locked := make(map[string]lockedAccount, 2)
	for _, id := range []string{firstID, secondID} {
		var a lockedAccount
		err := tx.QueryRow(ctx, "SELECT balance, version FROM accounts WHERE id = $1 FOR UPDATE", id).Scan(&a.balance, &a.version)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ledger.ErrUnknownAccount
			}
			return nil, classify("lock acquisition failed", err)
		}
		locked[id] = a
	}

	// 2. Business check under the locks
	src, dst := locked[p.Source], locked[p.Destination]
	if src.balance < p.Amount {
		return nil, ledger.ErrInsufficientFunds
	}

	// 3. Commit record
	now := l.clock.Now()
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO transfers (id, idempotency_key, source_account_id, destination_account_id, amount, status, created_at, committed_at)
		 VALUES ($1, $2, $3, $4, $5, 'committed', $6, $7)`,
		p.TransferID, p.IdempotencyKey, p.Source, p.Destination, p.Amount, createdAt, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ledger.ErrDuplicateTransfer
		}
		return nil, classify("transfer insert failed", err)
	}

	// 4. Entries and balances
	debit := models.LedgerEntry{
		ID: uuid.NewString(), TransferID: p.TransferID, AccountID: p.Source,
		Amount: -p.Amount, BalanceAfter: src.balance - p.Amount, Sequence: src.version + 1, CreatedAt: now,
	}
	credit := models.LedgerEntry{
		ID: uuid.NewString(), TransferID: p.TransferID, AccountID: p.Destination,
		Amount: p.Amount, BalanceAfter: dst.balance + p.Amount, Sequence: dst.version + 1, CreatedAt: now,
	}

	batch := &pgx.Batch{}
	for _, e := range []models.LedgerEntry{debit, credit} {
		batch.Queue(
			"INSERT INTO ledger_entries (id, transfer_id, account_id, amount, balance_after, sequence, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
			e.ID, e.TransferID, e.AccountID, e.Amount, e.BalanceAfter, e.Sequence, e.CreatedAt,
		)
		batch.Queue(
			"UPDATE accounts SET balance = $1, version = $2, updated_at = $3 WHERE id = $4",
			e.BalanceAfter, e.Sequence, now, e.AccountID,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, classify("ledger entry failed", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify("tx commit failed", err)
	}

	return &models.Transfer{
		ID:                   p.TransferID,
		IdempotencyKey:       p.IdempotencyKey,
		SourceAccountID:      p.Source,
		DestinationAccountID: p.Destination,
		Amount:               p.Amount,
		Status:               models.TransferCommitted,
		CreatedAt:            createdAt,
		CommittedAt:          &now,
		Entries:              []models.LedgerEntry{debit, credit},
	}, nil
}

func (l *Ledger) RecordRejection(ctx context.Context, t models.Transfer) error {
	if t.ID == "" {
		return ledger.ErrInvalidPair
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = l.clock.Now()
	}
	_, err := l.store.Db.Exec(ctx,
		`INSERT INTO transfers (id, idempotency_key, source_account_id, destination_account_id, amount, status, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, 'rejected', $6, $7)`,
		t.ID, t.IdempotencyKey, t.SourceAccountID, t.DestinationAccountID, t.Amount, string(t.Reason), createdAt,
	)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateTransfer
	}
	return err
}

// GetTransfer retrieves transfer details with its entries, debit first.
func (l *Ledger) GetTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	var (
		t      models.Transfer
		status string
		reason *string
	)
	err := l.store.Db.QueryRow(ctx,
		`SELECT id, idempotency_key, source_account_id, destination_account_id, amount, status, reason, created_at, committed_at
		 FROM transfers WHERE id = $1`, id,
	).Scan(&t.ID, &t.IdempotencyKey, &t.SourceAccountID, &t.DestinationAccountID, &t.Amount, &status, &reason, &t.CreatedAt, &t.CommittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrTransferNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = models.TransferStatus(status)
	if reason != nil {
		t.Reason = models.ErrorCode(*reason)
	}

	rows, err := l.store.Db.Query(ctx,
		`SELECT id, COALESCE(transfer_id, ''), account_id, amount, balance_after, sequence, created_at
		 FROM ledger_entries WHERE transfer_id = $1 ORDER BY amount ASC`, id)
	if err != nil {
		return nil, err
	}
	t.Entries, err = collectEntries(rows)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Entries retrieves ledger entries for an account, newest first.
func (l *Ledger) Entries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	var exists bool
	err := l.store.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ledger.ErrUnknownAccount
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := l.store.Db.Query(ctx,
		`SELECT id, COALESCE(transfer_id, ''), account_id, amount, balance_after, sequence, created_at
		 FROM ledger_entries WHERE account_id = $1 ORDER BY sequence DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]models.LedgerEntry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.LedgerEntry, error) {
		var e models.LedgerEntry
		err := row.Scan(&e.ID, &e.TransferID, &e.AccountID, &e.Amount, &e.BalanceAfter, &e.Sequence, &e.CreatedAt)
		return e, err
	})
}

// SeedAccount is one row for SeedAccounts.
type SeedAccount struct {
	ID             string
	OpeningBalance int64
}

// SeedAccounts bulk-inserts accounts and their opening entries with COPY.
func (s *Store) SeedAccounts(ctx context.Context, accounts []SeedAccount, now time.Time) (int64, error) {
	var copied int64
	err := pgx.BeginFunc(ctx, s.Db, func(tx pgx.Tx) error {
		accountRows := make([][]any, 0, len(accounts))
		entryRows := make([][]any, 0, len(accounts))
		for _, a := range accounts {
			version := int64(0)
			if a.OpeningBalance > 0 {
				version = 1
				entryRows = append(entryRows, []any{uuid.NewString(), a.ID, a.OpeningBalance, a.OpeningBalance, int64(1), now})
			}
			accountRows = append(accountRows, []any{a.ID, a.OpeningBalance, version, now, now})
		}

		n, err := tx.CopyFrom(ctx,
			pgx.Identifier{"accounts"},
			[]string{"id", "balance", "version", "created_at", "updated_at"},
			pgx.CopyFromRows(accountRows),
		)
		if err != nil {
			return fmt.Errorf("bulk insert accounts failed: %w", err)
		}
		copied = n

		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"ledger_entries"},
			[]string{"id", "account_id", "amount", "balance_after", "sequence", "created_at"},
			pgx.CopyFromRows(entryRows),
		)
		if err != nil {
			return fmt.Errorf("bulk insert opening entries failed: %w", err)
		}
		return nil
	})
	return copied, err
}

// CountAccounts returns the number of accounts.
func (s *Store) CountAccounts(ctx context.Context) (int64, error) {
	var n int64
	err := s.Db.QueryRow(ctx, "SELECT COUNT(*) FROM accounts").Scan(&n)
	return n, err
}

func classify(msg string, err error) error {
	if isContention(err) {
		return fmt.Errorf("%s: %w: %v", msg, ledger.ErrContention, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
