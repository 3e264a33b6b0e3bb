package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/transferledger/internal/audit"
	"github.com/punchamoorthee/transferledger/internal/ledger"
	"github.com/punchamoorthee/transferledger/internal/models"
)

const (
	defaultEntriesLimit = 50
	maxEntriesLimit     = 1000
)

var ErrInvalidAccount = errors.New("invalid account")

// CreateAccount opens an account with a non-negative balance. The opening
// balance is posted as the account's first ledger entry.
func (s *TransferService) CreateAccount(ctx context.Context, id string, openingBalance int64) (*models.Account, error) {
	if id == "" || len(id) > maxAccountLength {
		return nil, fmt.Errorf("%w: id must be 1-%d characters", ErrInvalidAccount, maxAccountLength)
	}
	if openingBalance < 0 {
		return nil, fmt.Errorf("%w: opening balance must not be negative", ErrInvalidAccount)
	}
	return s.ledger.CreateAccount(ctx, id, openingBalance)
}

func (s *TransferService) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return s.ledger.GetAccount(ctx, id)
}

// GetBalance reads the committed balance. It never observes a half-applied
// transfer.
func (s *TransferService) GetBalance(ctx context.Context, id string) (int64, error) {
	return s.ledger.GetBalance(ctx, id)
}

func (s *TransferService) GetTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	return s.ledger.GetTransfer(ctx, id)
}

// AccountEntries returns the newest entries of an account first.
func (s *TransferService) AccountEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	switch {
	case limit <= 0:
		limit = defaultEntriesLimit
	case limit > maxEntriesLimit:
		limit = maxEntriesLimit
	}
	if _, err := s.ledger.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.ledger.Entries(ctx, accountID, limit)
}

// AuditTrail returns the audit events touching an account, oldest first.
func (s *TransferService) AuditTrail(ctx context.Context, f audit.Filter) ([]models.AuditEvent, error) {
	return s.audit.Query(ctx, f)
}

// IsNotFound reports whether err means the requested account or transfer
// does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ledger.ErrUnknownAccount) || errors.Is(err, ledger.ErrTransferNotFound)
}
