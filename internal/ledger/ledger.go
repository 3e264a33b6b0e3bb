// Package ledger defines the account ledger: the only component allowed to
// change balances. Every change is an append-only entry, and a transfer is
// applied as a debit/credit pair inside one atomic unit.
package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/punchamoorthee/transferledger/internal/models"
)

var (
	ErrUnknownAccount    = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountExists     = errors.New("account already exists")
	ErrTransferNotFound  = errors.New("transfer not found")
	// ErrDuplicateTransfer means a commit record with the same transfer id
	// already exists; the caller should read it back instead of re-applying.
	ErrDuplicateTransfer = errors.New("transfer already recorded")
	// ErrContention is a transient serialization conflict. The apply had no
	// effect and may be retried.
	ErrContention = errors.New("ledger contention")
	ErrInvalidPair = errors.New("invalid entry pair")
)

// Pair is a balanced debit/credit applied as one transfer.
type Pair struct {
	TransferID     string
	IdempotencyKey string
	Source         string
	Destination    string
	Amount         int64
	CreatedAt      time.Time
}

// Validate checks the structural rules every backend relies on.
func (p Pair) Validate() error {
	if p.TransferID == "" || p.Source == "" || p.Destination == "" {
		return ErrInvalidPair
	}
	if p.Amount <= 0 || p.Source == p.Destination {
		return ErrInvalidPair
	}
	return nil
}

// LockOrder returns the two account ids in the global acquisition order.
// Locks are always taken in this order, never in caller-supplied order.
func (p Pair) LockOrder() (string, string) {
	ids := []string{p.Source, p.Destination}
	sort.Strings(ids)
	return ids[0], ids[1]
}

// Ledger is the contract shared by the in-memory and PostgreSQL backends.
type Ledger interface {
	CreateAccount(ctx context.Context, id string, openingBalance int64) (*models.Account, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetBalance(ctx context.Context, id string) (int64, error)

	// ApplyPair appends both entries, updates both balances and writes the
	// committed transfer record, or does nothing at all.
	ApplyPair(ctx context.Context, p Pair) (*models.Transfer, error)

	// RecordRejection stores a terminal rejected transfer so that later
	// recovery can tell it apart from an attempt that never ran.
	RecordRejection(ctx context.Context, t models.Transfer) error

	GetTransfer(ctx context.Context, id string) (*models.Transfer, error)
	Entries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error)
}

// RejectionCode maps a business rejection error to its caller-visible code.
func RejectionCode(err error) (models.ErrorCode, bool) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return models.CodeInsufficientFunds, true
	case errors.Is(err, ErrUnknownAccount):
		return models.CodeUnknownAccount, true
	case errors.Is(err, ErrInvalidPair):
		return models.CodeInvalidRequest, true
	}
	return "", false
}
