package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/transferledger/internal/clock"
	"github.com/punchamoorthee/transferledger/internal/models"
)

// account is one slot in the arena. mu is the per-account critical section
// every balance-affecting operation runs under.
type account struct {
	mu      sync.Mutex
	state   models.Account
	entries []models.LedgerEntry
}

// MemoryLedger keeps accounts in an arena addressed by id. Transfers on
// disjoint account pairs run in parallel; overlapping ones serialize on the
// shared account.
type MemoryLedger struct {
	clock clock.Clock

	arenaMu  sync.RWMutex
	accounts map[string]*account

	transfersMu sync.Mutex
	transfers   map[string]*models.Transfer
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger(c clock.Clock) *MemoryLedger {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryLedger{
		clock:     c,
		accounts:  make(map[string]*account),
		transfers: make(map[string]*models.Transfer),
	}
}

// CreateAccount registers a new account. A positive opening balance is
// posted as the account's first entry.
func (l *MemoryLedger) CreateAccount(_ context.Context, id string, openingBalance int64) (*models.Account, error) {
	if id == "" || openingBalance < 0 {
		return nil, ErrInvalidPair
	}
	now := l.clock.Now()

	l.arenaMu.Lock()
	defer l.arenaMu.Unlock()
	if _, ok := l.accounts[id]; ok {
		return nil, ErrAccountExists
	}
	a := &account{state: models.Account{ID: id, CreatedAt: now, UpdatedAt: now}}
	if openingBalance > 0 {
		a.state.Balance = openingBalance
		a.state.Version = 1
		a.entries = append(a.entries, models.LedgerEntry{
			ID:           uuid.NewString(),
			AccountID:    id,
			Amount:       openingBalance,
			BalanceAfter: openingBalance,
			Sequence:     1,
			CreatedAt:    now,
		})
	}
	l.accounts[id] = a
	cp := a.state
	return &cp, nil
}

func (l *MemoryLedger) lookup(id string) (*account, bool) {
	l.arenaMu.RLock()
	defer l.arenaMu.RUnlock()
	a, ok := l.accounts[id]
	return a, ok
}

func (l *MemoryLedger) GetAccount(_ context.Context, id string) (*models.Account, error) {
	a, ok := l.lookup(id)
	if !ok {
		return nil, ErrUnknownAccount
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := a.state
	return &cp, nil
}

func (l *MemoryLedger) GetBalance(ctx context.Context, id string) (int64, error) {
	acc, err := l.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// ApplyPair locks both accounts in lexicographic order, checks funds and
// appends the debit and credit entries while both locks are held.
func (l *MemoryLedger) ApplyPair(ctx context.Context, p Pair) (*models.Transfer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	firstID, secondID := p.LockOrder()
	first, ok1 := l.lookup(firstID)
	second, ok2 := l.lookup(secondID)
	if !ok1 || !ok2 {
		return nil, ErrUnknownAccount
	}

	if !l.claimTransfer(p.TransferID) {
		return nil, ErrDuplicateTransfer
	}
	committed := false
	defer func() {
		if !committed {
			l.releaseTransfer(p.TransferID)
		}
	}()

	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	src, dst := first, second
	if firstID != p.Source {
		src, dst = second, first
	}
	if src.state.Balance < p.Amount {
		return nil, ErrInsufficientFunds
	}

	now := l.clock.Now()
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	debit := src.post(p.TransferID, -p.Amount, now)
	credit := dst.post(p.TransferID, p.Amount, now)

	t := &models.Transfer{
		ID:                   p.TransferID,
		IdempotencyKey:       p.IdempotencyKey,
		SourceAccountID:      p.Source,
		DestinationAccountID: p.Destination,
		Amount:               p.Amount,
		Status:               models.TransferCommitted,
		CreatedAt:            createdAt,
		CommittedAt:          &now,
		Entries:              []models.LedgerEntry{debit, credit},
	}
	l.storeTransfer(t)
	committed = true
	return cloneTransfer(t), nil
}

// post appends one entry. Caller holds a.mu.
func (a *account) post(transferID string, amount int64, at time.Time) models.LedgerEntry {
	a.state.Balance += amount
	a.state.Version++
	a.state.UpdatedAt = at
	e := models.LedgerEntry{
		ID:           uuid.NewString(),
		TransferID:   transferID,
		AccountID:    a.state.ID,
		Amount:       amount,
		BalanceAfter: a.state.Balance,
		Sequence:     a.state.Version,
		CreatedAt:    at,
	}
	a.entries = append(a.entries, e)
	return e
}

// claimTransfer reserves the transfer id with a nil placeholder so that two
// applies of the same id cannot both proceed.
func (l *MemoryLedger) claimTransfer(id string) bool {
	l.transfersMu.Lock()
	defer l.transfersMu.Unlock()
	if _, ok := l.transfers[id]; ok {
		return false
	}
	l.transfers[id] = nil
	return true
}

func (l *MemoryLedger) releaseTransfer(id string) {
	l.transfersMu.Lock()
	defer l.transfersMu.Unlock()
	if t, ok := l.transfers[id]; ok && t == nil {
		delete(l.transfers, id)
	}
}

func (l *MemoryLedger) storeTransfer(t *models.Transfer) {
	l.transfersMu.Lock()
	l.transfers[t.ID] = t
	l.transfersMu.Unlock()
}

func (l *MemoryLedger) RecordRejection(_ context.Context, t models.Transfer) error {
	if t.ID == "" {
		return ErrInvalidPair
	}
	l.transfersMu.Lock()
	defer l.transfersMu.Unlock()
	if _, ok := l.transfers[t.ID]; ok {
		return ErrDuplicateTransfer
	}
	t.Status = models.TransferRejected
	t.Entries = nil
	l.transfers[t.ID] = &t
	return nil
}

func (l *MemoryLedger) GetTransfer(_ context.Context, id string) (*models.Transfer, error) {
	l.transfersMu.Lock()
	defer l.transfersMu.Unlock()
	t, ok := l.transfers[id]
	if !ok || t == nil {
		return nil, ErrTransferNotFound
	}
	return cloneTransfer(t), nil
}

// Entries returns the newest entries first.
func (l *MemoryLedger) Entries(_ context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	a, ok := l.lookup(accountID)
	if !ok {
		return nil, ErrUnknownAccount
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.LedgerEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, a.entries[i])
	}
	return out, nil
}

// Snapshot returns every account for invariant checks.
func (l *MemoryLedger) Snapshot() []models.Account {
	l.arenaMu.RLock()
	defer l.arenaMu.RUnlock()
	out := make([]models.Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		a.mu.Lock()
		out = append(out, a.state)
		a.mu.Unlock()
	}
	return out
}

func cloneTransfer(t *models.Transfer) *models.Transfer {
	cp := *t
	cp.Entries = append([]models.LedgerEntry(nil), t.Entries...)
	return &cp
}
