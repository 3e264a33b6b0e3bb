package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/transferledger/internal/models"
)

func newPair(src, dst string, amount int64) Pair {
	return Pair{TransferID: uuid.NewString(), IdempotencyKey: "k-" + uuid.NewString(), Source: src, Destination: dst, Amount: amount}
}

func seed(t *testing.T, l *MemoryLedger, balances map[string]int64) {
	t.Helper()
	for id, bal := range balances {
		_, err := l.CreateAccount(context.Background(), id, bal)
		require.NoError(t, err)
	}
}

func TestApplyPairMovesFunds(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)
	seed(t, l, map[string]int64{"X": 1000, "Y": 0})

	tr, err := l.ApplyPair(ctx, newPair("X", "Y", 300))
	require.NoError(t, err)

	assert.Equal(t, models.TransferCommitted, tr.Status)
	require.Len(t, tr.Entries, 2)
	assert.Equal(t, int64(0), tr.Entries[0].Amount+tr.Entries[1].Amount)
	assert.Equal(t, "X", tr.Entries[0].AccountID)
	assert.Equal(t, int64(700), tr.Entries[0].BalanceAfter)
	assert.Equal(t, int64(300), tr.Entries[1].BalanceAfter)

	x, _ := l.GetBalance(ctx, "X")
	y, _ := l.GetBalance(ctx, "Y")
	assert.Equal(t, int64(700), x)
	assert.Equal(t, int64(300), y)
}

func TestApplyPairRejections(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)
	seed(t, l, map[string]int64{"X": 100, "Y": 0})

	_, err := l.ApplyPair(ctx, newPair("X", "Y", 500))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = l.ApplyPair(ctx, newPair("X", "nobody", 1))
	assert.ErrorIs(t, err, ErrUnknownAccount)

	_, err = l.ApplyPair(ctx, newPair("X", "X", 1))
	assert.ErrorIs(t, err, ErrInvalidPair)

	x, _ := l.GetAccount(ctx, "X")
	assert.Equal(t, int64(100), x.Balance)
	assert.Equal(t, int64(1), x.Version, "rejections must not touch the account")

	_, err = l.GetAccount(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUnknownAccount, "unknown accounts are never auto-created")
}

func TestApplyPairDuplicateTransferID(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)
	seed(t, l, map[string]int64{"X": 1000, "Y": 0})

	p := newPair("X", "Y", 10)
	_, err := l.ApplyPair(ctx, p)
	require.NoError(t, err)
	_, err = l.ApplyPair(ctx, p)
	assert.ErrorIs(t, err, ErrDuplicateTransfer)

	x, _ := l.GetBalance(ctx, "X")
	assert.Equal(t, int64(990), x)
}

func TestRecordRejectionAndLookup(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)

	err := l.RecordRejection(ctx, models.Transfer{ID: "t1", SourceAccountID: "X", DestinationAccountID: "Y", Amount: 5, Reason: models.CodeUnknownAccount})
	require.NoError(t, err)

	tr, err := l.GetTransfer(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TransferRejected, tr.Status)
	assert.Empty(t, tr.Entries)

	_, err = l.GetTransfer(ctx, "missing")
	assert.ErrorIs(t, err, ErrTransferNotFound)
}

func TestCreateAccountOpeningEntry(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)
	seed(t, l, map[string]int64{"A": 250})

	_, err := l.CreateAccount(ctx, "A", 1)
	assert.ErrorIs(t, err, ErrAccountExists)

	entries, err := l.Entries(ctx, "A", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(250), entries[0].Amount)
	assert.Empty(t, entries[0].TransferID)
}

// Concurrent transfers in both directions between overlapping accounts must
// neither deadlock nor lose updates, and every account's sequence must stay
// gap-free and match its running sum.
func TestConcurrentTransfersKeepInvariants(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		_, err := l.CreateAccount(ctx, id, 500)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 400; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := ids[i%len(ids)]
			dst := ids[(i*7+1)%len(ids)]
			if src == dst {
				dst = ids[(i+1)%len(ids)]
			}
			_, err := l.ApplyPair(ctx, newPair(src, dst, int64(1+i%40)))
			if err != nil && err != ErrInsufficientFunds {
				t.Errorf("apply %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	var total int64
	for _, acc := range l.Snapshot() {
		assert.GreaterOrEqual(t, acc.Balance, int64(0))
		total += acc.Balance

		entries, err := l.Entries(ctx, acc.ID, 0)
		require.NoError(t, err)
		var sum int64
		for i, e := range entries {
			assert.Equal(t, int64(len(entries)-i), e.Sequence, fmt.Sprintf("account %s sequence gap", acc.ID))
			sum += e.Amount
		}
		assert.Equal(t, acc.Balance, sum)
		assert.Equal(t, int64(len(entries)), acc.Version)
	}
	assert.Equal(t, int64(2000), total)
}

// Two debits of 600 against 1000 must not both pass the funds check.
func TestConcurrentOverdraftPrevented(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)
	seed(t, l, map[string]int64{"X": 1000, "Y": 0, "Z": 0})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, dst := range []string{"Y", "Z"} {
		wg.Add(1)
		go func(i int, dst string) {
			defer wg.Done()
			_, errs[i] = l.ApplyPair(ctx, newPair("X", dst, 600))
		}(i, dst)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientFunds)
		}
	}
	assert.Equal(t, 1, ok)
	x, _ := l.GetBalance(ctx, "X")
	assert.Equal(t, int64(400), x)
}

func TestLockOrderIsLexicographic(t *testing.T) {
	a, b := Pair{Source: "zeta", Destination: "alpha"}.LockOrder()
	assert.Equal(t, "alpha", a)
	assert.Equal(t, "zeta", b)
}
