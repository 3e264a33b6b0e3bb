package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferledger/internal/logging"
	"github.com/punchamoorthee/transferledger/internal/store"
)

func main() {
	var (
		dbURL    string
		accounts int
		balance  string
		scale    int32
		prefix   string
	)
	pflag.StringVar(&dbURL, "db", os.Getenv("DB_SOURCE"), "PostgreSQL connection string (default $DB_SOURCE)")
	pflag.IntVarP(&accounts, "accounts", "n", 1000, "Number of accounts to create")
	pflag.StringVar(&balance, "balance", "100.00", "Opening balance per account, in major units")
	pflag.Int32Var(&scale, "scale", 2, "Decimal places of the currency's minor unit")
	pflag.StringVar(&prefix, "prefix", "acct-", "Account id prefix; ids are <prefix><n> zero-padded to 4 digits")
	pflag.Parse()

	logger, err := logging.New(os.Getenv("ENVIRONMENT"), "")
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if dbURL == "" {
		logger.Fatal("no database: pass --db or set DB_SOURCE")
	}

	opening, err := minorUnits(balance, scale)
	if err != nil {
		logger.Fatal("invalid --balance", zap.Error(err))
	}

	if err := seed(context.Background(), logger, dbURL, prefix, accounts, opening); err != nil {
		logger.Fatal("seeding failed", zap.Error(err))
	}
}

func seed(ctx context.Context, logger *zap.Logger, dbURL, prefix string, n int, opening int64) error {
	if err := store.Migrate(dbURL, logger); err != nil {
		return err
	}
	db, err := store.NewStore(ctx, dbURL, 4)
	if err != nil {
		return err
	}
	defer db.Close()

	existing, err := db.CountAccounts(ctx)
	if err != nil {
		return fmt.Errorf("count accounts: %w", err)
	}
	if existing >= int64(n) {
		logger.Info("database already seeded; skipping", zap.Int64("accounts", existing))
		return nil
	}
	if existing > 0 {
		return fmt.Errorf("database holds %d of %d accounts; truncate before reseeding", existing, n)
	}

	rows := make([]store.SeedAccount, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, store.SeedAccount{ID: AccountID(prefix, i), OpeningBalance: opening})
	}

	logger.Info("seeding accounts", zap.Int("accounts", n), zap.Int64("opening_balance_minor", opening))
	copied, err := db.SeedAccounts(ctx, rows, time.Now().UTC())
	if err != nil {
		return err
	}
	logger.Info("seeded accounts", zap.Int64("accounts", copied))
	return nil
}

// AccountID is the id the seeder gives account n.
func AccountID(prefix string, n int) string {
	return fmt.Sprintf("%s%04d", prefix, n)
}

// minorUnits converts a major-unit amount such as "100.25" to minor units,
// rejecting values with more precision than the currency allows.
func minorUnits(major string, scale int32) (int64, error) {
	d, err := decimal.NewFromString(major)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%s is negative", major)
	}
	minor := d.Shift(scale)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%s has more than %d decimal places", major, scale)
	}
	if minor.GreaterThan(decimal.NewFromInt(1 << 62)) {
		return 0, fmt.Errorf("%s is out of range", major)
	}
	return minor.IntPart(), nil
}
