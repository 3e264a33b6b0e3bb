package idempotency

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var purgedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_idempotency_purged_total",
	Help: "Expired idempotency records removed by the sweeper",
})

// Sweeper periodically purges expired records. Expiry only drops the cached
// response; committed transfers are untouched.
type Sweeper struct {
	store    Store
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(store Store, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{store: store, interval: interval, log: log}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single purge pass.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.store.Purge(ctx)
	if err != nil {
		s.log.Warn("idempotency purge failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		purgedTotal.Add(float64(n))
		s.log.Debug("purged expired idempotency records", zap.Int("count", n))
	}
	return n
}
