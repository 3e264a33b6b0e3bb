package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/punchamoorthee/transferledger/internal/models"
)

// Tee writes to a primary Log and copies each event to mirror sinks.
// Only the primary's error is returned; mirror failures are logged.
type Tee struct {
	primary Log
	mirrors []Sink
	log     *zap.Logger
}

var _ Log = (*Tee)(nil)

func NewTee(primary Log, log *zap.Logger, mirrors ...Sink) *Tee {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tee{primary: primary, mirrors: mirrors, log: log}
}

func (t *Tee) Append(ctx context.Context, e models.AuditEvent) error {
	err := t.primary.Append(ctx, e)
	for _, m := range t.mirrors {
		if mErr := m.Append(ctx, e); mErr != nil {
			t.log.Warn("audit mirror append failed",
				zap.String("event_id", e.ID),
				zap.String("transfer_id", e.TransferID),
				zap.Error(mErr))
		}
	}
	return err
}

func (t *Tee) Query(ctx context.Context, f Filter) ([]models.AuditEvent, error) {
	return t.primary.Query(ctx, f)
}
