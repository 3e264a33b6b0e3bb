package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferledger/internal/audit"
	"github.com/punchamoorthee/transferledger/internal/clock"
	"github.com/punchamoorthee/transferledger/internal/idempotency"
	"github.com/punchamoorthee/transferledger/internal/ledger"
	"github.com/punchamoorthee/transferledger/internal/models"
)

const (
	maxKeyLength     = 255
	maxAccountLength = 128
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transfers_total",
		Help: "Transfer submissions by outcome",
	}, []string{"outcome"})

	transferDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_transfer_duration_seconds",
		Help:    "Time spent in Submit",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	applyRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_apply_retries_total",
		Help: "Ledger applies retried after contention",
	})

	auditFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_audit_failures_total",
		Help: "Audit appends that failed and were only logged",
	})
)

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	// MaxApplyAttempts bounds ledger applies per submission under contention.
	MaxApplyAttempts int
	// RetryBase is the first backoff step between contended applies.
	RetryBase time.Duration
	// FinalizeTimeout bounds audit, idempotency completion and ambiguity
	// resolution after the caller's context is gone.
	FinalizeTimeout time.Duration
	Clock           clock.Clock
	Logger          *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxApplyAttempts <= 0 {
		o.MaxApplyAttempts = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 5 * time.Millisecond
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Outcome is a terminal transfer result. Replayed is set when the result was
// served from the idempotency store rather than produced by this call.
type Outcome struct {
	Result   models.TransferResult
	Replayed bool
}

// TransferService is the transfer engine: it validates a request, reserves
// its idempotency key, applies it to the ledger, audits it and stores the
// result for replay.
type TransferService struct {
	ledger ledger.Ledger
	idem   idempotency.Store
	audit  audit.Log
	opts   Options
	log    *zap.Logger
}

func NewTransferService(l ledger.Ledger, idem idempotency.Store, a audit.Log, opts Options) *TransferService {
	opts = opts.withDefaults()
	return &TransferService{
		ledger: l,
		idem:   idem,
		audit:  a,
		opts:   opts,
		log:    opts.Logger,
	}
}

// Submit processes one transfer submission. Business outcomes, including
// rejections, are returned as an Outcome. A *models.Error is returned only
// for DuplicateInFlight and InternalError, both retryable with the same key.
func (s *TransferService) Submit(ctx context.Context, req models.TransferRequest) (*Outcome, error) {
	timer := prometheus.NewTimer(transferDuration)
	defer timer.ObserveDuration()

	if msg := validate(req); msg != "" {
		return s.rejectInvalid(ctx, req, msg), nil
	}

	claim := idempotency.Claim{
		Key:         req.IdempotencyKey,
		Fingerprint: idempotency.Fingerprint(req),
		Token:       uuid.NewString(),
		TransferID:  uuid.NewString(),
	}
	resv, err := s.idem.Reserve(ctx, claim)
	if err != nil {
		transfersTotal.WithLabelValues("error").Inc()
		s.log.Error("idempotency reserve failed", zap.String("idempotency_key", req.IdempotencyKey), zap.Error(err))
		return nil, models.NewError(models.CodeInternalError, err)
	}

	switch resv.State {
	case idempotency.Completed:
		if resv.Record.Fingerprint != claim.Fingerprint {
			return s.rejectInvalid(ctx, req, "idempotency key reused with a different request"), nil
		}
		res, err := resv.Result()
		if err != nil {
			transfersTotal.WithLabelValues("error").Inc()
			return nil, models.NewError(models.CodeInternalError, fmt.Errorf("decode stored result: %w", err))
		}
		transfersTotal.WithLabelValues("replayed").Inc()
		return &Outcome{Result: res, Replayed: true}, nil

	case idempotency.InFlight:
		if resv.Record.Fingerprint != "" && resv.Record.Fingerprint != claim.Fingerprint {
			return s.rejectInvalid(ctx, req, "idempotency key reused with a different request"), nil
		}
		transfersTotal.WithLabelValues("in_flight").Inc()
		return nil, models.NewError(models.CodeDuplicateInFlight, nil)
	}

	return s.execute(ctx, req, resv.Record, resv.Reclaimed)
}

// execute runs the ledger step for a key this call owns.
func (s *TransferService) execute(ctx context.Context, req models.TransferRequest, rec models.IdempotencyRecord, reclaimed bool) (*Outcome, error) {
	log := s.log.With(zap.String("idempotency_key", rec.Key), zap.String("transfer_id", rec.TransferID))

	// A reclaimed key inherits the transfer id of an attempt whose lease
	// expired. Its commit record decides whether anything is left to do.
	if reclaimed {
		t, err := s.ledger.GetTransfer(ctx, rec.TransferID)
		switch {
		case err == nil:
			log.Info("recovered transfer from commit record", zap.String("status", string(t.Status)))
			return s.finalize(ctx, req, rec, t, models.EventTransferRecovered), nil
		case !errors.Is(err, ledger.ErrTransferNotFound):
			return s.abort(ctx, req, rec, err)
		}
	}

	pair := ledger.Pair{
		TransferID:     rec.TransferID,
		IdempotencyKey: rec.Key,
		Source:         req.SourceAccountID,
		Destination:    req.DestinationAccountID,
		Amount:         req.Amount,
		CreatedAt:      s.opts.Clock.Now(),
	}
	t, err := s.applyWithRetry(ctx, pair)
	if err == nil {
		return s.finalize(ctx, req, rec, t, models.EventTransferCommitted), nil
	}

	if errors.Is(err, ledger.ErrDuplicateTransfer) {
		stored, lerr := s.ledger.GetTransfer(ctx, rec.TransferID)
		switch {
		case lerr == nil:
			return s.finalize(ctx, req, rec, stored, models.EventTransferRecovered), nil
		case errors.Is(lerr, ledger.ErrTransferNotFound):
			return s.ownedElsewhere(log)
		}
		return s.abort(ctx, req, rec, lerr)
	}

	if code, ok := ledger.RejectionCode(err); ok {
		rejected := &models.Transfer{
			ID:                   rec.TransferID,
			IdempotencyKey:       rec.Key,
			SourceAccountID:      req.SourceAccountID,
			DestinationAccountID: req.DestinationAccountID,
			Amount:               req.Amount,
			Status:               models.TransferRejected,
			Reason:               code,
			CreatedAt:            pair.CreatedAt,
		}
		rerr := s.ledger.RecordRejection(ctx, *rejected)
		switch {
		case errors.Is(rerr, ledger.ErrDuplicateTransfer):
			// An earlier attempt with this transfer id got there first.
			stored, lerr := s.ledger.GetTransfer(ctx, rec.TransferID)
			if lerr == nil {
				return s.finalize(ctx, req, rec, stored, models.EventTransferRecovered), nil
			}
			return s.ownedElsewhere(log)
		case rerr != nil:
			log.Warn("failed to record rejected transfer", zap.Error(rerr))
		}
		return s.finalize(ctx, req, rec, rejected, models.EventTransferRejected), nil
	}

	return s.abort(ctx, req, rec, err)
}

// ownedElsewhere answers a reclaimed key whose transfer id is still being
// applied by the attempt that lost the lease. The key stays in flight; the
// next reclaim finds that attempt's commit record.
func (s *TransferService) ownedElsewhere(log *zap.Logger) (*Outcome, error) {
	log.Warn("transfer id still held by an earlier attempt; key left in flight")
	transfersTotal.WithLabelValues("in_flight").Inc()
	return nil, models.NewError(models.CodeDuplicateInFlight, nil)
}

func (s *TransferService) applyWithRetry(ctx context.Context, p ledger.Pair) (*models.Transfer, error) {
	for attempt := 0; ; attempt++ {
		t, err := s.ledger.ApplyPair(ctx, p)
		if err == nil || !errors.Is(err, ledger.ErrContention) {
			return t, err
		}
		if attempt+1 >= s.opts.MaxApplyAttempts {
			return nil, fmt.Errorf("gave up after %d attempts: %w", attempt+1, err)
		}
		applyRetriesTotal.Inc()
		if serr := sleepWithContext(ctx, exponentialWithJitter(s.opts.RetryBase, attempt)); serr != nil {
			return nil, serr
		}
	}
}

// finalize audits a terminal transfer and stores its result for replay.
// Neither step can undo the transfer; failures are logged and, for the
// idempotency store, recovered through lease expiry.
func (s *TransferService) finalize(ctx context.Context, req models.TransferRequest, rec models.IdempotencyRecord, t *models.Transfer, eventType string) *Outcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FinalizeTimeout)
	defer cancel()

	result := models.ResultFromTransfer(t)
	s.appendAudit(ctx, req, t, eventType)

	body, err := json.Marshal(result)
	if err == nil {
		err = s.idem.Complete(ctx, rec.Key, rec.Token, body)
	}
	if err != nil {
		s.log.Warn("failed to store idempotent result; key recovers after lease expiry",
			zap.String("idempotency_key", rec.Key),
			zap.String("transfer_id", t.ID),
			zap.Error(err))
	}

	transfersTotal.WithLabelValues(string(result.Status)).Inc()
	return &Outcome{Result: result}
}

// abort handles a failure whose effect on the ledger is unknown. The commit
// record is consulted before the key is given up, so a retry can never apply
// the same request twice.
func (s *TransferService) abort(ctx context.Context, req models.TransferRequest, rec models.IdempotencyRecord, cause error) (*Outcome, error) {
	log := s.log.With(zap.String("idempotency_key", rec.Key), zap.String("transfer_id", rec.TransferID))
	transfersTotal.WithLabelValues("error").Inc()

	if ctx.Err() != nil {
		// The caller went away mid-apply. Leave the key in flight; the lease
		// hands it to the next retry, which checks the commit record first.
		log.Warn("transfer cancelled; key left in flight until lease expiry", zap.Error(cause))
		return nil, models.NewError(models.CodeInternalError, cause)
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FinalizeTimeout)
	defer cancel()

	if !errors.Is(cause, ledger.ErrContention) {
		t, err := s.ledger.GetTransfer(rctx, rec.TransferID)
		switch {
		case err == nil:
			log.Info("transfer committed despite error", zap.NamedError("cause", cause))
			return s.finalize(rctx, req, rec, t, models.EventTransferRecovered), nil
		case !errors.Is(err, ledger.ErrTransferNotFound):
			log.Error("cannot resolve transfer outcome; key left in flight", zap.NamedError("cause", cause), zap.Error(err))
			return nil, models.NewError(models.CodeInternalError, cause)
		}
	}

	if err := s.idem.Release(rctx, rec.Key, rec.Token); err != nil {
		log.Warn("failed to release idempotency key", zap.Error(err))
	}
	log.Error("transfer failed", zap.Error(cause))
	return nil, models.NewError(models.CodeInternalError, cause)
}

// rejectInvalid answers a request that failed validation. It is audited as
// an attempt but never cached or applied.
func (s *TransferService) rejectInvalid(ctx context.Context, req models.TransferRequest, msg string) *Outcome {
	t := &models.Transfer{
		IdempotencyKey:       req.IdempotencyKey,
		SourceAccountID:      req.SourceAccountID,
		DestinationAccountID: req.DestinationAccountID,
		Amount:               req.Amount,
		Status:               models.TransferRejected,
		Reason:               models.CodeInvalidRequest,
	}
	s.appendAudit(ctx, req, t, models.EventTransferRejected)
	transfersTotal.WithLabelValues("invalid").Inc()
	return &Outcome{Result: models.TransferResult{
		Status:  models.ResultRejected,
		Reason:  models.CodeInvalidRequest,
		Message: msg,
	}}
}

func (s *TransferService) appendAudit(ctx context.Context, req models.TransferRequest, t *models.Transfer, eventType string) {
	actor := req.Caller.Subject
	if actor == "" {
		actor = req.Caller.Email
	}
	e := models.AuditEvent{
		ID:                   uuid.NewString(),
		Type:                 eventType,
		TransferID:           t.ID,
		IdempotencyKey:       t.IdempotencyKey,
		SourceAccountID:      t.SourceAccountID,
		DestinationAccountID: t.DestinationAccountID,
		Amount:               t.Amount,
		Status:               t.Status,
		Reason:               t.Reason,
		Actor:                actor,
		OccurredAt:           s.opts.Clock.Now(),
	}
	if err := s.audit.Append(ctx, e); err != nil {
		auditFailuresTotal.Inc()
		s.log.Error("audit append failed",
			zap.String("event_type", eventType),
			zap.String("transfer_id", t.ID),
			zap.Error(err))
	}
}

func validate(req models.TransferRequest) string {
	switch {
	case req.IdempotencyKey == "":
		return "idempotency key is required"
	case len(req.IdempotencyKey) > maxKeyLength:
		return fmt.Sprintf("idempotency key longer than %d characters", maxKeyLength)
	case req.SourceAccountID == "" || req.DestinationAccountID == "":
		return "source and destination accounts are required"
	case len(req.SourceAccountID) > maxAccountLength || len(req.DestinationAccountID) > maxAccountLength:
		return fmt.Sprintf("account id longer than %d characters", maxAccountLength)
	case req.Amount <= 0:
		return "amount must be positive"
	case req.SourceAccountID == req.DestinationAccountID:
		return "source and destination must differ"
	}
	return ""
}
