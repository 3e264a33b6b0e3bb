// Package idempotency deduplicates retried transfer submissions by their
// caller-supplied key.
//
// Reserve reports one of three states instead of failing:
//
//	Fresh     - the caller owns the key and must run the transfer.
//	InFlight  - another attempt owns the key; back off and resubmit.
//	Completed - the stored result must be replayed verbatim.
//
// An InFlight record carries a lease. Once the lease expires the next Reserve
// for the same request reclaims the key (Fresh with Reclaimed set) and inherits
// the original transfer id, so the engine can check the ledger's commit record
// before applying anything.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/punchamoorthee/transferledger/internal/models"
)

// State is the outcome of a reservation.
type State int

const (
	Fresh State = iota + 1
	InFlight
	Completed
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case InFlight:
		return "in_flight"
	case Completed:
		return "completed"
	}
	return "unknown"
}

// Persisted record states.
const (
	StateInFlight  = "in_flight"
	StateCompleted = "completed"
)

var (
	// ErrNotOwner means the key is no longer held by the caller's token,
	// usually because its lease expired and another attempt reclaimed it.
	ErrNotOwner = errors.New("idempotency key not owned by caller")
	ErrNotFound = errors.New("idempotency key not found")
)

// Claim is a request to own a key.
type Claim struct {
	Key         string
	Fingerprint string
	Token       string
	TransferID  string
}

// Reservation is the result of Reserve. For Fresh, Record is the caller's
// new record; otherwise it is the record that blocked the claim.
type Reservation struct {
	State     State
	Record    models.IdempotencyRecord
	Reclaimed bool
}

// Result decodes the stored transfer result of a Completed reservation.
func (r Reservation) Result() (models.TransferResult, error) {
	var res models.TransferResult
	if len(r.Record.Result) == 0 {
		return res, errors.New("reservation has no stored result")
	}
	err := json.Unmarshal(r.Record.Result, &res)
	return res, err
}

// Store is implemented by the memory, PostgreSQL and Redis backends.
type Store interface {
	Reserve(ctx context.Context, c Claim) (Reservation, error)
	Complete(ctx context.Context, key, token string, result json.RawMessage) error
	Release(ctx context.Context, key, token string) error
	// Purge deletes records whose retention window has passed and returns
	// how many were removed.
	Purge(ctx context.Context) (int, error)
}

// Policy holds the timing knobs shared by all backends.
type Policy struct {
	// Lease bounds how long an in-flight attempt owns a key before it may
	// be reclaimed.
	Lease time.Duration
	// Retention is how long a completed result is replayed.
	Retention time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Lease: 30 * time.Second, Retention: 24 * time.Hour}
}

func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.Lease <= 0 {
		p.Lease = d.Lease
	}
	if p.Retention <= 0 {
		p.Retention = d.Retention
	}
	return p
}

// Fingerprint hashes the fields that identify a transfer request so a key
// reused with a different payload can be detected.
func Fingerprint(req models.TransferRequest) string {
	h := sha256.New()
	h.Write([]byte(req.SourceAccountID))
	h.Write([]byte{0})
	h.Write([]byte(req.DestinationAccountID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(req.Amount, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Decide applies the reservation rules to the current record (nil if the key
// is absent) and returns the reservation plus the record to persist, if any.
// Every backend runs it inside its own atomic section.
func Decide(existing *models.IdempotencyRecord, c Claim, p Policy, now time.Time) (Reservation, *models.IdempotencyRecord) {
	fresh := func(transferID string, reclaimed bool) (Reservation, *models.IdempotencyRecord) {
		rec := models.IdempotencyRecord{
			Key:            c.Key,
			Fingerprint:    c.Fingerprint,
			Token:          c.Token,
			TransferID:     transferID,
			State:          StateInFlight,
			LeaseExpiresAt: now.Add(p.Lease),
			ExpiresAt:      now.Add(p.Retention),
			CreatedAt:      now,
		}
		return Reservation{State: Fresh, Record: rec, Reclaimed: reclaimed}, &rec
	}

	if existing == nil || !now.Before(existing.ExpiresAt) {
		return fresh(c.TransferID, false)
	}
	switch existing.State {
	case StateCompleted:
		return Reservation{State: Completed, Record: *existing}, nil
	default:
		if now.Before(existing.LeaseExpiresAt) || existing.Fingerprint != c.Fingerprint {
			return Reservation{State: InFlight, Record: *existing}, nil
		}
		return fresh(existing.TransferID, true)
	}
}
