package models

import (
	"encoding/json"
	"time"
)

// Account represents a ledger account. Balance is held in minor units.
type Account struct {
	ID        string    `json:"id"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransferStatus is the lifecycle state of a transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCommitted TransferStatus = "committed"
	TransferRejected  TransferStatus = "rejected"
)

// TransferRequest is the statically shaped payload accepted at the ledger boundary.
type TransferRequest struct {
	IdempotencyKey       string `json:"-"`
	SourceAccountID      string `json:"source_account_id"`
	DestinationAccountID string `json:"destination_account_id"`
	Amount               int64  `json:"amount"`
	Caller               Caller `json:"-"`
}

// Caller is the identity the edge layer attached to a request. It is opaque
// to the ledger and only used for audit attribution.
type Caller struct {
	Subject string `json:"subject,omitempty"`
	Email   string `json:"email,omitempty"`
}

// Transfer represents the logical movement of funds between two accounts.
type Transfer struct {
	ID                   string         `json:"id"`
	IdempotencyKey       string         `json:"idempotency_key"`
	SourceAccountID      string         `json:"source_account_id"`
	DestinationAccountID string         `json:"destination_account_id"`
	Amount               int64          `json:"amount"`
	Status               TransferStatus `json:"status"`
	Reason               ErrorCode      `json:"reason,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	CommittedAt          *time.Time     `json:"committed_at,omitempty"`
	Entries              []LedgerEntry  `json:"entries,omitempty"`
}

// LedgerEntry represents one balance change on one account.
// The sum of Amounts for a committed TransferID is always 0.
type LedgerEntry struct {
	ID           string    `json:"id"`
	TransferID   string    `json:"transfer_id,omitempty"`
	AccountID    string    `json:"account_id"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Sequence     int64     `json:"sequence"`
	CreatedAt    time.Time `json:"created_at"`
}

// ResultStatus is the terminal status reported to the caller.
type ResultStatus string

const (
	ResultCommitted ResultStatus = "committed"
	ResultRejected  ResultStatus = "rejected"
)

// EntrySummary is the caller-facing view of one applied entry.
type EntrySummary struct {
	Account      string `json:"account"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
}

// TransferResult is the canonical response of a submission. It is stored
// verbatim under the idempotency key and replayed byte-for-byte.
type TransferResult struct {
	Status     ResultStatus   `json:"status"`
	TransferID string         `json:"transfer_id,omitempty"`
	Reason     ErrorCode      `json:"reason,omitempty"`
	Message    string         `json:"message,omitempty"`
	Entries    []EntrySummary `json:"entries,omitempty"`
}

// Committed reports whether the result applied ledger entries.
func (r TransferResult) Committed() bool {
	return r.Status == ResultCommitted
}

// ResultFromTransfer builds the caller-facing result for a terminal transfer.
func ResultFromTransfer(t *Transfer) TransferResult {
	if t.Status != TransferCommitted {
		return TransferResult{
			Status:     ResultRejected,
			TransferID: t.ID,
			Reason:     t.Reason,
			Message:    t.Reason.Message(),
		}
	}
	res := TransferResult{
		Status:     ResultCommitted,
		TransferID: t.ID,
		Entries:    make([]EntrySummary, 0, len(t.Entries)),
	}
	for _, e := range t.Entries {
		res.Entries = append(res.Entries, EntrySummary{
			Account:      e.AccountID,
			Amount:       e.Amount,
			BalanceAfter: e.BalanceAfter,
		})
	}
	return res
}

// IdempotencyRecord holds the state of a request key.
type IdempotencyRecord struct {
	Key            string          `json:"key"`
	Fingerprint    string          `json:"fingerprint"`
	Token          string          `json:"token"`
	TransferID     string          `json:"transfer_id"`
	State          string          `json:"state"`
	Result         json.RawMessage `json:"result,omitempty"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AuditEvent is an immutable record of a transfer attempt.
type AuditEvent struct {
	ID                   string         `json:"id"`
	Type                 string         `json:"type"`
	TransferID           string         `json:"transfer_id,omitempty"`
	IdempotencyKey       string         `json:"idempotency_key,omitempty"`
	SourceAccountID      string         `json:"source_account_id"`
	DestinationAccountID string         `json:"destination_account_id"`
	Amount               int64          `json:"amount"`
	Status               TransferStatus `json:"status"`
	Reason               ErrorCode      `json:"reason,omitempty"`
	Actor                string         `json:"actor,omitempty"`
	OccurredAt           time.Time      `json:"occurred_at"`
}

// Audit event types.
const (
	EventTransferCommitted = "transfer.committed"
	EventTransferRejected  = "transfer.rejected"
	EventTransferRecovered = "transfer.recovered"
)
