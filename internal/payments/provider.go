package payments

import (
	"context"
	"time"
)

// Status enumerates the normalised payment and refund states shared across providers.
type Status string

const (
	// StatusPending indicates the PSP accepted the operation and is settling it.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the operation as complete.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a terminal failure.
	StatusFailed Status = "failed"
)

// RefundRequest defines a PSP refund attempt against a captured payment.
type RefundRequest struct {
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// Refund normalises the PSP refund outcome for storage.
type Refund struct {
	ID        string
	IntentID  string
	Status    Status
	Amount    int64
	Currency  string
	CreatedAt time.Time
}

// LookupRequest identifies a payment for reconciliation lookups.
type LookupRequest struct {
	IntentID string
}

// PaymentDetails normalises PSP specific payment fields.
type PaymentDetails struct {
	Provider   string
	IntentID   string
	Status     Status
	Amount     int64
	Currency   string
	Captured   bool
	CapturedAt *time.Time
	Raw        map[string]any
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreateRefund(ctx context.Context, req RefundRequest) (Refund, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}
