package bank

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/selfwork/taxgate/cache"
	"github.com/selfwork/taxgate/domain"
)

// ConsentResult is the tagged variant every provider's consent responses are
// normalized into. Callers switch on State only; provider-specific response
// shapes never leave the adapter.
type ConsentResult struct {
	State       domain.ConsentState
	ConsentID   string // set when State is authorized
	RequestID   string // set when State is pending_approval
	ApprovalURL string // set when State is pending_approval
}

// Payment statuses mirrored from the consent authorization modes.
type PaymentState string

const (
	PaymentCompleted       PaymentState = "completed"
	PaymentPendingApproval PaymentState = "pending_approval"
)

// PaymentResult is the normalized outcome of a payment initiation.
type PaymentResult struct {
	Status      PaymentState
	PaymentID   string // set when Status is completed
	RequestID   string // set when Status is pending_approval
	ApprovalURL string // set when Status is pending_approval
}

// PaymentOrder describes one tax payment to be executed from a debtor
// account.
type PaymentOrder struct {
	AccountID string
	Amount    decimal.Decimal
	Currency  string
	Reference string
	Recipient domain.TaxRecipient
}

// TransactionRange bounds a transaction listing. Zero values mean unbounded.
type TransactionRange struct {
	From time.Time
	To   time.Time
}

// Client is the capability set implemented once per provider. It normalizes
// authentication, consent creation, account listing, balance retrieval and
// payment submission into a single contract; the authorization variant
// (auto-grant vs manual approval) is encoded in the returned tagged variants,
// never in the caller.
type Client interface {
	// Provider returns the static provider identity this client talks to.
	Provider() domain.Provider

	// Authenticate performs one raw token-endpoint call. It is a function
	// of provider-level client identity, not of the end user; callers go
	// through a cache.TokenSource rather than calling this directly.
	Authenticate(ctx context.Context) (cache.Token, error)

	// CreateConsent requests account access for a subject. Provider-side
	// rejection comes back as a denied result, not an error.
	CreateConsent(ctx context.Context, subjectID string) (*ConsentResult, error)

	// GetConsentStatus reports the provider's current state for a consent
	// requested earlier. Idempotent and safe to call repeatedly; used by
	// the poller and by explicit confirmation calls.
	GetConsentStatus(ctx context.Context, requestID string) (*ConsentResult, error)

	// RevokeConsent revokes a consent at the provider.
	RevokeConsent(ctx context.Context, consentID string) error

	// ListAccounts returns the accounts readable under a consent. Fails
	// with a consent_invalid engine error when the provider reports the
	// consent expired or revoked.
	ListAccounts(ctx context.Context, consentID string) ([]domain.Account, error)

	// GetBalance reads one account's balance. Malformed balance payloads
	// degrade to a zero balance rather than failing.
	GetBalance(ctx context.Context, consentID, accountID string) (domain.Balance, error)

	// ListTransactions returns an account's history within a range.
	ListTransactions(ctx context.Context, consentID, accountID string, r TransactionRange) ([]domain.Transaction, error)

	// InitiatePayment executes a payment order under a consent. Manual
	// providers return a pending_approval result that must later be
	// confirmed with ConfirmPayment.
	InitiatePayment(ctx context.Context, consentID string, order PaymentOrder) (*PaymentResult, error)

	// ConfirmPayment checks a pending payment's bank-side approval and, if
	// approved, submits it for execution exactly once. While approval is
	// outstanding it returns a pending_approval result unchanged.
	ConfirmPayment(ctx context.Context, requestID string, order PaymentOrder) (*PaymentResult, error)
}

// Credentials is the provider-level client identity used for token-endpoint
// authentication.
type Credentials struct {
	ClientID     string
	ClientSecret string
}
