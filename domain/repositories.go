package domain

import "context"

// ConsentRepository persists consent records. Implementations only store and
// fetch; all transition validation and locking lives in the registry.
type ConsentRepository interface {
	// Save inserts or replaces a consent. Records are keyed by RequestID
	// when present, by ID otherwise; one of the two is always set by the
	// time a consent is saved.
	Save(ctx context.Context, consent *Consent) error
	// GetByRequestID fetches a consent by its transient request handle.
	GetByRequestID(ctx context.Context, requestID string) (*Consent, error)
	// GetByID fetches a consent by its provider-issued id.
	GetByID(ctx context.Context, consentID string) (*Consent, error)
	// ListBySubject returns all consents held by one subject.
	ListBySubject(ctx context.Context, subjectID string) ([]*Consent, error)
	// ListPending returns all consents awaiting bank-side approval.
	ListPending(ctx context.Context) ([]*Consent, error)
}

// ObligationRepository persists tax obligations.
type ObligationRepository interface {
	Save(ctx context.Context, obligation *TaxObligation) error
	Get(ctx context.Context, id string) (*TaxObligation, error)
	// GetByPeriod returns the subject's obligation for one tax period, or
	// ErrObligationNotFound.
	GetByPeriod(ctx context.Context, subjectID, period string) (*TaxObligation, error)
	// List returns a subject's obligations, optionally filtered by status
	// (empty status means all), newest period first.
	List(ctx context.Context, subjectID string, status ObligationStatus) ([]*TaxObligation, error)
}
