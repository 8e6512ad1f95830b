// Package registry is the authoritative store of consent records and their
// lifecycle state: the single source of truth for which consent may be used
// for which account at which provider. It owns all state transitions; no
// other component mutates a consent.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/selfwork/taxgate/domain"
	engerr "github.com/selfwork/taxgate/errors"
	"github.com/selfwork/taxgate/internal/bank"
)

// Registry validates and applies consent state transitions on top of a
// ConsentRepository. Resolution is serialized per request id so the poller
// and a user-triggered confirmation may race safely: the loser observes the
// already-resolved state and mutates nothing.
type Registry struct {
	consents domain.ConsentRepository

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	pmu     sync.Mutex
	pending map[string]*domain.PendingPayment // keyed by obligation id
}

// New creates a registry over the given consent repository.
func New(consents domain.ConsentRepository) *Registry {
	return &Registry{
		consents: consents,
		locks:    make(map[string]*sync.Mutex),
		pending:  make(map[string]*domain.PendingPayment),
	}
}

func (r *Registry) requestLock(requestID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[requestID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[requestID] = lock
	}
	return lock
}

// Create starts a consent record for a provider and subject. The record is
// not persisted until Bind applies the provider's create-consent result.
func (r *Registry) Create(provider domain.Provider, subjectID string) *domain.Consent {
	return &domain.Consent{
		Provider:  provider.Name,
		SubjectID: subjectID,
		State:     domain.ConsentStateRequested,
		CreatedAt: time.Now().UTC(),
	}
}

// Bind applies the provider's create-consent result to a freshly created
// consent and persists it.
func (r *Registry) Bind(ctx context.Context, consent *domain.Consent, result *bank.ConsentResult) error {
	if consent.State != domain.ConsentStateRequested {
		return engerr.ErrInvalidTransition
	}
	if !domain.CanTransition(consent.State, result.State) {
		return engerr.ErrInvalidTransition
	}

	consent.State = result.State
	switch result.State {
	case domain.ConsentStateAuthorized:
		consent.ID = result.ConsentID
		consent.ResolvedAt = time.Now().UTC()
	case domain.ConsentStatePendingApproval:
		consent.RequestID = result.RequestID
		consent.ApprovalURL = result.ApprovalURL
	case domain.ConsentStateDenied:
		consent.ResolvedAt = time.Now().UTC()
	}

	if err := r.consents.Save(ctx, consent); err != nil {
		return err
	}

	log.Ctx(ctx).Info().
		Str("provider", consent.Provider).
		Str("subject_id", consent.SubjectID).
		Str("state", string(consent.State)).
		Msg("consent recorded")
	return nil
}

// Resolve applies a provider status result to the pending consent identified
// by requestID. It enforces monotonicity: once a consent reached a resolved
// state, further calls are no-ops returning the stored record, so concurrent
// resolution (poller vs user confirmation) settles exactly once.
func (r *Registry) Resolve(ctx context.Context, requestID string, result *bank.ConsentResult) (*domain.Consent, error) {
	lock := r.requestLock(requestID)
	lock.Lock()
	defer lock.Unlock()

	consent, err := r.consents.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if consent.State.Resolved() {
		return consent, nil
	}
	if result.State == domain.ConsentStatePendingApproval {
		// Still awaiting approval, nothing to apply.
		return consent, nil
	}
	if !domain.CanTransition(consent.State, result.State) {
		return nil, engerr.ErrInvalidTransition
	}

	consent.State = result.State
	consent.ResolvedAt = time.Now().UTC()
	consent.ApprovalURL = ""
	if result.State == domain.ConsentStateAuthorized {
		consent.ID = result.ConsentID
	}

	if err := r.consents.Save(ctx, consent); err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("provider", consent.Provider).
		Str("request_id", requestID).
		Str("consent_id", consent.ID).
		Str("state", string(consent.State)).
		Msg("consent resolved")
	return consent, nil
}

// Expire marks a pending consent expired after the poller exhausted its
// attempt bound.
func (r *Registry) Expire(ctx context.Context, requestID string) (*domain.Consent, error) {
	return r.Resolve(ctx, requestID, &bank.ConsentResult{State: domain.ConsentStateExpired})
}

// Invalidate marks an authorized consent expired after a provider reported it
// invalid mid-call.
func (r *Registry) Invalidate(ctx context.Context, consentID string) error {
	consent, err := r.consents.GetByID(ctx, consentID)
	if err != nil {
		return err
	}
	if consent.State.Terminal() {
		return nil
	}
	if !domain.CanTransition(consent.State, domain.ConsentStateExpired) {
		return engerr.ErrInvalidTransition
	}
	consent.State = domain.ConsentStateExpired
	consent.ResolvedAt = time.Now().UTC()
	return r.consents.Save(ctx, consent)
}

// Revoke marks a consent revoked. The caller is responsible for calling the
// provider's revoke operation first.
func (r *Registry) Revoke(ctx context.Context, consentID string) (*domain.Consent, error) {
	consent, err := r.consents.GetByID(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if consent.State == domain.ConsentStateRevoked {
		return consent, nil
	}
	if !domain.CanTransition(consent.State, domain.ConsentStateRevoked) {
		return nil, engerr.ErrInvalidTransition
	}
	consent.State = domain.ConsentStateRevoked
	consent.ResolvedAt = time.Now().UTC()
	consent.ApprovalURL = ""
	if err := r.consents.Save(ctx, consent); err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("provider", consent.Provider).
		Str("consent_id", consentID).
		Msg("consent revoked")
	return consent, nil
}

// Find returns all consents held by a subject.
func (r *Registry) Find(ctx context.Context, subjectID string) ([]*domain.Consent, error) {
	return r.consents.ListBySubject(ctx, subjectID)
}

// Get returns the consent with the given provider-issued id.
func (r *Registry) Get(ctx context.Context, consentID string) (*domain.Consent, error) {
	return r.consents.GetByID(ctx, consentID)
}

// GetByRequestID returns the consent with the given request handle.
func (r *Registry) GetByRequestID(ctx context.Context, requestID string) (*domain.Consent, error) {
	return r.consents.GetByRequestID(ctx, requestID)
}

// Pending returns all consents awaiting bank-side approval.
func (r *Registry) Pending(ctx context.Context) ([]*domain.Consent, error) {
	return r.consents.ListPending(ctx)
}
