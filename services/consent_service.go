package services

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/selfwork/taxgate/domain"
	engerr "github.com/selfwork/taxgate/errors"
	"github.com/selfwork/taxgate/internal/bank"
	"github.com/selfwork/taxgate/internal/metrics"
	"github.com/selfwork/taxgate/registry"
)

// ConsentService drives consent lifecycles across providers: requesting,
// resolving after manual approval, and revoking.
type ConsentService struct {
	registry *registry.Registry
	banks    map[string]bank.Client
}

// NewConsentService creates a ConsentService over the registry and the
// per-provider adapters.
func NewConsentService(reg *registry.Registry, banks map[string]bank.Client) *ConsentService {
	return &ConsentService{
		registry: reg,
		banks:    banks,
	}
}

func (s *ConsentService) client(provider string) (bank.Client, error) {
	client, ok := s.banks[provider]
	if !ok {
		return nil, engerr.ErrUnknownProvider
	}
	return client, nil
}

// RequestConsent asks a provider for account access on behalf of a subject.
// Auto-grant providers come back authorized with a consent id; manual
// providers come back pending with a request handle and an approval URL the
// user must visit.
func (s *ConsentService) RequestConsent(ctx context.Context, provider, subjectID string) (*domain.Consent, error) {
	client, err := s.client(provider)
	if err != nil {
		return nil, err
	}

	consent := s.registry.Create(client.Provider(), subjectID)
	result, err := client.CreateConsent(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Bind(ctx, consent, result); err != nil {
		return nil, err
	}

	metrics.ConsentsRequestedTotal.WithLabelValues(provider).Inc()
	return consent, nil
}

// ListConsents returns all consents held by a subject.
func (s *ConsentService) ListConsents(ctx context.Context, subjectID string) ([]*domain.Consent, error) {
	return s.registry.Find(ctx, subjectID)
}

// ResolveConsent checks a pending consent's bank-side state after the user
// reports having approved it. Already-resolved consents are returned as-is
// without an external call.
func (s *ConsentService) ResolveConsent(ctx context.Context, provider, requestID string) (*domain.Consent, error) {
	consent, err := s.registry.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if consent.State.Resolved() {
		return consent, nil
	}
	if consent.Provider != provider {
		return nil, engerr.NewConsentInvalid("consent belongs to a different provider")
	}

	client, err := s.client(provider)
	if err != nil {
		return nil, err
	}
	result, err := client.GetConsentStatus(ctx, requestID)
	if err != nil {
		return nil, err
	}

	resolved, err := s.registry.Resolve(ctx, requestID, result)
	if err != nil {
		return nil, err
	}
	if resolved.State.Resolved() {
		metrics.ConsentsResolvedTotal.WithLabelValues(string(resolved.State)).Inc()
	}
	return resolved, nil
}

// RevokeConsent revokes a consent both at the provider and in the registry.
func (s *ConsentService) RevokeConsent(ctx context.Context, provider, consentID string) (*domain.Consent, error) {
	consent, err := s.registry.Get(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if consent.Provider != provider {
		return nil, engerr.NewConsentInvalid("consent belongs to a different provider")
	}
	if consent.State == domain.ConsentStateRevoked {
		return consent, nil
	}

	client, err := s.client(provider)
	if err != nil {
		return nil, err
	}
	if err := client.RevokeConsent(ctx, consentID); err != nil {
		// The provider no longer knowing the consent is fine, the local
		// record still must be closed out.
		if err != engerr.ErrConsentNotFound {
			return nil, err
		}
		log.Ctx(ctx).Warn().
			Str("provider", provider).
			Str("consent_id", consentID).
			Msg("provider reports consent unknown during revoke")
	}

	return s.registry.Revoke(ctx, consentID)
}
