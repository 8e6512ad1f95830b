package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/selfwork/taxgate/domain"
	engerr "github.com/selfwork/taxgate/errors"
)

// ConsentStore keeps consent records in memory. It is the default backend for
// the consent registry; the mongodb package provides the durable alternative.
type ConsentStore struct {
	mu      sync.RWMutex
	records []*domain.Consent
	byReq   map[string]*domain.Consent
	byID    map[string]*domain.Consent
}

// NewConsentStore creates an empty in-memory consent store.
func NewConsentStore() *ConsentStore {
	return &ConsentStore{
		byReq: make(map[string]*domain.Consent),
		byID:  make(map[string]*domain.Consent),
	}
}

func (s *ConsentStore) Save(_ context.Context, consent *domain.Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.lookup(consent)
	if stored == nil {
		copied := *consent
		stored = &copied
		s.records = append(s.records, stored)
	} else {
		*stored = *consent
	}
	if stored.RequestID != "" {
		s.byReq[stored.RequestID] = stored
	}
	if stored.ID != "" {
		s.byID[stored.ID] = stored
	}
	return nil
}

func (s *ConsentStore) lookup(consent *domain.Consent) *domain.Consent {
	if consent.RequestID != "" {
		if found, ok := s.byReq[consent.RequestID]; ok {
			return found
		}
	}
	if consent.ID != "" {
		if found, ok := s.byID[consent.ID]; ok {
			return found
		}
	}
	return nil
}

func (s *ConsentStore) GetByRequestID(_ context.Context, requestID string) (*domain.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consent, ok := s.byReq[requestID]
	if !ok {
		return nil, engerr.ErrConsentNotFound
	}
	copied := *consent
	return &copied, nil
}

func (s *ConsentStore) GetByID(_ context.Context, consentID string) (*domain.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consent, ok := s.byID[consentID]
	if !ok {
		return nil, engerr.ErrConsentNotFound
	}
	copied := *consent
	return &copied, nil
}

func (s *ConsentStore) ListBySubject(_ context.Context, subjectID string) ([]*domain.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Consent
	for _, consent := range s.records {
		if consent.SubjectID == subjectID {
			copied := *consent
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *ConsentStore) ListPending(_ context.Context) ([]*domain.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Consent
	for _, consent := range s.records {
		if consent.State == domain.ConsentStatePendingApproval {
			copied := *consent
			out = append(out, &copied)
		}
	}
	return out, nil
}

// ObligationStore keeps tax obligations in memory.
type ObligationStore struct {
	mu          sync.RWMutex
	obligations map[string]*domain.TaxObligation
}

// NewObligationStore creates an empty in-memory obligation store.
func NewObligationStore() *ObligationStore {
	return &ObligationStore{
		obligations: make(map[string]*domain.TaxObligation),
	}
}

func (s *ObligationStore) Save(_ context.Context, obligation *domain.TaxObligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *obligation
	s.obligations[obligation.ID] = &copied
	return nil
}

func (s *ObligationStore) Get(_ context.Context, id string) (*domain.TaxObligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obligation, ok := s.obligations[id]
	if !ok {
		return nil, engerr.ErrObligationNotFound
	}
	copied := *obligation
	return &copied, nil
}

func (s *ObligationStore) GetByPeriod(_ context.Context, subjectID, period string) (*domain.TaxObligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, obligation := range s.obligations {
		if obligation.SubjectID == subjectID && obligation.Period == period {
			copied := *obligation
			return &copied, nil
		}
	}
	return nil, engerr.ErrObligationNotFound
}

func (s *ObligationStore) List(_ context.Context, subjectID string, status domain.ObligationStatus) ([]*domain.TaxObligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.TaxObligation
	for _, obligation := range s.obligations {
		if obligation.SubjectID != subjectID {
			continue
		}
		if status != "" && obligation.Status != status {
			continue
		}
		copied := *obligation
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Period > out[j].Period
	})
	return out, nil
}
