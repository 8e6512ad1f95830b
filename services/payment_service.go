package services

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/selfwork/taxgate/domain"
	engerr "github.com/selfwork/taxgate/errors"
	"github.com/selfwork/taxgate/internal/bank"
	"github.com/selfwork/taxgate/internal/metrics"
	"github.com/selfwork/taxgate/registry"
)

// Payment outcome statuses surfaced to the facade.
const (
	PaymentOutcomePaid    = "paid"
	PaymentOutcomePending = "pending_approval"
)

// PaymentOutcome is the result of initiating or confirming a tax payment.
type PaymentOutcome struct {
	Status      string                `json:"status"`
	PaymentID   string                `json:"payment_id,omitempty"`
	ApprovalURL string                `json:"approval_url,omitempty"`
	Obligation  *domain.TaxObligation `json:"obligation"`
}

/// PaymentService orchestrates tax payments: it validates the consent against
// the target provider before any external call, drives the adapter, and
// either finalizes immediately or parks the payment awaiting manual
// approval. All work on one obligation is serialized, so a racing poller and
// user confirmation trigger at most one underlying submission.
type PaymentService struct {
	registry    *registry.Registry
	obligations domain.ObligationRepository
	banks       map[string]bank.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPaymentService creates a PaymentService.
func NewPaymentService(reg *registry.Registry, obligations domain.ObligationRepository, banks map[string]bank.Client) *PaymentService {
	return &PaymentService{
		registry:    reg,
		obligations: obligations,
		banks:       banks,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (s *PaymentService) obligationLock(obligationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[obligationID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[obligationID] = lock
	}
	return lock
}

// SyncObligation records the tax owed for the previous period. The amount is
// mocked when zero, standing in for the tax authority's feed. A period synced
// twice returns ErrDuplicatePeriod with the existing obligation.
func (s *PaymentService) SyncObligation(ctx context.Context, subjectID, payerINN string, amount decimal.Decimal) (*domain.TaxObligation, error) {
	period := domain.PreviousPeriod(time.Now())

	if existing, err := s.obligations.GetByPeriod(ctx, subjectID, period); err == nil {
		return existing, engerr.ErrDuplicatePeriod
	} else if err != engerr.ErrObligationNotFound {
		return nil, err
	}

	if amount.IsZero() {
		amount = mockTaxAmount()
	}

	now := time.Now().UTC()
	obligation := &domain.TaxObligation{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Period:    period,
		Amount:    amount,
		Currency:  "RUB",
		PayerINN:  payerINN,
		Recipient: domain.DefaultTaxRecipient(),
		Reference: domain.PaymentReference(period, payerINN),
		Status:    domain.ObligationStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.obligations.Save(ctx, obligation); err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("subject_id", subjectID).
		Str("period", period).
		Str("amount", amount.StringFixed(2)).
		Msg("tax obligation synced")
	return obligation, nil
}

// mockTaxAmount generates a plausible obligation amount until a real tax
// authority feed exists.
func mockTaxAmount() decimal.Decimal {
	rub := 1000 + rand.Intn(49000)
	kop := rand.Intn(100)
	return decimal.New(int64(rub*100+kop), -2)
}

// ListObligations returns a subject's obligations, optionally filtered by
// status.
func (s *PaymentService) ListObligations(ctx context.Context, subjectID string, status domain.ObligationStatus) ([]*domain.TaxObligation, error) {
	return s.obligations.List(ctx, subjectID, status)
}

// GetObligation returns one obligation by id.
func (s *PaymentService) GetObligation(ctx context.Context, id string) (*domain.TaxObligation, error) {
	return s.obligations.Get(ctx, id)
}

// Pay initiates payment of an obligation from accountID at provider, under
// the caller-selected consent. The consent must belong to that provider, to
// the obligation's subject, and be authorized; any mismatch fails before a
// single external call is made. An account listed under one provider's
// consent must never be paid against using another's.
func (s *PaymentService) Pay(ctx context.Context, obligationID, provider, accountID, consentID string) (*PaymentOutcome, error) {
	lock := s.obligationLock(obligationID)
	lock.Lock()
	defer lock.Unlock()

	obligation, err := s.obligations.Get(ctx, obligationID)
	if err != nil {
		return nil, err
	}
	if obligation.Status == domain.ObligationStatusPaid {
		return nil, engerr.ErrObligationAlreadyPaid
	}

	client, ok := s.banks[provider]
	if !ok {
		return nil, engerr.ErrUnknownProvider
	}

	consent, err := s.registry.Get(ctx, consentID)
	if err != nil {
		if err == engerr.ErrConsentNotFound {
			return nil, engerr.NewConsentInvalid("no such consent, reconnect the bank")
		}
		return nil, err
	}
	switch {
	case consent.Provider != provider:
		return nil, engerr.NewConsentInvalid("consent belongs to a different provider")
	case consent.SubjectID != obligation.SubjectID:
		return nil, engerr.NewConsentInvalid("consent belongs to a different subject")
	case !consent.Usable():
		return nil, engerr.NewConsentInvalid("consent is not authorized")
	}

	obligation.Status = domain.ObligationStatusProcessing
	obligation.Provider = provider
	obligation.AccountID = accountID
	obligation.FailureReason = ""
	obligation.UpdatedAt = time.Now().UTC()
	if err := s.obligations.Save(ctx, obligation); err != nil {
		return nil, err
	}

	result, err := client.InitiatePayment(ctx, consentID, paymentOrder(obligation))
	if err != nil {
		return nil, s.recordFailure(ctx, obligation, consentID, err)
	}

	switch result.Status {
	case bank.PaymentCompleted:
		return s.finalize(ctx, obligation, result.PaymentID)
	case bank.PaymentPendingApproval:
		s.registry.PutPendingPayment(&domain.PendingPayment{
			ObligationID: obligation.ID,
			Provider:     provider,
			ConsentID:    consentID,
			AccountID:    accountID,
			RequestID:    result.RequestID,
			ApprovalURL:  result.ApprovalURL,
		})
		metrics.PaymentsPendingTotal.Inc()
		log.Ctx(ctx).Info().
			Str("obligation_id", obligation.ID).
			Str("provider", provider).
			Str("request_id", result.RequestID).
			Msg("payment parked awaiting manual approval")
		return &PaymentOutcome{
			Status:      PaymentOutcomePending,
			ApprovalURL: result.ApprovalURL,
			Obligation:  obligation,
		}, nil
	default:
		return nil, s.recordFailure(ctx, obligation, consentID,
			engerr.NewNormalizationFailure(provider, nil))
	}
}

// ConfirmApproval finalizes a payment the user approved in the provider's
// UI. The pending record is consumed on success, so a second confirmation is
// a no-op returning the already-paid state rather than re-submitting.
func (s *PaymentService) ConfirmApproval(ctx context.Context, obligationID string) (*PaymentOutcome, error) {
	lock := s.obligationLock(obligationID)
	lock.Lock()
	defer lock.Unlock()

	obligation, err := s.obligations.Get(ctx, obligationID)
	if err != nil {
		return nil, err
	}
	if obligation.Status == domain.ObligationStatusPaid {
		return &PaymentOutcome{
			Status:     PaymentOutcomePaid,
			PaymentID:  obligation.PaymentID,
			Obligation: obligation,
		}, nil
	}

	pending, err := s.registry.GetPendingPayment(obligationID)
	if err != nil {
		return nil, err
	}
	client, ok := s.banks[pending.Provider]
	if !ok {
		return nil, engerr.ErrUnknownProvider
	}

	result, err := client.ConfirmPayment(ctx, pending.RequestID, paymentOrder(obligation))
	if err != nil {
		if engerr.IsConsentInvalid(err) {
			// The bank rejected the approval; the payment is dead.
			s.registry.DeletePendingPayment(obligationID)
			return nil, s.recordFailure(ctx, obligation, pending.ConsentID, err)
		}
		// Transient failure: keep the pending record for a retry.
		return nil, err
	}

	switch result.Status {
	case bank.PaymentCompleted:
		outcome, err := s.finalize(ctx, obligation, result.PaymentID)
		if err != nil {
			return nil, err
		}
		s.registry.DeletePendingPayment(obligationID)
		return outcome, nil
	default:
		return &PaymentOutcome{
			Status:      PaymentOutcomePending,
			ApprovalURL: pending.ApprovalURL,
			Obligation:  obligation,
		}, nil
	}
}

// ExpirePendingPayment marks a payment failed after the poller exhausted its
// attempt bound waiting for approval. The obligation stays retryable.
func (s *PaymentService) ExpirePendingPayment(ctx context.Context, obligationID string) error {
	lock := s.obligationLock(obligationID)
	lock.Lock()
	defer lock.Unlock()

	obligation, err := s.obligations.Get(ctx, obligationID)
	if err != nil {
		return err
	}
	if obligation.Status == domain.ObligationStatusPaid {
		return nil
	}

	pending, err := s.registry.GetPendingPayment(obligationID)
	if err != nil {
		return err
	}
	s.registry.DeletePendingPayment(obligationID)
	metrics.PollExpirationsTotal.Inc()

	// recordFailure echoes its cause back for initiation paths; here the
	// timeout is the expected outcome, not an error to propagate.
	_ = s.recordFailure(ctx, obligation, pending.ConsentID,
		engerr.NewApprovalTimeout(pending.RequestID))
	return nil
}

func paymentOrder(obligation *domain.TaxObligation) bank.PaymentOrder {
	return bank.PaymentOrder{
		AccountID: obligation.AccountID,
		Amount:    obligation.Amount,
		Currency:  obligation.Currency,
		Reference: obligation.Reference,
		Recipient: obligation.Recipient,
	}
}

func (s *PaymentService) finalize(ctx context.Context, obligation *domain.TaxObligation, paymentID string) (*PaymentOutcome, error) {
	now := time.Now().UTC()
	obligation.Status = domain.ObligationStatusPaid
	obligation.PaymentID = paymentID
	obligation.PaidAt = now
	obligation.FailureReason = ""
	obligation.UpdatedAt = now
	if err := s.obligations.Save(ctx, obligation); err != nil {
		return nil, err
	}

	metrics.PaymentsCompletedTotal.Inc()
	log.Ctx(ctx).Info().
		Str("obligation_id", obligation.ID).
		Str("provider", obligation.Provider).
		Str("payment_id", paymentID).
		Msg("tax obligation paid")

	return &PaymentOutcome{
		Status:     PaymentOutcomePaid,
		PaymentID:  paymentID,
		Obligation: obligation,
	}, nil
}

// recordFailure marks the obligation failed with a user-readable reason and
// leaves it retryable. Consent invalidity is mapped back onto the registry.
func (s *PaymentService) recordFailure(ctx context.Context, obligation *domain.TaxObligation, consentID string, cause error) error {
	if engerr.IsConsentInvalid(cause) && consentID != "" {
		if err := s.registry.Invalidate(ctx, consentID); err != nil && err != engerr.ErrConsentNotFound {
			log.Ctx(ctx).Warn().Err(err).
				Str("consent_id", consentID).
				Msg("failed to expire invalid consent")
		}
	}

	obligation.Status = domain.ObligationStatusFailed
	obligation.FailureReason = failureReason(cause)
	obligation.UpdatedAt = time.Now().UTC()
	if err := s.obligations.Save(ctx, obligation); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("obligation_id", obligation.ID).
			Msg("failed to persist obligation failure")
	}

	metrics.PaymentsFailedTotal.Inc()
	log.Ctx(ctx).Warn().
		Str("obligation_id", obligation.ID).
		Str("reason", obligation.FailureReason).
		Msg("tax payment failed")
	return cause
}
