package poller

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/selfwork/taxgate/domain"
	"github.com/selfwork/taxgate/internal/bank"
	"github.com/selfwork/taxgate/internal/memstore"
	"github.com/selfwork/taxgate/registry"
	"github.com/selfwork/taxgate/services"
)

type consentStatusMock struct {
	mock.Mock
	bank.Client
	provider domain.Provider
}

func (m *consentStatusMock) Provider() domain.Provider {
	return m.provider
}

func (m *consentStatusMock) GetConsentStatus(ctx context.Context, requestID string) (*bank.ConsentResult, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*bank.ConsentResult), args.Error(1)
}

func (m *consentStatusMock) ConfirmPayment(ctx context.Context, requestID string, order bank.PaymentOrder) (*bank.PaymentResult, error) {
	args := m.Called(ctx, requestID, order)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*bank.PaymentResult), args.Error(1)
}

func sbank() domain.Provider {
	return domain.Provider{
		Name:        "sbank",
		BaseURL:     "https://sbank.example",
		Mode:        domain.AuthorizationManual,
		ApprovalURL: "https://sbank.example/client/consents.html",
	}
}

func seedPendingConsent(t *testing.T, reg *registry.Registry, requestID string) {
	t.Helper()

	consent := reg.Create(sbank(), "subject-1")
	require.NoError(t, reg.Bind(context.Background(), consent, &bank.ConsentResult{
		State:       domain.ConsentStatePendingApproval,
		RequestID:   requestID,
		ApprovalURL: sbank().ApprovalURL,
	}))
}

func startPoller(t *testing.T, reg *registry.Registry, banks map[string]bank.Client, payments *services.PaymentService, maxAttempts int) *Poller {
	t.Helper()

	p := New(reg, banks, payments, 10*time.Millisecond, maxAttempts, time.Second)
	p.Start(context.Background())
	t.Cleanup(p.Close)
	return p
}

func TestPoller_ResolvesPendingConsent(t *testing.T) {
	reg := registry.New(memstore.NewConsentStore())
	client := &consentStatusMock{provider: sbank()}
	seedPendingConsent(t, reg, "req-1")

	// Pending on the first polls, then approved.
	client.On("GetConsentStatus", mock.Anything, "req-1").
		Return(&bank.ConsentResult{State: domain.ConsentStatePendingApproval, RequestID: "req-1"}, nil).Twice()
	client.On("GetConsentStatus", mock.Anything, "req-1").
		Return(&bank.ConsentResult{State: domain.ConsentStateAuthorized, ConsentID: "consent-1"}, nil)

	startPoller(t, reg, map[string]bank.Client{"sbank": client}, nil, 100)

	require.Eventually(t, func() bool {
		consent, err := reg.GetByRequestID(context.Background(), "req-1")
		return err == nil && consent.State == domain.ConsentStateAuthorized
	}, 2*time.Second, 10*time.Millisecond)

	consent, err := reg.GetByRequestID(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "consent-1", consent.ID)
	assert.True(t, consent.Usable())
}

func TestPoller_ExpiresConsentAfterAttemptBound(t *testing.T) {
	reg := registry.New(memstore.NewConsentStore())
	client := &consentStatusMock{provider: sbank()}
	seedPendingConsent(t, reg, "req-1")

	client.On("GetConsentStatus", mock.Anything, "req-1").
		Return(&bank.ConsentResult{State: domain.ConsentStatePendingApproval, RequestID: "req-1"}, nil)

	startPoller(t, reg, map[string]bank.Client{"sbank": client}, nil, 3)

	require.Eventually(t, func() bool {
		consent, err := reg.GetByRequestID(context.Background(), "req-1")
		return err == nil && consent.State == domain.ConsentStateExpired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoller_ConsentDenialIsApplied(t *testing.T) {
	reg := registry.New(memstore.NewConsentStore())
	client := &consentStatusMock{provider: sbank()}
	seedPendingConsent(t, reg, "req-1")

	client.On("GetConsentStatus", mock.Anything, "req-1").
		Return(&bank.ConsentResult{State: domain.ConsentStateDenied}, nil)

	startPoller(t, reg, map[string]bank.Client{"sbank": client}, nil, 100)

	require.Eventually(t, func() bool {
		consent, err := reg.GetByRequestID(context.Background(), "req-1")
		return err == nil && consent.State == domain.ConsentStateDenied
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoller_ConfirmsPendingPayment(t *testing.T) {
	reg := registry.New(memstore.NewConsentStore())
	obligations := memstore.NewObligationStore()
	client := &consentStatusMock{provider: sbank()}
	banks := map[string]bank.Client{"sbank": client}
	payments := services.NewPaymentService(reg, obligations, banks)

	now := time.Now().UTC()
	obligation := &domain.TaxObligation{
		ID:        "ob-1",
		SubjectID: "subject-1",
		Period:    domain.PreviousPeriod(now),
		Amount:    decimal.RequireFromString("2500.00"),
		Currency:  "RUB",
		Recipient: domain.DefaultTaxRecipient(),
		Status:    domain.ObligationStatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, obligations.Save(context.Background(), obligation))
	reg.PutPendingPayment(&domain.PendingPayment{
		ObligationID: "ob-1",
		Provider:     "sbank",
		ConsentID:    "consent-1",
		AccountID:    "acc-1",
		RequestID:    "payreq-1",
	})

	client.On("ConfirmPayment", mock.Anything, "payreq-1", mock.Anything).
		Return(&bank.PaymentResult{Status: bank.PaymentPendingApproval, RequestID: "payreq-1"}, nil).Once()
	client.On("ConfirmPayment", mock.Anything, "payreq-1", mock.Anything).
		Return(&bank.PaymentResult{Status: bank.PaymentCompleted, PaymentID: "pay-1"}, nil)

	startPoller(t, reg, banks, payments, 100)

	require.Eventually(t, func() bool {
		stored, err := obligations.Get(context.Background(), "ob-1")
		return err == nil && stored.Status == domain.ObligationStatusPaid
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := obligations.Get(context.Background(), "ob-1")
	require.NoError(t, err)
	assert.Equal(t, "pay-1", stored.PaymentID)

	// The pending record was consumed exactly once.
	_, err = reg.GetPendingPayment("ob-1")
	assert.Error(t, err)
}

func TestPoller_ExpiresPaymentAfterAttemptBound(t *testing.T) {
	reg := registry.New(memstore.NewConsentStore())
	obligations := memstore.NewObligationStore()
	client := &consentStatusMock{provider: sbank()}
	banks := map[string]bank.Client{"sbank": client}
	payments := services.NewPaymentService(reg, obligations, banks)

	now := time.Now().UTC()
	require.NoError(t, obligations.Save(context.Background(), &domain.TaxObligation{
		ID:        "ob-1",
		SubjectID: "subject-1",
		Period:    domain.PreviousPeriod(now),
		Amount:    decimal.RequireFromString("2500.00"),
		Currency:  "RUB",
		Recipient: domain.DefaultTaxRecipient(),
		Status:    domain.ObligationStatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}))
	reg.PutPendingPayment(&domain.PendingPayment{
		ObligationID: "ob-1",
		Provider:     "sbank",
		ConsentID:    "consent-1",
		RequestID:    "payreq-1",
	})

	client.On("ConfirmPayment", mock.Anything, "payreq-1", mock.Anything).
		Return(&bank.PaymentResult{Status: bank.PaymentPendingApproval, RequestID: "payreq-1"}, nil)

	startPoller(t, reg, banks, payments, 3)

	require.Eventually(t, func() bool {
		stored, err := obligations.Get(context.Background(), "ob-1")
		return err == nil && stored.Status == domain.ObligationStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	_, err := reg.GetPendingPayment("ob-1")
	assert.Error(t, err)
}
