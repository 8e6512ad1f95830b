package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/selfwork/taxgate/cache"
	"github.com/selfwork/taxgate/domain"
	"github.com/selfwork/taxgate/internal/bank"
	"github.com/selfwork/taxgate/internal/memstore"
	"github.com/selfwork/taxgate/registry"
)

// --- Mock Implementations ---

type MockBankClient struct {
	mock.Mock
	provider domain.Provider
}

func NewMockBankClient(provider domain.Provider) *MockBankClient {
	return &MockBankClient{provider: provider}
}

func (m *MockBankClient) Provider() domain.Provider {
	return m.provider
}

func (m *MockBankClient) Authenticate(ctx context.Context) (cache.Token, error) {
	args := m.Called(ctx)
	return args.Get(0).(cache.Token), args.Error(1)
}

func (m *MockBankClient) CreateConsent(ctx context.Context, subjectID string) (*bank.ConsentResult, error) {
	args := m.Called(ctx, subjectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*bank.ConsentResult), args.Error(1)
}

func (m *MockBankClient) GetConsentStatus(ctx context.Context, requestID string) (*bank.ConsentResult, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*bank.ConsentResult), args.Error(1)
}

func (m *MockBankClient) RevokeConsent(ctx context.Context, consentID string) error {
	args := m.Called(ctx, consentID)
	return args.Error(0)
}

func (m *MockBankClient) ListAccounts(ctx context.Context, consentID string) ([]domain.Account, error) {
	args := m.Called(ctx, consentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Account), args.Error(1)
}

func (m *MockBankClient) GetBalance(ctx context.Context, consentID, accountID string) (domain.Balance, error) {
	args := m.Called(ctx, consentID, accountID)
	return args.Get(0).(domain.Balance), args.Error(1)
}

func (m *MockBankClient) ListTransactions(ctx context.Context, consentID, accountID string, r bank.TransactionRange) ([]domain.Transaction, error) {
	args := m.Called(ctx, consentID, accountID, r)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Transaction), args.Error(1)
}

func (m *MockBankClient) InitiatePayment(ctx context.Context, consentID string, order bank.PaymentOrder) (*bank.PaymentResult, error) {
	args := m.Called(ctx, consentID, order)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*bank.PaymentResult), args.Error(1)
}

func (m *MockBankClient) ConfirmPayment(ctx context.Context, requestID string, order bank.PaymentOrder) (*bank.PaymentResult, error) {
	args := m.Called(ctx, requestID, order)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*bank.PaymentResult), args.Error(1)
}

// --- Shared fixtures ---

func autoProvider() domain.Provider {
	return domain.Provider{
		Name:    "abank",
		BaseURL: "https://abank.example",
		Mode:    domain.AuthorizationAuto,
	}
}

func manualProvider() domain.Provider {
	return domain.Provider{
		Name:        "sbank",
		BaseURL:     "https://sbank.example",
		Mode:        domain.AuthorizationManual,
		ApprovalURL: "https://sbank.example/client/consents.html",
	}
}

func newRegistry() *registry.Registry {
	return registry.New(memstore.NewConsentStore())
}

// authorizedConsent seeds the registry with a usable consent for provider and
// subject.
func authorizedConsent(t *testing.T, reg *registry.Registry, provider domain.Provider, subjectID, consentID string) *domain.Consent {
	t.Helper()

	consent := reg.Create(provider, subjectID)
	err := reg.Bind(context.Background(), consent, &bank.ConsentResult{
		State:     domain.ConsentStateAuthorized,
		ConsentID: consentID,
	})
	require.NoError(t, err)
	return consent
}
