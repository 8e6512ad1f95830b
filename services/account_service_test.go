package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/selfwork/taxgate/domain"
	engerr "github.com/selfwork/taxgate/errors"
	"github.com/selfwork/taxgate/internal/bank"
	"github.com/selfwork/taxgate/registry"
)

func newAccountService(t *testing.T, reg *registry.Registry, banks map[string]bank.Client) *AccountService {
	t.Helper()
	svc := NewAccountService(reg, banks, time.Second, 5*time.Second, time.Minute)
	t.Cleanup(svc.Close)
	return svc
}

func rub(value string) domain.Balance {
	return domain.Balance{Amount: decimal.RequireFromString(value), Currency: "RUB"}
}

func TestAccountService_AggregatesAcrossConsents(t *testing.T) {
	reg := newRegistry()
	abank := NewMockBankClient(autoProvider())
	sbank := NewMockBankClient(manualProvider())
	svc := newAccountService(t, reg, map[string]bank.Client{"abank": abank, "sbank": sbank})
	ctx := context.Background()

	authorizedConsent(t, reg, autoProvider(), "subject-1", "consent-a")
	authorizedConsent(t, reg, manualProvider(), "subject-1", "consent-s")

	abank.On("ListAccounts", mock.Anything, "consent-a").
		Return([]domain.Account{{ID: "a-1", Provider: "abank", ConsentID: "consent-a"}}, nil).Once()
	abank.On("GetBalance", mock.Anything, "consent-a", "a-1").
		Return(rub("100.00"), nil).Once()

	sbank.On("ListAccounts", mock.Anything, "consent-s").
		Return([]domain.Account{
			{ID: "s-1", Provider: "sbank", ConsentID: "consent-s"},
			{ID: "s-2", Provider: "sbank", ConsentID: "consent-s"},
		}, nil).Once()
	sbank.On("GetBalance", mock.Anything, "consent-s", "s-1").Return(rub("5.50"), nil).Once()
	sbank.On("GetBalance", mock.Anything, "consent-s", "s-2").Return(rub("0.00"), nil).Once()

	balances, failures, err := svc.ListAccountsWithBalances(ctx, "subject-1")
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Len(t, balances, 3)

	abank.AssertExpectations(t)
	sbank.AssertExpectations(t)
}

func TestAccountService_PartialFailureKeepsOtherProviders(t *testing.T) {
	reg := newRegistry()
	abank := NewMockBankClient(autoProvider())
	sbank := NewMockBankClient(manualProvider())
	svc := newAccountService(t, reg, map[string]bank.Client{"abank": abank, "sbank": sbank})
	ctx := context.Background()

	authorizedConsent(t, reg, autoProvider(), "subject-1", "consent-a")
	authorizedConsent(t, reg, manualProvider(), "subject-1", "consent-s")

	abank.On("ListAccounts", mock.Anything, "consent-a").
		Return(nil, engerr.NewProviderTimeout("abank", nil)).Once()
	sbank.On("ListAccounts", mock.Anything, "consent-s").
		Return([]domain.Account{{ID: "s-1"}}, nil).Once()
	sbank.On("GetBalance", mock.Anything, "consent-s", "s-1").Return(rub("10.00"), nil).Once()

	balances, failures, err := svc.ListAccountsWithBalances(ctx, "subject-1")
	require.NoError(t, err)
	assert.Len(t, balances, 1)
	require.Len(t, failures, 1)
	assert.Equal(t, "abank", failures[0].Provider)
	assert.NotEmpty(t, failures[0].Reason)
}

func TestAccountService_InvalidConsentExpiredInRegistry(t *testing.T) {
	reg := newRegistry()
	abank := NewMockBankClient(autoProvider())
	svc := newAccountService(t, reg, map[string]bank.Client{"abank": abank})
	ctx := context.Background()

	authorizedConsent(t, reg, autoProvider(), "subject-1", "consent-a")

	abank.On("ListAccounts", mock.Anything, "consent-a").
		Return(nil, engerr.NewConsentInvalid("consent is no longer valid at abank")).Once()

	_, failures, err := svc.ListAccountsWithBalances(ctx, "subject-1")
	require.NoError(t, err)
	require.Len(t, failures, 1)

	consent, err := reg.Get(ctx, "consent-a")
	require.NoError(t, err)
	assert.Equal(t, domain.ConsentStateExpired, consent.State)

	// The expired consent is skipped on the next listing.
	balances, failures, err := svc.ListAccountsWithBalances(ctx, "subject-1")
	require.NoError(t, err)
	assert.Empty(t, balances)
	assert.Empty(t, failures)
	abank.AssertNumberOfCalls(t, "ListAccounts", 1)
}

func TestAccountService_UnusableConsentsSkipped(t *testing.T) {
	reg := newRegistry()
	abank := NewMockBankClient(autoProvider())
	svc := newAccountService(t, reg, map[string]bank.Client{"abank": abank})
	ctx := context.Background()

	// Pending consent only, no usable ones.
	consent := reg.Create(manualProvider(), "subject-1")
	require.NoError(t, reg.Bind(ctx, consent, &bank.ConsentResult{
		State:     domain.ConsentStatePendingApproval,
		RequestID: "req-1",
	}))

	balances, failures, err := svc.ListAccountsWithBalances(ctx, "subject-1")
	require.NoError(t, err)
	assert.Empty(t, balances)
	assert.Empty(t, failures)
	abank.AssertNotCalled(t, "ListAccounts", mock.Anything, mock.Anything)
}

func TestAccountService_ListTransactionsValidatesConsent(t *testing.T) {
	reg := newRegistry()
	abank := NewMockBankClient(autoProvider())
	svc := newAccountService(t, reg, map[string]bank.Client{"abank": abank})
	ctx := context.Background()

	authorizedConsent(t, reg, autoProvider(), "subject-1", "consent-a")

	t.Run("unknown consent", func(t *testing.T) {
		_, _, err := svc.ListTransactions(ctx, "abank", "ghost", "a-1", bank.TransactionRange{}, TransactionFilter{})
		assert.ErrorIs(t, err, engerr.ErrConsentNotFound)
	})

	t.Run("provider mismatch", func(t *testing.T) {
		_, _, err := svc.ListTransactions(ctx, "sbank", "consent-a", "a-1", bank.TransactionRange{}, TransactionFilter{})
		require.Error(t, err)
		assert.True(t, engerr.IsConsentInvalid(err))
	})

	abank.AssertNotCalled(t, "ListTransactions", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAccountService_ListTransactionsCachesAndFilters(t *testing.T) {
	reg := newRegistry()
	abank := NewMockBankClient(autoProvider())
	svc := newAccountService(t, reg, map[string]bank.Client{"abank": abank})
	ctx := context.Background()

	authorizedConsent(t, reg, autoProvider(), "subject-1", "consent-a")

	txs := []domain.Transaction{
		{ID: "t-1", AccountID: "a-1", Amount: decimal.RequireFromString("50.00"),
			BookedAt: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "t-2", AccountID: "a-1", Amount: decimal.RequireFromString("500.00"),
			BookedAt: time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)},
	}
	abank.On("ListTransactions", mock.Anything, "consent-a", "a-1", mock.Anything).
		Return(txs, nil).Once()

	all, cached, err := svc.ListTransactions(ctx, "abank", "consent-a", "a-1", bank.TransactionRange{}, TransactionFilter{})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Len(t, all, 2)

	// Second call is served from the cache; filters apply locally.
	min := decimal.RequireFromString("100.00")
	filtered, cached, err := svc.ListTransactions(ctx, "abank", "consent-a", "a-1",
		bank.TransactionRange{}, TransactionFilter{MinAmount: &min})
	require.NoError(t, err)
	assert.True(t, cached)
	require.Len(t, filtered, 1)
	assert.Equal(t, "t-2", filtered[0].ID)

	from := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)
	ranged, cached, err := svc.ListTransactions(ctx, "abank", "consent-a", "a-1",
		bank.TransactionRange{From: from}, TransactionFilter{})
	require.NoError(t, err)
	assert.True(t, cached)
	require.Len(t, ranged, 1)
	assert.Equal(t, "t-2", ranged[0].ID)

	abank.AssertNumberOfCalls(t, "ListTransactions", 1)
}
