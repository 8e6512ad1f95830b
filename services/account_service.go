package services

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/selfwork/taxgate/domain"
	engerr "github.com/selfwork/taxgate/errors"
	"github.com/selfwork/taxgate/internal/bank"
	"github.com/selfwork/taxgate/registry"
)

// AccountService aggregates account, balance and transaction reads across all
// of a subject's authorized consents. Account and balance reads are uncached
// pass-throughs; transaction reads keep a short TTL cache.
type AccountService struct {
	registry *registry.Registry
	banks    map[string]bank.Client

	perCallTimeout time.Duration
	overallBudget  time.Duration

	txCache *ttlcache.Cache[string, []domain.Transaction]
	txTTL   time.Duration
}

// NewAccountService creates an AccountService. perCallTimeout bounds each
// provider call; overallBudget bounds an entire aggregate listing.
func NewAccountService(
	reg *registry.Registry,
	banks map[string]bank.Client,
	perCallTimeout, overallBudget, txTTL time.Duration,
) *AccountService {
	txCache := ttlcache.New(
		ttlcache.WithTTL[string, []domain.Transaction](txTTL),
		ttlcache.WithDisableTouchOnHit[string, []domain.Transaction](),
	)
	go txCache.Start()

	return &AccountService{
		registry:       reg,
		banks:          banks,
		perCallTimeout: perCallTimeout,
		overallBudget:  overallBudget,
		txCache:        txCache,
		txTTL:          txTTL,
	}
}

// Close stops the transaction cache's expiry loop.
func (s *AccountService) Close() {
	s.txCache.Stop()
}

// ListAccountsWithBalances fans out over all authorized consents of a
// subject. Individual provider failures never fail the whole call: the
// result is partial accounts plus a per-provider error list. A consent the
// provider reports invalid is expired in the registry on the way out.
func (s *AccountService) ListAccountsWithBalances(ctx context.Context, subjectID string) ([]domain.AccountBalance, []domain.ProviderError, error) {
	consents, err := s.registry.Find(ctx, subjectID)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.overallBudget)
	defer cancel()

	var (
		mu       sync.Mutex
		balances []domain.AccountBalance
		failures []domain.ProviderError
		wg       sync.WaitGroup
	)

	for _, consent := range consents {
		if !consent.Usable() {
			continue
		}
		client, ok := s.banks[consent.Provider]
		if !ok {
			continue
		}

		wg.Add(1)
		go func(consent *domain.Consent, client bank.Client) {
			defer wg.Done()

			accounts, listErr := s.listAccounts(ctx, client, consent.ID)
			if listErr != nil {
				if engerr.IsConsentInvalid(listErr) {
					if invErr := s.registry.Invalidate(ctx, consent.ID); invErr != nil {
						log.Ctx(ctx).Warn().Err(invErr).
							Str("consent_id", consent.ID).
							Msg("failed to expire invalid consent")
					}
				}
				mu.Lock()
				failures = append(failures, domain.ProviderError{
					Provider: consent.Provider,
					Reason:   failureReason(listErr),
				})
				mu.Unlock()
				return
			}

			for _, account := range accounts {
				balance := s.readBalance(ctx, client, consent.ID, account.ID)
				mu.Lock()
				balances = append(balances, domain.AccountBalance{
					Account: account,
					Balance: balance,
				})
				mu.Unlock()
			}
		}(consent, client)
	}

	wg.Wait()
	return balances, failures, nil
}

func (s *AccountService) listAccounts(ctx context.Context, client bank.Client, consentID string) ([]domain.Account, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.perCallTimeout)
	defer cancel()
	return client.ListAccounts(callCtx, consentID)
}

// readBalance degrades any balance failure to a zero balance: a broken
// balance must not drop the account from the listing.
func (s *AccountService) readBalance(ctx context.Context, client bank.Client, consentID, accountID string) domain.Balance {
	callCtx, cancel := context.WithTimeout(ctx, s.perCallTimeout)
	defer cancel()

	balance, err := client.GetBalance(callCtx, consentID, accountID)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("provider", client.Provider().Name).
			Str("account_id", accountID).
			Msg("balance read failed, degrading to zero")
		return domain.ZeroBalance()
	}
	return balance
}

// TransactionFilter narrows a transaction listing by amount.
type TransactionFilter struct {
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
}

func (f TransactionFilter) match(tx domain.Transaction) bool {
	if f.MinAmount != nil && tx.Amount.LessThan(*f.MinAmount) {
		return false
	}
	if f.MaxAmount != nil && tx.Amount.GreaterThan(*f.MaxAmount) {
		return false
	}
	return true
}

// ListTransactions returns one account's history under a consent, filtered
// client-side. The second return reports whether the listing came from the
// cache.
func (s *AccountService) ListTransactions(
	ctx context.Context,
	provider, consentID, accountID string,
	r bank.TransactionRange,
	filter TransactionFilter,
) ([]domain.Transaction, bool, error) {
	consent, err := s.registry.Get(ctx, consentID)
	if err != nil {
		return nil, false, err
	}
	if consent.Provider != provider {
		return nil, false, engerr.NewConsentInvalid("consent belongs to a different provider")
	}
	if !consent.Usable() {
		return nil, false, engerr.NewConsentInvalid("consent is not authorized")
	}

	client, ok := s.banks[provider]
	if !ok {
		return nil, false, engerr.ErrUnknownProvider
	}

	cacheKey := consentID + ":" + accountID
	if item := s.txCache.Get(cacheKey); item != nil {
		return filterTransactions(item.Value(), r, filter), true, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.perCallTimeout)
	defer cancel()

	// Fetch unbounded and filter locally so the cache entry serves any
	// later range.
	transactions, err := client.ListTransactions(callCtx, consentID, accountID, bank.TransactionRange{})
	if err != nil {
		if engerr.IsConsentInvalid(err) {
			if invErr := s.registry.Invalidate(ctx, consentID); invErr != nil {
				log.Ctx(ctx).Warn().Err(invErr).
					Str("consent_id", consentID).
					Msg("failed to expire invalid consent")
			}
		}
		return nil, false, err
	}

	s.txCache.Set(cacheKey, transactions, s.txTTL)
	return filterTransactions(transactions, r, filter), false, nil
}

func filterTransactions(transactions []domain.Transaction, r bank.TransactionRange, filter TransactionFilter) []domain.Transaction {
	out := make([]domain.Transaction, 0, len(transactions))
	for _, tx := range transactions {
		if !r.From.IsZero() && tx.BookedAt.Before(r.From) {
			continue
		}
		if !r.To.IsZero() && tx.BookedAt.After(r.To) {
			continue
		}
		if !filter.match(tx) {
			continue
		}
		out = append(out, tx)
	}
	return out
}

func failureReason(err error) string {
	var ee *engerr.EngineError
	if stderrors.As(err, &ee) {
		return ee.Reason
	}
	return err.Error()
}
