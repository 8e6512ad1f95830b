package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/selfwork/taxgate/cache"
	"github.com/selfwork/taxgate/domain"
	engerr "github.com/selfwork/taxgate/errors"
)

const defaultTokenLifetime = time.Hour

var accountPermissions = []string{
	"ReadAccountsBasic",
	"ReadAccountsDetail",
	"ReadBalances",
	"ReadTransactionsBasic",
	"ReadTransactionsDetail",
}

// restClient implements Client against one provider's REST API. All three
// sandbox providers share endpoint paths; they differ in authorization mode
// and response shapes, both absorbed here.
type restClient struct {
	provider domain.Provider
	creds    Credentials
	http     *http.Client
	tokens   cache.TokenSource
}

// NewClient creates a provider adapter. httpClient carries the per-call
// timeout; tokens collapses concurrent authentications.
func NewClient(provider domain.Provider, creds Credentials, httpClient *http.Client, tokens cache.TokenSource) Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &restClient{
		provider: provider,
		creds:    creds,
		http:     httpClient,
		tokens:   tokens,
	}
}

func (c *restClient) Provider() domain.Provider {
	return c.provider
}

// Authenticate implements the raw token-endpoint call. Regular callers reach
// it through the token source.
func (c *restClient) Authenticate(ctx context.Context) (cache.Token, error) {
	query := url.Values{}
	query.Set("client_id", c.creds.ClientID)
	query.Set("client_secret", c.creds.ClientSecret)

	status, body, err := c.do(ctx, http.MethodPost, "/auth/bank-token", query, nil, nil)
	if err != nil {
		return cache.Token{}, err
	}
	if status == http.StatusUnauthorized || status == http.StatusBadRequest {
		return cache.Token{}, engerr.NewAuthFailure(c.provider.Name, fmt.Errorf("token endpoint returned %d", status))
	}
	if status >= 300 {
		return cache.Token{}, fmt.Errorf("%s token endpoint returned %d", c.provider.Name, status)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.AccessToken == "" {
		return cache.Token{}, engerr.NewAuthFailure(c.provider.Name, fmt.Errorf("token endpoint returned no access_token"))
	}

	lifetime := time.Duration(payload.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}

	log.Ctx(ctx).Info().
		Str("provider", c.provider.Name).
		Dur("lifetime", lifetime).
		Msg("authenticated with provider")

	return cache.Token{Value: payload.AccessToken, ExpiresAt: time.Now().Add(lifetime)}, nil
}

func (c *restClient) token(ctx context.Context) (string, error) {
	return c.tokens.Token(ctx, c.provider.Name, c.Authenticate)
}

// CreateConsent implements Client.CreateConsent.
func (c *restClient) CreateConsent(ctx context.Context, subjectID string) (*ConsentResult, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("client_id", subjectID)
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"client_id":     subjectID,
	}
	payload := map[string]any{
		"data": map[string]any{
			"permissions": accountPermissions,
		},
	}

	status, body, err := c.do(ctx, http.MethodPost, "/account-access-consents", query, headers, payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.tokens.Invalidate(ctx, c.provider.Name)
		return nil, engerr.NewAuthFailure(c.provider.Name, fmt.Errorf("consent endpoint returned 401"))
	}
	if status == http.StatusForbidden || status == http.StatusUnprocessableEntity {
		// Provider-side rejection is a denied result, not an error.
		log.Ctx(ctx).Warn().
			Str("provider", c.provider.Name).
			Str("subject_id", subjectID).
			Int("status", status).
			Msg("provider rejected consent request")
		return &ConsentResult{State: domain.ConsentStateDenied}, nil
	}
	if status >= 300 {
		return nil, fmt.Errorf("%s consent endpoint returned %d", c.provider.Name, status)
	}

	id, rawStatus, err := parseConsentPayload(body)
	if err != nil {
		return nil, engerr.NewNormalizationFailure(c.provider.Name, err)
	}

	state, known := mapConsentState(rawStatus)
	if !known {
		// Providers occasionally omit the status; default by mode.
		if c.provider.Manual() {
			state = domain.ConsentStatePendingApproval
		} else {
			state = domain.ConsentStateAuthorized
		}
	}

	switch state {
	case domain.ConsentStateAuthorized:
		return &ConsentResult{State: state, ConsentID: id}, nil
	case domain.ConsentStatePendingApproval:
		return &ConsentResult{
			State:       state,
			RequestID:   id,
			ApprovalURL: c.provider.ApprovalURL,
		}, nil
	default:
		return &ConsentResult{State: domain.ConsentStateDenied}, nil
	}
}

// GetConsentStatus implements Client.GetConsentStatus.
func (c *restClient) GetConsentStatus(ctx context.Context, requestID string) (*ConsentResult, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"Authorization": "Bearer " + token}

	status, body, err := c.do(ctx, http.MethodGet, "/account-consents/"+url.PathEscape(requestID), nil, headers, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.tokens.Invalidate(ctx, c.provider.Name)
		return nil, engerr.NewAuthFailure(c.provider.Name, fmt.Errorf("consent status endpoint returned 401"))
	}
	if status == http.StatusNotFound {
		return nil, engerr.ErrConsentNotFound
	}
	if status >= 300 {
		return nil, fmt.Errorf("%s consent status endpoint returned %d", c.provider.Name, status)
	}

	id, rawStatus, err := parseConsentPayload(body)
	if err != nil {
		return nil, engerr.NewNormalizationFailure(c.provider.Name, err)
	}

	state, known := mapConsentState(rawStatus)
	if !known {
		state = domain.ConsentStatePendingApproval
	}

	result := &ConsentResult{State: state}
	switch state {
	case domain.ConsentStateAuthorized:
		result.ConsentID = id
	case domain.ConsentStatePendingApproval:
		result.RequestID = requestID
		result.ApprovalURL = c.provider.ApprovalURL
	}
	return result, nil
}

// RevokeConsent implements Client.RevokeConsent.
func (c *restClient) RevokeConsent(ctx context.Context, consentID string) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	headers := map[string]string{"Authorization": "Bearer " + token}

	status, _, err := c.do(ctx, http.MethodDelete, "/account-consents/"+url.PathEscape(consentID), nil, headers, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return engerr.ErrConsentNotFound
	}
	if status >= 300 {
		return fmt.Errorf("%s consent revoke endpoint returned %d", c.provider.Name, status)
	}
	return nil
}

// consentScoped performs a GET under a consent and maps 401/403 onto the
// error taxonomy.
func (c *restClient) consentScoped(ctx context.Context, path, consentID string, query url.Values) ([]byte, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"consent_id":    consentID,
		"client_id":     c.creds.ClientID,
	}

	status, body, err := c.do(ctx, http.MethodGet, path, query, headers, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusUnauthorized:
		c.tokens.Invalidate(ctx, c.provider.Name)
		return nil, engerr.NewAuthFailure(c.provider.Name, fmt.Errorf("%s returned 401", path))
	case status == http.StatusForbidden:
		return nil, engerr.NewConsentInvalid(fmt.Sprintf("consent is no longer valid at %s", c.provider.Name))
	case status >= 300:
		return nil, fmt.Errorf("%s %s returned %d", c.provider.Name, path, status)
	}
	return body, nil
}

// ListAccounts implements Client.ListAccounts.
func (c *restClient) ListAccounts(ctx context.Context, consentID string) ([]domain.Account, error) {
	query := url.Values{}
	query.Set("client_id", c.creds.ClientID)

	body, err := c.consentScoped(ctx, "/accounts", consentID, query)
	if err != nil {
		return nil, err
	}

	accounts, err := normalizeAccounts(body)
	if err != nil {
		return nil, engerr.NewNormalizationFailure(c.provider.Name, err)
	}
	for i := range accounts {
		accounts[i].Provider = c.provider.Name
		accounts[i].ConsentID = consentID
	}
	return accounts, nil
}

// GetBalance implements Client.GetBalance. Unrecognized balance shapes
// degrade to a zero balance; only transport and consent errors propagate.
func (c *restClient) GetBalance(ctx context.Context, consentID, accountID string) (domain.Balance, error) {
	body, err := c.consentScoped(ctx, "/accounts/"+url.PathEscape(accountID)+"/balances", consentID, nil)
	if err != nil {
		return domain.ZeroBalance(), err
	}

	balance, err := normalizeBalance(body)
	if err != nil {
		log.Ctx(ctx).Warn().
			Str("provider", c.provider.Name).
			Str("account_id", accountID).
			Err(err).
			Msg("balance normalization failed, degrading to zero")
	}
	return balance, nil
}

// ListTransactions implements Client.ListTransactions.
func (c *restClient) ListTransactions(ctx context.Context, consentID, accountID string, r TransactionRange) ([]domain.Transaction, error) {
	query := url.Values{}
	query.Set("client_id", c.creds.ClientID)

	body, err := c.consentScoped(ctx, "/transactions", consentID, query)
	if err != nil {
		return nil, err
	}

	transactions, err := normalizeTransactions(body, accountID, r)
	if err != nil {
		return nil, engerr.NewNormalizationFailure(c.provider.Name, err)
	}
	return transactions, nil
}

func paymentInitiation(order PaymentOrder, providerName string) map[string]any {
	return map[string]any{
		"instructedAmount": map[string]any{
			"amount":   order.Amount.StringFixed(2),
			"currency": currencyOrDefault(order.Currency),
		},
		"debtorAccount": map[string]any{
			"schemeName":     "RU.CBR.PAN",
			"identification": order.AccountID,
		},
		"creditorAccount": map[string]any{
			"schemeName":     "RU.CBR.PAN",
			"identification": order.Recipient.Account,
			"bank_code":      providerName,
		},
		"comment": order.Reference,
	}
}

// InitiatePayment implements Client.InitiatePayment. The provider runs a
// two-step protocol (payment consent, then submission); auto-grant providers
// complete both steps here, manual providers stop after the first and hand
// back an approval URL.
func (c *restClient) InitiatePayment(ctx context.Context, consentID string, order PaymentOrder) (*PaymentResult, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("client_id", c.creds.ClientID)
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"client_id":     c.creds.ClientID,
		"consent_id":    consentID,
	}
	payload := map[string]any{
		"data": map[string]any{
			"permissions": []string{"CreatePayment"},
			"initiation":  paymentInitiation(order, c.provider.Name),
		},
	}

	status, body, err := c.do(ctx, http.MethodPost, "/payment-consents", query, headers, payload)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusUnauthorized:
		c.tokens.Invalidate(ctx, c.provider.Name)
		return nil, engerr.NewAuthFailure(c.provider.Name, fmt.Errorf("payment consent endpoint returned 401"))
	case status == http.StatusForbidden:
		return nil, engerr.NewConsentInvalid(fmt.Sprintf("consent is no longer valid at %s", c.provider.Name))
	case status >= 300:
		return nil, fmt.Errorf("%s payment consent endpoint returned %d", c.provider.Name, status)
	}

	id, rawStatus, err := parseConsentPayload(body)
	if err != nil {
		return nil, engerr.NewNormalizationFailure(c.provider.Name, err)
	}
	if id == "" {
		return nil, engerr.NewNormalizationFailure(c.provider.Name, fmt.Errorf("payment consent response has no id"))
	}

	state, known := mapConsentState(rawStatus)
	if !known {
		if c.provider.Manual() {
			state = domain.ConsentStatePendingApproval
		} else {
			state = domain.ConsentStateAuthorized
		}
	}

	if state == domain.ConsentStatePendingApproval {
		return &PaymentResult{
			Status:      PaymentPendingApproval,
			RequestID:   id,
			ApprovalURL: c.provider.ApprovalURL,
		}, nil
	}
	if state != domain.ConsentStateAuthorized {
		return nil, engerr.NewConsentInvalid(fmt.Sprintf("payment consent rejected by %s", c.provider.Name))
	}

	return c.submitPayment(ctx, id, order)
}

// ConfirmPayment implements Client.ConfirmPayment.
func (c *restClient) ConfirmPayment(ctx context.Context, requestID string, order PaymentOrder) (*PaymentResult, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"Authorization": "Bearer " + token}

	status, body, err := c.do(ctx, http.MethodGet, "/payment-consents/"+url.PathEscape(requestID), nil, headers, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, engerr.ErrPendingPaymentNotFound
	}
	if status >= 300 {
		return nil, fmt.Errorf("%s payment consent status endpoint returned %d", c.provider.Name, status)
	}

	id, rawStatus, err := parseConsentPayload(body)
	if err != nil {
		return nil, engerr.NewNormalizationFailure(c.provider.Name, err)
	}

	state, known := mapConsentState(rawStatus)
	if !known {
		state = domain.ConsentStatePendingApproval
	}

	switch state {
	case domain.ConsentStatePendingApproval:
		return &PaymentResult{
			Status:      PaymentPendingApproval,
			RequestID:   requestID,
			ApprovalURL: c.provider.ApprovalURL,
		}, nil
	case domain.ConsentStateAuthorized:
		if id == "" {
			id = requestID
		}
		return c.submitPayment(ctx, id, order)
	default:
		return nil, engerr.NewConsentInvalid(fmt.Sprintf("payment approval was rejected at %s", c.provider.Name))
	}
}

// submitPayment executes the second protocol step against an authorized
// payment consent.
func (c *restClient) submitPayment(ctx context.Context, paymentConsentID string, order PaymentOrder) (*PaymentResult, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("client_id", c.creds.ClientID)
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"client_id":     c.creds.ClientID,
		"consent_id":    paymentConsentID,
	}
	payload := map[string]any{
		"data": map[string]any{
			"initiation": paymentInitiation(order, c.provider.Name),
		},
	}

	status, body, err := c.do(ctx, http.MethodPost, "/payments", query, headers, payload)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusUnauthorized:
		c.tokens.Invalidate(ctx, c.provider.Name)
		return nil, engerr.NewAuthFailure(c.provider.Name, fmt.Errorf("payment endpoint returned 401"))
	case status == http.StatusForbidden:
		return nil, engerr.NewConsentInvalid(fmt.Sprintf("payment consent is no longer valid at %s", c.provider.Name))
	case status >= 300:
		return nil, fmt.Errorf("%s payment endpoint returned %d", c.provider.Name, status)
	}

	paymentID, _, err := parsePaymentPayload(body)
	if err != nil || paymentID == "" {
		return nil, engerr.NewNormalizationFailure(c.provider.Name, fmt.Errorf("payment response has no payment id"))
	}

	log.Ctx(ctx).Info().
		Str("provider", c.provider.Name).
		Str("payment_id", paymentID).
		Str("account_id", order.AccountID).
		Msg("payment submitted")

	return &PaymentResult{Status: PaymentCompleted, PaymentID: paymentID}, nil
}

// do performs one HTTP call and maps transport failures onto the taxonomy.
func (c *restClient) do(ctx context.Context, method, path string, query url.Values, headers map[string]string, payload any) (int, []byte, error) {
	endpoint := c.provider.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, c.wrapTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, c.wrapTransport(err)
	}
	return resp.StatusCode, body, nil
}

// wrapTransport maps network-level failures onto provider_timeout: both
// deadline hits and connection failures are transient from the caller's view.
func (c *restClient) wrapTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return engerr.NewProviderTimeout(c.provider.Name, err)
}
