//nolint:varnamelen
package echo

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/selfwork/taxgate/domain"
	engerr "github.com/selfwork/taxgate/errors"
	"github.com/selfwork/taxgate/internal/bank"
	"github.com/selfwork/taxgate/services"
)

// EngineAPI struct to hold dependencies.
type EngineAPI struct {
	consents *services.ConsentService
	accounts *services.AccountService
	payments *services.PaymentService
}

// NewEngineAPI initializes the engine HTTP API.
func NewEngineAPI(
	consents *services.ConsentService,
	accounts *services.AccountService,
	payments *services.PaymentService,
) *EngineAPI {
	return &EngineAPI{
		consents: consents,
		accounts: accounts,
		payments: payments,
	}
}

// RegisterRoutes registers the engine routes.
func (ea *EngineAPI) RegisterRoutes(e *echo.Echo) {
	e.POST("/consents", ea.RequestConsentHandler)
	e.GET("/consents", ea.ListConsentsHandler)
	e.GET("/consents/resolve", ea.ResolveConsentHandler)
	e.DELETE("/consents/:id", ea.RevokeConsentHandler)

	e.GET("/accounts", ea.ListAccountsHandler)
	e.GET("/transactions", ea.ListTransactionsHandler)

	e.POST("/obligations/sync", ea.SyncObligationHandler)
	e.GET("/obligations", ea.ListObligationsHandler)
	e.GET("/obligations/:id", ea.GetObligationHandler)
	e.POST("/obligations/:id/pay", ea.PayHandler)
	e.POST("/obligations/:id/confirm", ea.ConfirmApprovalHandler)
}

// RequestConsentHandler creates an account-access consent at the chosen
// provider. Auto-approving providers return an authorized consent directly;
// manual ones return a pending consent carrying the approval URL the user
// must visit.
func (ea *EngineAPI) RequestConsentHandler(c echo.Context) error {
	provider := c.QueryParam("provider")
	subjectID := c.QueryParam("subject")
	if provider == "" || subjectID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":  "invalid_request",
			"reason": "provider and subject parameters are required",
		})
	}

	consent, err := ea.consents.RequestConsent(c.Request().Context(), provider, subjectID)
	if err != nil {
		return ea.writeError(c, err)
	}

	return c.JSON(http.StatusCreated, consent)
}

// ListConsentsHandler lists every consent known for a subject, any state.
func (ea *EngineAPI) ListConsentsHandler(c echo.Context) error {
	subjectID := c.QueryParam("subject")
	if subjectID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":  "invalid_request",
			"reason": "subject parameter is required",
		})
	}

	consents, err := ea.consents.ListConsents(c.Request().Context(), subjectID)
	if err != nil {
		return ea.writeError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"consents": consents})
}

// ResolveConsentHandler re-checks a pending consent against its provider and
// applies the outcome. Calling it on an already resolved consent is a no-op
// returning the stored record.
func (ea *EngineAPI) ResolveConsentHandler(c echo.Context) error {
	provider := c.QueryParam("provider")
	requestID := c.QueryParam("request_id")
	if provider == "" || requestID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":  "invalid_request",
			"reason": "provider and request_id parameters are required",
		})
	}

	consent, err := ea.consents.ResolveConsent(c.Request().Context(), provider, requestID)
	if err != nil {
		return ea.writeError(c, err)
	}

	return c.JSON(http.StatusOK, consent)
}

// RevokeConsentHandler revokes a consent both at the provider and locally.
// A consent the provider no longer knows is still marked revoked here.
func (ea *EngineAPI) RevokeConsentHandler(c echo.Context) error {
	provider := c.QueryParam("provider")
	consentID := c.Param("id")
	if provider == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":  "invalid_request",
			"reason": "provider parameter is required",
		})
	}

	consent, err := ea.consents.RevokeConsent(c.Request().Context(), provider, consentID)
	if err != nil {
		return ea.writeError(c, err)
	}

	return c.JSON(http.StatusOK, consent)
}

// ListAccountsHandler aggregates accounts and balances across every usable
// consent of the subject. Provider failures do not fail the whole listing;
// they are reported alongside the partial result.
func (ea *EngineAPI) ListAccountsHandler(c echo.Context) error {
	subjectID := c.QueryParam("subject")
	if subjectID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":  "invalid_request",
			"reason": "subject parameter is required",
		})
	}

	balances, failures, err := ea.accounts.ListAccountsWithBalances(c.Request().Context(), subjectID)
	if err != nil {
		return ea.writeError(c, err)
	}

	resp := echo.Map{"accounts": balances}
	if len(failures) > 0 {
		resp["failures"] = failures
	}

	return c.JSON(http.StatusOK, resp)
}

// ListTransactionsHandler returns one account's history under a consent,
// filtered by optional date range and amount bounds.
func (ea *EngineAPI) ListTransactionsHandler(c echo.Context) error {
	provider := c.QueryParam("provider")
	consentID := c.QueryParam("consent_id")
	accountID := c.QueryParam("account_id")
	if provider == "" || consentID == "" || accountID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":  "invalid_request",
			"reason": "provider, consent_id and account_id parameters are required",
		})
	}

	var tr bank.TransactionRange
	if from := c.QueryParam("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error":  "invalid_request",
				"reason": "from must be RFC3339",
			})
		}
		tr.From = t
	}
	if to := c.QueryParam("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error":  "invalid_request",
				"reason": "to must be RFC3339",
			})
		}
		tr.To = t
	}

	var filter services.TransactionFilter
	if raw := c.QueryParam("min_amount"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error":  "invalid_request",
				"reason": "min_amount must be a decimal",
			})
		}
		filter.MinAmount = &d
	}
	if raw := c.QueryParam("max_amount"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error":  "invalid_request",
				"reason": "max_amount must be a decimal",
			})
		}
		filter.MaxAmount = &d
	}

	txs, cached, err := ea.accounts.ListTransactions(
		c.Request().Context(), provider, consentID, accountID, tr, filter)
	if err != nil {
		return ea.writeError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"transactions": txs,
		"cached":       cached,
	})
}

// SyncObligationRequest is the body of POST /obligations/sync.
type SyncObligationRequest struct {
	SubjectID string          `json:"subject_id"`
	PayerINN  string          `json:"payer_inn"`
	Amount    decimal.Decimal `json:"amount"`
}

// SyncObligationHandler records the tax owed for the previous period. Syncing
// a period twice returns 409 with the existing obligation.
func (ea *EngineAPI) SyncObligationHandler(c echo.Context) error {
	var req SyncObligationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":  "invalid_request",
			"reason": "malformed request body",
		})
	}
	if req.SubjectID == "" || req.PayerINN == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":  "invalid_request",
			"reason": "subject_id and payer_inn are required",
		})
	}

	obligation, err := ea.payments.SyncObligation(
		c.Request().Context(), req.SubjectID, req.PayerINN, req.Amount)
	if errors.Is(err, engerr.ErrDuplicatePeriod) {
		return c.JSON(http.StatusConflict, echo.Map{
			"error":      "duplicate_period",
			"obligation": obligation,
		})
	}
	if err != nil {
		return ea.writeError(c, err)
	}

	return c.JSON(http.StatusCreated, obligation)
}

// ListObligationsHandler lists a subject's obligations, optionally filtered
// by status.
func (ea *EngineAPI) ListObligationsHandler(c echo.Context) error {
	subjectID := c.QueryParam("subject")
	if subjectID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":  "invalid_request",
			"reason": "subject parameter is required",
		})
	}

	status := domain.ObligationStatus(c.QueryParam("status"))

	obligations, err := ea.payments.ListObligations(c.Request().Context(), subjectID, status)
	if err != nil {
		return ea.writeError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"obligations": obligations})
}

// GetObligationHandler returns one obligation by id.
func (ea *EngineAPI) GetObligationHandler(c echo.Context) error {
	obligation, err := ea.payments.GetObligation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return ea.writeError(c, err)
	}

	return c.JSON(http.StatusOK, obligation)
}

// PayRequest is the body of POST /obligations/:id/pay.
type PayRequest struct {
	Provider  string `json:"provider"`
	AccountID string `json:"account_id"`
	ConsentID string `json:"consent_id"`
}

// PayHandler initiates payment of an obligation. The selected consent must
// belong to the named provider and the obligation's subject, or the request
// is rejected before any provider call. Manual providers answer 202 with an
// approval URL; auto providers answer 200 paid.
func (ea *EngineAPI) PayHandler(c echo.Context) error {
	var req PayRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":  "invalid_request",
			"reason": "malformed request body",
		})
	}
	if req.Provider == "" || req.AccountID == "" || req.ConsentID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":  "invalid_request",
			"reason": "provider, account_id and consent_id are required",
		})
	}

	outcome, err := ea.payments.Pay(
		c.Request().Context(), c.Param("id"), req.Provider, req.AccountID, req.ConsentID)
	if err != nil {
		return ea.writeError(c, err)
	}

	if outcome.Status == services.PaymentOutcomePending {
		return c.JSON(http.StatusAccepted, outcome)
	}
	return c.JSON(http.StatusOK, outcome)
}

// ConfirmApprovalHandler re-checks a payment awaiting manual approval.
// Confirming an already paid obligation is a no-op returning the paid
// outcome.
func (ea *EngineAPI) ConfirmApprovalHandler(c echo.Context) error {
	outcome, err := ea.payments.ConfirmApproval(c.Request().Context(), c.Param("id"))
	if err != nil {
		return ea.writeError(c, err)
	}

	if outcome.Status == services.PaymentOutcomePending {
		return c.JSON(http.StatusAccepted, outcome)
	}
	return c.JSON(http.StatusOK, outcome)
}

// writeError translates engine errors and store sentinels into HTTP
// responses. Unknown errors are logged and answered 500 without leaking
// internals.
func (ea *EngineAPI) writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, engerr.ErrConsentNotFound),
		errors.Is(err, engerr.ErrObligationNotFound),
		errors.Is(err, engerr.ErrPendingPaymentNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not_found"})
	case errors.Is(err, engerr.ErrUnknownProvider):
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":  "invalid_request",
			"reason": "unknown provider",
		})
	case errors.Is(err, engerr.ErrObligationAlreadyPaid):
		return c.JSON(http.StatusConflict, echo.Map{"error": "already_paid"})
	case errors.Is(err, engerr.ErrInvalidTransition):
		return c.JSON(http.StatusConflict, echo.Map{"error": "invalid_transition"})
	}

	var ee *engerr.EngineError
	if errors.As(err, &ee) {
		switch ee.Code {
		case engerr.AuthFailure:
			return c.JSON(http.StatusBadGateway, ee)
		case engerr.ConsentInvalid:
			return c.JSON(http.StatusConflict, ee)
		case engerr.ProviderTimeout:
			return c.JSON(http.StatusGatewayTimeout, ee)
		case engerr.ApprovalTimeout:
			return c.JSON(http.StatusGatewayTimeout, ee)
		default:
			return c.JSON(http.StatusBadGateway, ee)
		}
	}

	log.Ctx(c.Request().Context()).Error().Err(err).Msg("unhandled engine error")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "server_error"})
}
