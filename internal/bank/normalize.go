package bank

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/selfwork/taxgate/domain"
)

// Providers disagree on envelope nesting and field casing: some wrap payloads
// in {"Data": {...}} with CamelCase keys per the UK OB spec, some return flat
// snake_case objects, some return bare arrays. Everything below folds those
// into the internal model; normalization happens here and nowhere else.

func unwrapData(raw []byte) []byte {
	var envelope struct {
		Data json.RawMessage `json:"Data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 {
		return envelope.Data
	}
	return raw
}

func asObject(raw []byte) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// pickString returns the first present, non-empty string value among keys.
func pickString(obj map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err == nil && value != "" {
			return value
		}
	}
	return ""
}

func pickDecimal(obj map[string]json.RawMessage, keys ...string) decimal.Decimal {
	for _, key := range keys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		var value decimal.Decimal
		if err := json.Unmarshal(raw, &value); err == nil {
			return value
		}
	}
	return decimal.Zero
}

// mapConsentState folds the provider status vocabulary into the internal
// consent state machine.
func mapConsentState(status string) (domain.ConsentState, bool) {
	switch strings.ToLower(status) {
	case "authorised", "authorized", "approved", "active", "valid":
		return domain.ConsentStateAuthorized, true
	case "awaitingauthorisation", "awaitingauthorization", "pending":
		return domain.ConsentStatePendingApproval, true
	case "rejected", "denied":
		return domain.ConsentStateDenied, true
	case "revoked":
		return domain.ConsentStateRevoked, true
	case "expired":
		return domain.ConsentStateExpired, true
	}
	return "", false
}

// parseConsentPayload decodes a consent create/status response body.
func parseConsentPayload(raw []byte) (id, status string, err error) {
	obj, ok := asObject(unwrapData(raw))
	if !ok {
		return "", "", fmt.Errorf("consent payload is not an object")
	}
	id = pickString(obj, "ConsentId", "consent_id", "id")
	status = pickString(obj, "Status", "status")
	return id, status, nil
}

// parsePaymentPayload decodes a payment submission response body.
func parsePaymentPayload(raw []byte) (id, status string, err error) {
	obj, ok := asObject(unwrapData(raw))
	if !ok {
		return "", "", fmt.Errorf("payment payload is not an object")
	}
	id = pickString(obj, "PaymentId", "payment_id", "id")
	status = pickString(obj, "Status", "status")
	return id, status, nil
}

// normalizeBalance folds the known balance shapes (a flat number, a wrapped
// {amount, currency} object, an array of balance objects) into one Balance. Any other shape degrades to a zero RUB balance with an error the
// caller logs but does not propagate.
func normalizeBalance(raw []byte) (domain.Balance, error) {
	trimmed := bytes.TrimSpace(unwrapData(raw))
	if len(trimmed) == 0 {
		return domain.ZeroBalance(), fmt.Errorf("empty balance payload")
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil || len(items) == 0 {
			return domain.ZeroBalance(), fmt.Errorf("unreadable balance array")
		}
		return normalizeBalance(items[0])
	case '{':
		obj, ok := asObject(trimmed)
		if !ok {
			return domain.ZeroBalance(), fmt.Errorf("unreadable balance object")
		}
		// Some providers nest once more: {"balance": {...}} or
		// {"balances": [...]}.
		for _, key := range []string{"balance", "Balance", "balances", "Balances"} {
			if nested, present := obj[key]; present {
				return normalizeBalance(nested)
			}
		}
		amountRaw, present := obj["amount"]
		if !present {
			amountRaw, present = obj["Amount"]
		}
		if !present {
			return domain.ZeroBalance(), fmt.Errorf("balance object has no amount")
		}
		// The amount itself may be wrapped again ({"Amount": {"Amount":
		// "12.00", "Currency": "RUB"}}).
		if nestedObj, isObj := asObject(amountRaw); isObj {
			return domain.Balance{
				Amount:   pickDecimal(nestedObj, "Amount", "amount"),
				Currency: currencyOrDefault(pickString(nestedObj, "Currency", "currency")),
			}, nil
		}
		var amount decimal.Decimal
		if err := json.Unmarshal(amountRaw, &amount); err != nil {
			return domain.ZeroBalance(), fmt.Errorf("unreadable balance amount: %w", err)
		}
		return domain.Balance{
			Amount:   amount,
			Currency: currencyOrDefault(pickString(obj, "currency", "Currency")),
		}, nil
	default:
		var amount decimal.Decimal
		if err := json.Unmarshal(trimmed, &amount); err != nil {
			return domain.ZeroBalance(), fmt.Errorf("unreadable balance payload")
		}
		return domain.Balance{Amount: amount, Currency: "RUB"}, nil
	}
}

func currencyOrDefault(currency string) string {
	if currency == "" {
		return "RUB"
	}
	return currency
}

// normalizeAccounts folds {"accounts": [...]}, {"Data": {"Account": [...]}}
// and bare arrays into the internal account model. Provider and consent tags
// are stamped by the caller.
func normalizeAccounts(raw []byte) ([]domain.Account, error) {
	body := unwrapData(raw)
	if obj, ok := asObject(body); ok {
		found := false
		for _, key := range []string{"accounts", "Account", "Accounts"} {
			if nested, present := obj[key]; present {
				body = nested
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("accounts payload has no account list")
		}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(body), &items); err != nil {
		return nil, fmt.Errorf("unreadable accounts payload: %w", err)
	}

	accounts := make([]domain.Account, 0, len(items))
	for _, item := range items {
		obj, ok := asObject(item)
		if !ok {
			continue
		}
		id := pickString(obj, "AccountId", "account_id", "accountId", "id")
		if id == "" {
			continue
		}
		accounts = append(accounts, domain.Account{
			ID:       id,
			Name:     pickString(obj, "Nickname", "name", "account_name"),
			Type:     pickString(obj, "AccountType", "type", "account_type"),
			Currency: currencyOrDefault(pickString(obj, "Currency", "currency")),
		})
	}
	return accounts, nil
}

// normalizeTransactions folds {"transactions": [...]} and bare arrays into
// the internal transaction model, filtered to one account and a time range.
func normalizeTransactions(raw []byte, accountID string, r TransactionRange) ([]domain.Transaction, error) {
	body := unwrapData(raw)
	if obj, ok := asObject(body); ok {
		found := false
		for _, key := range []string{"transactions", "Transaction", "Transactions"} {
			if nested, present := obj[key]; present {
				body = nested
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("transactions payload has no transaction list")
		}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(body), &items); err != nil {
		return nil, fmt.Errorf("unreadable transactions payload: %w", err)
	}

	transactions := make([]domain.Transaction, 0, len(items))
	for _, item := range items {
		obj, ok := asObject(item)
		if !ok {
			continue
		}
		tx := domain.Transaction{
			ID:          pickString(obj, "TransactionId", "transaction_id", "id"),
			AccountID:   pickString(obj, "AccountId", "account_id"),
			Amount:      pickDecimal(obj, "Amount", "amount"),
			Currency:    currencyOrDefault(pickString(obj, "Currency", "currency")),
			Description: pickString(obj, "TransactionInformation", "description", "comment", "purpose"),
			BookedAt:    parseTransactionTime(pickString(obj, "BookingDateTime", "date", "booked_at", "created_at")),
		}
		if tx.AccountID == "" {
			tx.AccountID = accountID
		}
		if accountID != "" && tx.AccountID != accountID {
			continue
		}
		if !r.From.IsZero() && tx.BookedAt.Before(r.From) {
			continue
		}
		if !r.To.IsZero() && tx.BookedAt.After(r.To) {
			continue
		}
		transactions = append(transactions, tx)
	}
	return transactions, nil
}

func parseTransactionTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
