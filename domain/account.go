package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a read-through projection from a provider. It is never persisted
// and always carries the consent it was fetched under.
type Account struct {
	ID        string `json:"account_id"`
	Name      string `json:"name,omitempty"`
	Type      string `json:"type,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Provider  string `json:"provider"`
	ConsentID string `json:"consent_id"`
}

// Balance is the normalized amount attached to an account at read time.
// Malformed or missing provider data degrades to a zero RUB balance.
type Balance struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// ZeroBalance is the value malformed balance responses degrade to.
func ZeroBalance() Balance {
	return Balance{Amount: decimal.Zero, Currency: "RUB"}
}

// AccountBalance pairs an account with the balance read alongside it.
type AccountBalance struct {
	Account Account `json:"account"`
	Balance Balance `json:"balance"`
}

// Transaction is a normalized entry from an account's history.
type Transaction struct {
	ID          string          `json:"transaction_id"`
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	BookedAt    time.Time       `json:"booked_at"`
}

// ProviderError reports one provider's failure inside an aggregate listing
// that otherwise succeeded.
type ProviderError struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}
