package domain

// AuthorizationMode describes how a provider grants consents and payments.
type AuthorizationMode string

const (
	// AuthorizationAuto means consents become usable synchronously on creation.
	AuthorizationAuto AuthorizationMode = "auto"
	// AuthorizationManual means the user must approve the consent (or payment)
	// in the bank's own UI before it becomes usable.
	AuthorizationManual AuthorizationMode = "manual"
)

// Provider is the static identity of an Open Banking provider. Providers are
// loaded once at startup and never mutated.
type Provider struct {
	Name        string            `json:"name"`
	BaseURL     string            `json:"base_url"`
	Mode        AuthorizationMode `json:"mode"`
	ApprovalURL string            `json:"approval_url,omitempty"` // bank-side UI for signing pending consents (manual only)
}

// Manual reports whether the provider requires out-of-band user approval.
func (p Provider) Manual() bool {
	return p.Mode == AuthorizationManual
}

// DefaultProviders returns the three sandbox providers the engine is built
// against. SBank requires manual approval; ABank and VBank auto-grant.
func DefaultProviders() []Provider {
	return []Provider{
		{
			Name:    "abank",
			BaseURL: "https://abank.open.bankingapi.ru",
			Mode:    AuthorizationAuto,
		},
		{
			Name:        "sbank",
			BaseURL:     "https://sbank.open.bankingapi.ru",
			Mode:        AuthorizationManual,
			ApprovalURL: "https://sbank.open.bankingapi.ru/client/consents.html",
		},
		{
			Name:    "vbank",
			BaseURL: "https://vbank.open.bankingapi.ru",
			Mode:    AuthorizationAuto,
		},
	}
}
