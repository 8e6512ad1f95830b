package domain

import "time"

// PendingPayment is the ephemeral record of a payment submitted to a manual
// provider and awaiting user approval in the bank's UI. It is consumed
// exactly once by the confirmation step and does not survive a restart: the
// user restarts the payment instead.
type PendingPayment struct {
	ObligationID string    `json:"obligation_id"`
	Provider     string    `json:"provider"`
	ConsentID    string    `json:"consent_id"`
	AccountID    string    `json:"account_id"`
	RequestID    string    `json:"request_id"`
	ApprovalURL  string    `json:"approval_url"`
	CreatedAt    time.Time `json:"created_at"`
}
