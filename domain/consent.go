package domain

import "time"

// ConsentState represents the lifecycle state of an account-access consent.
type ConsentState string

const (
	ConsentStateRequested       ConsentState = "requested"
	ConsentStatePendingApproval ConsentState = "pending_approval"
	ConsentStateAuthorized      ConsentState = "authorized"
	ConsentStateDenied          ConsentState = "denied"
	ConsentStateExpired         ConsentState = "expired"
	ConsentStateRevoked         ConsentState = "revoked"
)

// Resolved reports whether the state is one no resolve call may move away
// from. Authorized is included: once authorized a consent only changes
// through explicit revocation or provider-side invalidation, never through
// another resolution.
func (s ConsentState) Resolved() bool {
	switch s {
	case ConsentStateAuthorized, ConsentStateDenied, ConsentStateExpired, ConsentStateRevoked:
		return true
	}
	return false
}

// Terminal reports whether the consent can never become usable again.
func (s ConsentState) Terminal() bool {
	switch s {
	case ConsentStateDenied, ConsentStateExpired, ConsentStateRevoked:
		return true
	}
	return false
}

// Consent represents a user's grant of account access at one provider.
//
// ID is the provider-issued consent id and stays empty until the consent is
// resolved. RequestID is the transient handle issued before the provider-side
// id is known; it is only ever set for manual providers and is never equal to
// the final consent id.
type Consent struct {
	ID          string       `bson:"consent_id,omitempty" json:"consent_id,omitempty"`
	RequestID   string       `bson:"request_id,omitempty" json:"request_id,omitempty"`
	Provider    string       `bson:"provider" json:"provider"`
	SubjectID   string       `bson:"subject_id" json:"subject_id"`
	State       ConsentState `bson:"state" json:"state"`
	ApprovalURL string       `bson:"approval_url,omitempty" json:"approval_url,omitempty"`
	CreatedAt   time.Time    `bson:"created_at" json:"created_at"`
	ResolvedAt  time.Time    `bson:"resolved_at,omitempty" json:"resolved_at,omitempty"`
}

// Usable reports whether the consent may back account reads and payments.
func (c *Consent) Usable() bool {
	return c.State == ConsentStateAuthorized && c.ID != ""
}

// CanTransition validates a single state-machine step. Transitions are
// monotonic: no state may revert to requested, and resolved states accept no
// further resolution. Revocation from authorized or pending is the one
// allowed exit from an otherwise settled consent.
func CanTransition(from, to ConsentState) bool {
	switch from {
	case ConsentStateRequested:
		return to == ConsentStatePendingApproval ||
			to == ConsentStateAuthorized ||
			to == ConsentStateDenied
	case ConsentStatePendingApproval:
		return to == ConsentStateAuthorized ||
			to == ConsentStateDenied ||
			to == ConsentStateExpired ||
			to == ConsentStateRevoked
	case ConsentStateAuthorized:
		return to == ConsentStateRevoked || to == ConsentStateExpired
	}
	return false
}
