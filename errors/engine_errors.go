package errors

import (
	"errors"
	"fmt"
)

// Advice classifies what the user should do about a failure.
type Advice string

const (
	AdviceRetry     Advice = "try_again"
	AdviceReconnect Advice = "reconnect_bank"
	AdviceSupport   Advice = "contact_support"
)

// Engine error codes.
const (
	AuthFailure          = "auth_failure"
	ConsentInvalid       = "consent_invalid"
	ProviderTimeout      = "provider_timeout"
	ApprovalTimeout      = "approval_timeout"
	NormalizationFailure = "normalization_failure"
)

// EngineError is the taxonomy every adapter-level failure is translated into
// at the executor/facade boundary. Reason is a stable, user-visible string.
type EngineError struct {
	Code   string `json:"error"`
	Reason string `json:"reason"`
	Advice Advice `json:"advice"`
	Err    error  `json:"-"`
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewAuthFailure reports bad provider credentials. Fatal for the call, never
// retried by the engine.
func NewAuthFailure(provider string, err error) *EngineError {
	return &EngineError{
		Code:   AuthFailure,
		Reason: fmt.Sprintf("authentication with %s failed", provider),
		Advice: AdviceSupport,
		Err:    err,
	}
}

// NewConsentInvalid reports an expired, revoked or mismatched consent. The
// user recovers by requesting a new consent.
func NewConsentInvalid(reason string) *EngineError {
	return &EngineError{
		Code:   ConsentInvalid,
		Reason: reason,
		Advice: AdviceReconnect,
	}
}

// NewProviderTimeout reports a transient provider failure, safe to retry
// within the caller's time budget.
func NewProviderTimeout(provider string, err error) *EngineError {
	return &EngineError{
		Code:   ProviderTimeout,
		Reason: fmt.Sprintf("%s did not respond in time", provider),
		Advice: AdviceRetry,
		Err:    err,
	}
}

// NewApprovalTimeout reports that the poller exhausted its attempt bound
// waiting for bank-side approval.
func NewApprovalTimeout(requestID string) *EngineError {
	return &EngineError{
		Code:   ApprovalTimeout,
		Reason: fmt.Sprintf("approval for request %s was not granted in time", requestID),
		Advice: AdviceRetry,
	}
}

// NewNormalizationFailure reports an unexpected provider response shape. It
// is logged and degraded, never propagated as a hard failure for an
// otherwise-successful listing.
func NewNormalizationFailure(provider string, err error) *EngineError {
	return &EngineError{
		Code:   NormalizationFailure,
		Reason: fmt.Sprintf("unexpected response shape from %s", provider),
		Advice: AdviceRetry,
		Err:    err,
	}
}

// CodeOf extracts the engine error code from err, or empty when err is not an
// EngineError.
func CodeOf(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsConsentInvalid reports whether err carries the consent_invalid code.
func IsConsentInvalid(err error) bool {
	return CodeOf(err) == ConsentInvalid
}

// IsAuthFailure reports whether err carries the auth_failure code.
func IsAuthFailure(err error) bool {
	return CodeOf(err) == AuthFailure
}

// IsProviderTimeout reports whether err carries the provider_timeout code.
func IsProviderTimeout(err error) bool {
	return CodeOf(err) == ProviderTimeout
}
