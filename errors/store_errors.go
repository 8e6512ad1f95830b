package errors

import "errors"

var (
	ErrConsentNotFound        = errors.New("consent not found")
	ErrObligationNotFound     = errors.New("tax obligation not found")
	ErrPendingPaymentNotFound = errors.New("pending payment not found")
	ErrUnknownProvider        = errors.New("unknown provider")
	ErrInvalidTransition      = errors.New("invalid consent state transition")
	ErrObligationAlreadyPaid  = errors.New("tax obligation already paid")
	ErrDuplicatePeriod        = errors.New("tax obligation for period already exists")
)
