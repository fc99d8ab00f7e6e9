package domain

import "errors"

// Authentication errors
var (
	ErrCsrfNotFound        = errors.New("login token not found in page")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrTwoFactorRequired   = errors.New("two-factor code required")
	ErrTwoFactorRejected   = errors.New("two-factor code rejected")
	ErrSessionProbeFailed  = errors.New("session probe failed after login")
	ErrLoggedOut           = errors.New("not logged in")
	ErrLoginRedirect       = errors.New("redirected to login")
	ErrPreventionTokenMiss = errors.New("prevention token cookie not issued")
)

// Transport and payload errors
var (
	ErrTransport        = errors.New("transport error")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrExcludedOrder    = errors.New("order is on the exclusion list")
)

// Business rejections
var (
	ErrRevealRejected  = errors.New("reveal rejected")
	ErrChoiceRejected  = errors.New("content choice rejected")
	ErrPaymentFailed   = errors.New("early payment failed")
	ErrPaymentTimeout  = errors.New("early payment still pending")
	ErrDataBlockAbsent = errors.New("period data block not found")
)

// IsAuthError reports whether err should stop an account from starting.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrCsrfNotFound) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrTwoFactorRequired) ||
		errors.Is(err, ErrTwoFactorRejected) ||
		errors.Is(err, ErrSessionProbeFailed)
}

// IsSessionLost reports whether err means the storefront dropped the session.
func IsSessionLost(err error) bool {
	return errors.Is(err, ErrLoggedOut) || errors.Is(err, ErrLoginRedirect)
}
