package exchange

import (
	"errors"
	"fmt"
	"time"

	apperrors "marketd/internal/errors"
)

// Client implementations classify their failures with the error types below
// so the manager can distinguish network problems, venue rate limiting and
// plain API rejections.

// NetworkError marks a transport-level failure (timeout, reset, DNS).
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitedError marks a rate-limit rejection reported by the venue itself.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by exchange, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited by exchange: %v", e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// APIError marks a request the venue understood and rejected.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange API error %s: %s", e.Code, e.Message)
}

// Errors returned by the manager to its callers. All of them are *AppError
// values so the REST facade can map them to HTTP semantics.

// NewUnavailableError reports that no eligible connection exists.
func NewUnavailableError(exchangeID string) *apperrors.AppError {
	msg := "no healthy exchange connection available"
	if exchangeID != "" {
		msg = fmt.Sprintf("exchange %s unavailable", exchangeID)
	}
	return apperrors.NewAppError(apperrors.ErrCodeExchangeUnavailable, msg, nil).
		WithContext("exchange", exchangeID)
}

// NewRateLimitError reports a denied permit, local or venue-reported.
// retryAfter is a hint and may be zero.
func NewRateLimitError(exchangeID string, method Method, retryAfter time.Duration, cause error) *apperrors.AppError {
	err := apperrors.NewAppError(apperrors.ErrCodeRateLimitExceeded,
		fmt.Sprintf("rate limit exceeded for %s %s", exchangeID, method), cause).
		WithContext("exchange", exchangeID).
		WithContext("method", string(method))
	if retryAfter > 0 {
		err = err.WithContext("retry_after", retryAfter.String())
	}
	return err
}

// NewConnectionError wraps a network or API failure during a call.
func NewConnectionError(exchangeID string, method Method, cause error) *apperrors.AppError {
	return apperrors.NewAppError(apperrors.ErrCodeExchangeConnection,
		fmt.Sprintf("request %s to %s failed", method, exchangeID), cause).
		WithContext("exchange", exchangeID).
		WithContext("method", string(method))
}

// NewConfigError reports an unrecoverable configuration problem at
// initialization time.
func NewConfigError(exchangeID, detail string) *apperrors.AppError {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeConfigInvalid,
		fmt.Sprintf("invalid configuration for exchange %s", exchangeID), detail, nil).
		WithContext("exchange", exchangeID)
}

func hasCode(err error, code apperrors.ErrorCode) bool {
	var ae *apperrors.AppError
	return errors.As(err, &ae) && ae.Code == code
}

// IsUnavailable reports whether err is an exchange-unavailable error.
func IsUnavailable(err error) bool {
	return hasCode(err, apperrors.ErrCodeExchangeUnavailable)
}

// IsRateLimited reports whether err is a rate-limit error.
func IsRateLimited(err error) bool {
	return hasCode(err, apperrors.ErrCodeRateLimitExceeded)
}

// IsConnectionError reports whether err is a connection/API error.
func IsConnectionError(err error) bool {
	return hasCode(err, apperrors.ErrCodeExchangeConnection)
}

// IsConfigError reports whether err is an initialization-time config error.
func IsConfigError(err error) bool {
	return hasCode(err, apperrors.ErrCodeConfigInvalid)
}
