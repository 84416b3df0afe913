package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// Handlers and billing components MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField         ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidBody          ErrorCode = "validation_invalid_body"
	ErrCodeValidationMalformedEvent       ErrorCode = "validation_malformed_event"
	ErrCodeValidationMalformedSession     ErrorCode = "validation_malformed_checkout_session"
	ErrCodeValidationInvalidPaymentStatus ErrorCode = "validation_invalid_payment_status"
	ErrCodeValidationPayloadTooLarge      ErrorCode = "validation_payload_too_large"

	// Auth (401)
	ErrCodeAuthTokenMissing     ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid     ErrorCode = "auth_token_invalid"
	ErrCodeAuthTokenExpired     ErrorCode = "auth_token_expired"
	ErrCodeAuthSignatureMissing ErrorCode = "auth_signature_missing"
	ErrCodeAuthSignatureInvalid ErrorCode = "auth_signature_invalid"
	ErrCodeAuthAdminKeyInvalid  ErrorCode = "auth_admin_key_invalid"

	// Not Found (404)
	ErrCodeNotFoundUser            ErrorCode = "not_found_user"
	ErrCodeNotFoundCustomer        ErrorCode = "not_found_customer"
	ErrCodeNotFoundPrice           ErrorCode = "not_found_price"
	ErrCodeNotFoundProduct         ErrorCode = "not_found_product"
	ErrCodeNotFoundPayment         ErrorCode = "not_found_payment"
	ErrCodeNotFoundSubscription    ErrorCode = "not_found_subscription"
	ErrCodeNotFoundCheckoutSession ErrorCode = "not_found_checkout_session"

	// Conflict (409)
	ErrCodeConflictAlreadyOwnsProduct ErrorCode = "conflict_already_owns_product"
	ErrCodeConflictConcurrent         ErrorCode = "conflict_concurrent_modification"

	// Upstream (502) and Unavailable (503)
	ErrCodeUpstreamStripe      ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamRejected    ErrorCode = "upstream_provider_rejected"
	ErrCodeUnavailableStorage  ErrorCode = "unavailable_storage"

	// Internal (500)
	ErrCodeInternalDB                 ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected         ErrorCode = "internal_unexpected_error"
	ErrCodeInternalCheckoutURLMissing ErrorCode = "internal_checkout_url_missing"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		if c == ErrCodeValidationPayloadTooLarge {
			return http.StatusRequestEntityTooLarge // 413
		}
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "unavailable_"):
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// Retryable reports whether the failure is transient. The webhook endpoint
// relies on this to decide whether the payment provider should redeliver.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeUpstreamRejected:
		return false
	case ErrCodeConflictConcurrent:
		return true
	}
	s := string(c)
	return strings.HasPrefix(s, "upstream_") || strings.HasPrefix(s, "unavailable_")
}

// AppError is the standard application error type used throughout the service.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Retryable reports whether the caller may retry the operation.
func (e *AppError) Retryable() bool {
	return e.Code.Retryable()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// ErrorCodeOf extracts the ErrorCode from any error chain.
// Non-AppError values report ErrCodeInternalUnexpected.
func ErrorCodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}
