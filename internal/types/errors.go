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
// Components MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeInvalidArgument ErrorCode = "validation_invalid_argument"
	ErrCodeUnknownFeature  ErrorCode = "validation_unknown_feature"
	ErrCodeUnknownPlan     ErrorCode = "validation_unknown_plan"
	ErrCodeMalformedFlag   ErrorCode = "validation_malformed_flag"
	ErrCodeInvalidQuantity ErrorCode = "validation_invalid_quantity"
	ErrCodeInvalidEmail    ErrorCode = "validation_invalid_email"
	ErrCodeWeakPassword    ErrorCode = "validation_weak_password"
	ErrCodeMissingField    ErrorCode = "validation_missing_required_field"

	// Auth (401)
	ErrCodeUnauthenticated      ErrorCode = "auth_unauthenticated"
	ErrCodeAuthInvalidCreds     ErrorCode = "auth_invalid_credentials"
	ErrCodeAuthUserNotFound     ErrorCode = "auth_user_not_found"
	ErrCodeAuthUserDisabled     ErrorCode = "auth_user_disabled"
	ErrCodeAuthTooManyRequests  ErrorCode = "auth_too_many_requests"
	ErrCodeAuthTokenExpired     ErrorCode = "auth_token_expired"
	ErrCodeAuthEmailNotVerified ErrorCode = "auth_email_not_verified"

	// Permission (403)
	ErrCodePermissionRole ErrorCode = "permission_role_insufficient"

	// Limits (403)
	ErrCodeLimitExceeded ErrorCode = "limit_usage_exceeded"

	// Not Found (404)
	ErrCodeNotFoundProfile ErrorCode = "not_found_profile"

	// Conflict (409)
	ErrCodeConflictEmail ErrorCode = "conflict_email_exists"

	// Internal/Upstream (500/502)
	ErrCodeStorage             ErrorCode = "internal_storage_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case s == string(ErrCodeAuthTooManyRequests):
		return http.StatusTooManyRequests
	case s == string(ErrCodeAuthEmailNotVerified):
		return http.StatusForbidden
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "permission_"), strings.HasPrefix(s, "limit_"):
		return http.StatusForbidden
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type used throughout IRIS.
// Accounting, provisioning, relay and identity failures are all expressed as
// AppError so callers can branch on Code without string matching.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
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
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode from the first AppError in err's chain.
// Returns the empty code if err carries no AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether err carries an AppError with the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsInvalidArgument reports whether err belongs to the InvalidArgument family
// (every validation_ code).
func IsInvalidArgument(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "validation_")
}
