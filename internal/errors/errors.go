package errors

import (
	"net/http"
	"strconv"
	"time"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"
	ErrInvalidJSON      ErrorCode = "40003"
	ErrInvalidPayload   ErrorCode = "40004"

	// Authentication errors (401xx)
	ErrUnauthorized         ErrorCode = "40100"
	ErrInvalidCredentials   ErrorCode = "40101"
	ErrTokenExpired         ErrorCode = "40102"
	ErrInvalidInternalToken ErrorCode = "40103"

	// Authorization errors (403xx)
	ErrForbidden         ErrorCode = "40301"
	ErrSignatureMismatch ErrorCode = "40302"
	ErrSignatureMissing  ErrorCode = "40303"

	// Resource errors (404xx)
	ErrNotFound        ErrorCode = "40400"
	ErrWebhookNotFound ErrorCode = "40401"

	// Payload size errors (413xx)
	ErrPayloadTooLarge ErrorCode = "41301"

	// Rate limit errors (429xx)
	ErrRateLimited ErrorCode = "42901"

	// Server errors (500xx)
	ErrInternalServer     ErrorCode = "50001"
	ErrDatabaseError      ErrorCode = "50002"
	ErrQueueError         ErrorCode = "50003"
	ErrServiceUnavailable ErrorCode = "50301"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// WithDetails returns a copy of the error carrying details
func (e *APIError) WithDetails(details any) *APIError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithMessage returns a copy of the error with a different message
func (e *APIError) WithMessage(message string) *APIError {
	cp := *e
	cp.Message = message
	return &cp
}

// ErrorBody is the error object inside an ErrorResponse
type ErrorBody struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	Timestamp string    `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
	Method    string    `json:"method,omitempty"`
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error         ErrorBody `json:"error"`
	RequestID     string    `json:"request_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewErrorResponse builds the response envelope for an API error
func NewErrorResponse(err *APIError, requestID, correlationID, path, method string) *ErrorResponse {
	return &ErrorResponse{
		Error: ErrorBody{
			Code:      err.Code,
			Message:   err.Message,
			Details:   err.Details,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Path:      path,
			Method:    method,
		},
		RequestID:     requestID,
		CorrelationID: correlationID,
	}
}

// GetHTTPStatusFromCode derives the HTTP status from the first three digits of a code
func GetHTTPStatusFromCode(code ErrorCode) int {
	if len(code) < 3 {
		return http.StatusInternalServerError
	}
	status, err := strconv.Atoi(string(code[:3]))
	if err != nil || http.StatusText(status) == "" {
		return http.StatusInternalServerError
	}
	return status
}

// IsClientError reports whether the error is caused by the caller
func IsClientError(err *APIError) bool {
	return err.HTTPStatus >= 400 && err.HTTPStatus < 500
}

// IsServerError reports whether the error is caused by the service
func IsServerError(err *APIError) bool {
	return err.HTTPStatus >= 500 && err.HTTPStatus < 600
}

// IsRetryable reports whether a caller may retry the same request later
func IsRetryable(err *APIError) bool {
	switch err.Code {
	case ErrRateLimited, ErrServiceUnavailable, ErrQueueError:
		return true
	}
	return false
}

// Common errors
var (
	ErrUnauthorizedError = &APIError{
		Code:       ErrUnauthorized,
		Message:    "Authentication required",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrInvalidCredentialsError = &APIError{
		Code:       ErrInvalidCredentials,
		Message:    "Invalid or missing credentials",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrTokenExpiredError = &APIError{
		Code:       ErrTokenExpired,
		Message:    "Token has expired",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrInvalidInternalTokenError = &APIError{
		Code:       ErrInvalidInternalToken,
		Message:    "Invalid internal service token",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrForbiddenError = &APIError{
		Code:       ErrForbidden,
		Message:    "Access denied",
		HTTPStatus: http.StatusForbidden,
	}

	ErrSignatureMismatchError = &APIError{
		Code:       ErrSignatureMismatch,
		Message:    "Webhook signature does not match",
		HTTPStatus: http.StatusForbidden,
	}

	ErrSignatureMissingError = &APIError{
		Code:       ErrSignatureMissing,
		Message:    "Webhook signature is required",
		HTTPStatus: http.StatusForbidden,
	}

	ErrWebhookNotFoundError = &APIError{
		Code:       ErrWebhookNotFound,
		Message:    "Webhook not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrPayloadTooLargeError = &APIError{
		Code:       ErrPayloadTooLarge,
		Message:    "Payload too large",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrQueueUnavailableError = &APIError{
		Code:       ErrQueueError,
		Message:    "Delivery queue unavailable",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrServiceUnavailableError = &APIError{
		Code:       ErrServiceUnavailable,
		Message:    "Service unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       ErrValidationFailed,
		Message:    "Validation failed",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidPayloadError is returned when an inbound callback body is not a JSON object
func NewInvalidPayloadError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidPayload,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewRateLimitError creates a rate limit error carrying the retry hint
func NewRateLimitError(retryAfterSeconds int64) *APIError {
	return &APIError{
		Code:       ErrRateLimited,
		Message:    "Rate limit exceeded",
		Details:    map[string]int64{"retry_after_seconds": retryAfterSeconds},
		HTTPStatus: http.StatusTooManyRequests,
	}
}
