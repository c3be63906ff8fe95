package webhook

import (
	"errors"
	"strings"
)

// Service errors
var (
	ErrEndpointNotFound  = errors.New("webhook endpoint not found")
	ErrDuplicateAttempt  = errors.New("delivery attempt already recorded")
	ErrMissingSecret     = errors.New("webhook secret is required for signing")
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
	ErrSignatureMissing  = errors.New("webhook signature missing")
	ErrInvalidPayload    = errors.New("invalid webhook payload")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
)

// FieldError describes one invalid field of an endpoint request
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every invalid field of a create or update request
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// IsValidationError reports whether err is a *ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
