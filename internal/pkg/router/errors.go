package router

import (
	"fmt"

	"github.com/pkg/errors"
)

// Category is the machine-stable error class surfaced to API callers
type Category string

const (
	CategoryNotFound           Category = "not_found"
	CategoryGatewayNotFound    Category = "gateway_not_found"
	CategoryUnconfigured       Category = "cloud_unconfigured"
	CategoryMissingConfig      Category = "missing_config"
	CategoryBadMapping         Category = "bad_mapping"
	CategoryInvalidCommand     Category = "invalid_command"
	CategoryUnsupportedCommand Category = "unsupported_command"
	CategoryDispatchFailure    Category = "dispatch_failure"
	CategoryEnumerationFailure Category = "enumeration_failure"
	CategoryBusy               Category = "busy"
)

// Error is a categorised routing error
type Error struct {
	Category Category
	Detail   string
	cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// E builds a categorised error
func E(cat Category, format string, args ...interface{}) *Error {
	return &Error{
		Category: cat,
		Detail:   fmt.Sprintf(format, args...),
	}
}

// Wrap categorises an underlying error, keeping its message verbatim in
// the detail for diagnostics
func Wrap(cat Category, cause error, context string) *Error {
	return &Error{
		Category: cat,
		Detail:   context + ": " + cause.Error(),
		cause:    cause,
	}
}

// CategoryOf extracts the category from an error chain; uncategorised
// errors report as dispatch failures
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryDispatchFailure
}

// ErrorPayload is the wire shape of a categorised error, used both for
// whole-request failures and for errors embedded inline in an otherwise
// successful response
type ErrorPayload struct {
	Category Category `json:"error"`
	Detail   string   `json:"detail"`
}

// PayloadFor converts any error to its wire shape
func PayloadFor(err error) ErrorPayload {
	var e *Error
	if errors.As(err, &e) {
		return ErrorPayload{Category: e.Category, Detail: e.Detail}
	}
	return ErrorPayload{Category: CategoryDispatchFailure, Detail: err.Error()}
}
