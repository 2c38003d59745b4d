package newsletter

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can tell a bad request from a broken
// template or a relay outage.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindTemplateLoad Kind = "template_load"
	KindRecipient    Kind = "recipient"
	KindTransport    Kind = "transport"
	KindInternal     Kind = "internal"
)

// Domain errors
var (
	ErrNoRecipients     = NewValidationError("No recipients defined")
	ErrTemplateRequired = NewValidationError("Template is required")
	ErrMissingEmail     = &Error{Kind: KindRecipient, Message: "Recipient email is missing"}
)

// Error is a typed failure carrying its Kind and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError creates a validation error with the given message.
func NewValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// NewTemplateLoadError wraps a failure to read the named template.
func NewTemplateLoadError(name string, err error) *Error {
	return &Error{Kind: KindTemplateLoad, Message: "Template loading error: " + name, Err: err}
}

// NewTransportError wraps a relay failure.
func NewTransportError(err error) *Error {
	return &Error{Kind: KindTransport, Message: "Relay send failed", Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the user-facing message of the first *Error in err's chain.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
