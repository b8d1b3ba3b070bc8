// Package errors defines the error kinds surfaced by the ledger core and their
// RFC 7807 problem representation.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Error kinds.
const (
	KindValidationFailed       = "ValidationFailed"
	KindInsufficientFunds      = "InsufficientFunds"
	KindLimitExceeded          = "LimitExceeded"
	KindWalletInactive         = "WalletInactive"
	KindPinInvalid             = "PinInvalid"
	KindNotFound               = "NotFound"
	KindDuplicateReference     = "DuplicateReference"
	KindProviderUnavailable    = "ProviderUnavailable"
	KindProviderRejected       = "ProviderRejected"
	KindSignatureInvalid       = "SignatureInvalid"
	KindRateLimited            = "RateLimited"
	KindStateTransitionInvalid = "StateTransitionInvalid"
	KindUnauthorized           = "Unauthorized"
	KindConfigError            = "ConfigError"
	KindInternal               = "InternalError"
)

// Sentinels, one per kind. Use Explain/WithField to derive a specific error;
// errors.Is matches on kind.
var (
	ValidationFailed       = NewWithKind(KindValidationFailed)
	InsufficientFunds      = NewWithKind(KindInsufficientFunds)
	LimitExceeded          = NewWithKind(KindLimitExceeded)
	WalletInactive         = NewWithKind(KindWalletInactive)
	PinInvalid             = NewWithKind(KindPinInvalid)
	NotFound               = NewWithKind(KindNotFound)
	DuplicateReference     = NewWithKind(KindDuplicateReference)
	ProviderUnavailable    = NewWithKind(KindProviderUnavailable)
	ProviderRejected       = NewWithKind(KindProviderRejected)
	SignatureInvalid       = NewWithKind(KindSignatureInvalid)
	RateLimited            = NewWithKind(KindRateLimited)
	StateTransitionInvalid = NewWithKind(KindStateTransitionInvalid)
	Unauthorized           = NewWithKind(KindUnauthorized)
	ConfigError            = NewWithKind(KindConfigError)
	Internal               = NewWithKind(KindInternal)
)

// FieldError names the rule a value violated.
type FieldError struct {
	Kind    string `json:"kind"`
	Field   string `json:"field"`
	Message string `json:"message,omitempty"`
}

func (f *FieldError) Error() string {
	return fmt.Sprintf("%s (%s): %s", f.Field, f.Kind, f.Message)
}

func NewFieldError(kind, field, reason string) FieldError {
	return FieldError{Kind: kind, Field: field, Message: reason}
}

// Error is a custom error type for passing more information
type Error struct {
	// Kind is one of the Kind* constants
	Kind string `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`
	// Fields used when there's validation error for a field.
	Fields []FieldError `json:"fields,omitempty"`
	// Meta carries structured details such as the rate-limited operation.
	Meta map[string]any `json:"meta,omitempty"`

	trace []byte
	cause error
}

var _ error = (*Error)(nil)

func New(message string) *Error {
	return &Error{Kind: KindInternal, Message: message}
}

func NewWithKind(kind string) *Error {
	return &Error{Kind: kind}
}

// Wrap returns an internal error carrying err as its cause.
func Wrap(err error) *Error {
	return &Error{Kind: KindInternal, cause: err}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	if len(e.trace) > 0 {
		str = str + fmt.Sprintf("\n\nTrace: %s", string(e.trace))
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the cause set
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Trace sets the error stack trace
func (e *Error) Trace() *Error {
	stack := make([]byte, 2048)
	n := runtime.Stack(stack, false)
	err := *e
	err.trace = stack[:n]
	return &err
}

// WithField returns a copy of error with the field appended.
func (e *Error) WithField(kind, field, message string) *Error {
	newError := *e
	newError.Fields = append(append([]FieldError(nil), e.Fields...), NewFieldError(kind, field, message))
	return &newError
}

// WithMeta returns a copy of error with key set in Meta.
func (e *Error) WithMeta(key string, value any) *Error {
	newError := *e
	newError.Meta = make(map[string]any, len(e.Meta)+1)
	for k, v := range e.Meta {
		newError.Meta[k] = v
	}
	newError.Meta[key] = value
	return &newError
}

// Rule returns the kind of the first field error, the name of the violated rule.
func (e *Error) Rule() string {
	if len(e.Fields) == 0 {
		return ""
	}
	return e.Fields[0].Kind
}

// Is matches another *Error by kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) string {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// RuleOf returns the violated rule name of a validation error.
func RuleOf(err error) string {
	var e *Error
	if As(err, &e) {
		return e.Rule()
	}
	return ""
}
