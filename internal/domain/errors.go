package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable failure classification surfaced to callers.
type ErrorKind string

const (
	KindValidation       ErrorKind = "VALIDATION"
	KindNotFound         ErrorKind = "NOT_FOUND"
	KindState            ErrorKind = "STATE"
	KindRequirementUnmet ErrorKind = "REQUIREMENT_UNMET"
	KindAuthz            ErrorKind = "AUTHZ"
	KindPolicyForbids    ErrorKind = "POLICY_FORBIDS"
	KindDependencyFailed ErrorKind = "DEPENDENCY_FAILED"
	KindTimeout          ErrorKind = "TIMEOUT"
	KindConflict         ErrorKind = "CONFLICT"
	KindInternal         ErrorKind = "INTERNAL"
)

type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) With(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	e.Detail[key] = value
	return e
}

func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error without losing it.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// KindOf extracts the classification of err, defaulting to INTERNAL for
// untyped errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

func IsKind(err error, kind ErrorKind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}
