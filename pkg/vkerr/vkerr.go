// Package vkerr defines the error taxonomy shared by the storage,
// queue, and retrieval layers. Every operation that fails returns a
// single named kind; callers branch with IsKind rather than string
// matching.
package vkerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the stable categories.
type Kind int

const (
	KindUnknown Kind = iota
	// KindCollectionNotFound: the vector backend has no collection
	// matching the configured name.
	KindCollectionNotFound
	// KindRecordNotFound: a vector record lookup by id or URI found nothing.
	KindRecordNotFound
	// KindDuplicateKey: an insert collided with an existing primary key.
	KindDuplicateKey
	// KindSchemaError: a record or collection definition failed validation.
	KindSchemaError
	// KindPermissionDenied: the access gate rejected a URI under the
	// current role/space.
	KindPermissionDenied
	// KindNotFound: a blob URI is absent.
	KindNotFound
	// KindInvalidArgument: malformed URI, bad filter expression, or an
	// unknown operation.
	KindInvalidArgument
	// KindUnauthenticated: the caller presented no usable identity.
	KindUnauthenticated
	// KindTimeout: a backend call exceeded its deadline.
	KindTimeout
	// KindUnavailable: a backend is transiently unreachable.
	KindUnavailable
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindCollectionNotFound:
		return "collection_not_found"
	case KindRecordNotFound:
		return "record_not_found"
	case KindDuplicateKey:
		return "duplicate_key"
	case KindSchemaError:
		return "schema_error"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error carries a kind, a message, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches two taxonomy errors by kind so errors.Is works across wraps.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error. A nil cause
// yields a plain New error.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from an error chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
