// Package kernelerr is the kernel-wide tagged-error sum type: every
// handler-facing failure carries a Kind drawn from a fixed small set, so the
// HTTP boundary can map it to an RFC 7807 problem response without each
// handler re-deriving a status code. Mirrors the teacher's
// internal/control/recordings error-class/Classify pattern, generalized from
// playback failure classes to kernel operation failures.
package kernelerr

import "fmt"

// Kind is one of a fixed set of failure classifications.
type Kind string

const (
	Validation     Kind = "validation"
	Unauthorized   Kind = "unauthorized"
	Forbidden      Kind = "forbidden"
	CapsuleLegacy  Kind = "capsule_legacy"
	NotFound       Kind = "not_found"
	Conflict       Kind = "conflict"
	Throttled      Kind = "throttled"
	Internal       Kind = "internal"
	NotImplemented Kind = "not_implemented"
)

// Error is the kernel's tagged-error sum type. RequireCapability and Explain
// carry the same denial context internal/kernel/policy.Decision produces, so
// a policy denial can be wrapped into an Error without losing information.
type Error struct {
	Kind              Kind
	Message           string
	RequireCapability string
	Explain           map[string]any
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// New constructs an Error of kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Forbiddenf builds a Forbidden error carrying the capability the caller was
// missing, for the problem+json require_capability extension.
func Forbiddenf(requireCapability, format string, args ...any) *Error {
	return &Error{Kind: Forbidden, Message: fmt.Sprintf(format, args...), RequireCapability: requireCapability}
}

// Classify maps any error to a Kind: an *Error is returned as-is, everything
// else is treated as Internal (an unclassified failure is a bug to fix, not
// a client-facing validation problem).
func Classify(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Error); ok {
		return e, true
	}
	return &Error{Kind: Internal, Message: err.Error()}, false
}

// HTTPStatus returns the status code this Kind maps to at the HTTP boundary.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return 400
	case Unauthorized:
		return 401
	case Forbidden:
		return 403
	case CapsuleLegacy:
		return 410
	case NotFound:
		return 404
	case Conflict:
		return 409
	case Throttled:
		return 429
	case NotImplemented:
		return 501
	case Internal:
		fallthrough
	default:
		return 500
	}
}

// ProblemCode returns the stable machine-readable RFC 7807 "code" field for
// this Kind.
func (k Kind) ProblemCode() string {
	switch k {
	case Validation:
		return "VALIDATION_FAILED"
	case Unauthorized:
		return "UNAUTHORIZED"
	case Forbidden:
		return "FORBIDDEN"
	case CapsuleLegacy:
		return "CAPSULE_HEADER_LEGACY"
	case NotFound:
		return "NOT_FOUND"
	case Conflict:
		return "CONFLICT"
	case Throttled:
		return "THROTTLED"
	case NotImplemented:
		return "NOT_IMPLEMENTED"
	case Internal:
		fallthrough
	default:
		return "INTERNAL"
	}
}

// Title returns the human-readable RFC 7807 "title" for this Kind.
func (k Kind) Title() string {
	switch k {
	case Validation:
		return "Validation Failed"
	case Unauthorized:
		return "Unauthorized"
	case Forbidden:
		return "Forbidden"
	case CapsuleLegacy:
		return "Legacy Capsule Header"
	case NotFound:
		return "Not Found"
	case Conflict:
		return "Conflict"
	case Throttled:
		return "Throttled"
	case NotImplemented:
		return "Not Implemented"
	case Internal:
		fallthrough
	default:
		return "Internal Server Error"
	}
}
