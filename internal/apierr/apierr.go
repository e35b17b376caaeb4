// Package apierr defines the coordinator's domain error kinds (§7) as a
// typed error the REST boundary can recognize regardless of how many
// times it has been trace.Wrap'd on its way up through a component.
package apierr

import (
	"errors"
	"net/http"

	"github.com/gravitational/trace"
)

// Kind is one of the named error kinds from spec.md §7.
type Kind string

const (
	InvalidToken           Kind = "invalid_token"
	TokenExpired           Kind = "token_expired"
	TokenUsed              Kind = "token_used"
	AttestationFailed      Kind = "attestation_failed"
	AttestationRequired    Kind = "attestation_required"
	Unauthenticated        Kind = "unauthenticated"
	AgentRevoked           Kind = "agent_revoked"
	InsufficientPrivilege  Kind = "insufficient_privilege"
	UnverifiedAgent        Kind = "unverified_agent"
	NotFound               Kind = "not_found"
	Conflict               Kind = "conflict"
	ValidationError        Kind = "validation_error"
	RateLimited            Kind = "rate_limited"
	ResultSignatureInvalid Kind = "result_signature_invalid"
	CapacityExceeded       Kind = "capacity_exceeded"
	Internal               Kind = "internal"
)

// statusByKind is the §7 kind -> HTTP status table.
var statusByKind = map[Kind]int{
	InvalidToken:           http.StatusBadRequest,
	TokenExpired:           http.StatusBadRequest,
	TokenUsed:              http.StatusBadRequest,
	AttestationFailed:      http.StatusBadRequest,
	AttestationRequired:    http.StatusBadRequest,
	Unauthenticated:        http.StatusUnauthorized,
	AgentRevoked:           http.StatusForbidden,
	InsufficientPrivilege:  http.StatusForbidden,
	UnverifiedAgent:        http.StatusForbidden,
	NotFound:               http.StatusNotFound,
	Conflict:               http.StatusConflict,
	ValidationError:        http.StatusUnprocessableEntity,
	RateLimited:            http.StatusTooManyRequests,
	ResultSignatureInvalid: http.StatusBadRequest,
	CapacityExceeded:       http.StatusServiceUnavailable,
	Internal:               http.StatusInternalServerError,
}

// Error is a domain error carrying a stable Kind in addition to a
// human-readable message. It is always returned wrapped in trace.Wrap so
// stack context survives for the internal 500 log line.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// New constructs and wraps a new domain error of the given kind.
func New(kind Kind, format string, args ...interface{}) error {
	return trace.Wrap(&Error{Kind: kind, Message: sprintf(format, args...)})
}

// As extracts the domain Error from err, looking through any number of
// trace.Wrap layers, and reports whether one was found.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Status returns the HTTP status for err: the mapped status for a domain
// Error, trace's own heuristic for bare trace errors, or 500.
func Status(err error) int {
	if de, ok := As(err); ok {
		if s, ok := statusByKind[de.Kind]; ok {
			return s
		}
	}
	switch {
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsBadParameter(err):
		return http.StatusUnprocessableEntity
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// Detail returns the client-facing {detail: string} body text. Internal
// errors never echo the underlying cause (§7).
func Detail(err error) string {
	if de, ok := As(err); ok {
		if de.Kind == Internal {
			return "internal error"
		}
		return de.Message
	}
	if trace.IsNotFound(err) {
		return "not found"
	}
	return "internal error"
}

func sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return trace.Errorf(format, args...).Error()
}
