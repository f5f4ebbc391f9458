// Package ansibleerr defines the typed error taxonomy shared across every
// core component. Operations return either a value or one of these kinds so
// tool callers can render the `{error: <kind>}` envelope without parsing
// message strings.
package ansibleerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from the coordination plane's error
// handling design. Kinds are stable strings: they are serialized verbatim
// into tool-call error envelopes.
type Kind string

const (
	NotInitialized      Kind = "not_initialized"
	NotAuthorized       Kind = "not_authorized"
	InvalidParams       Kind = "invalid_params"
	InvalidToken        Kind = "invalid_token"
	ExpiredToken        Kind = "expired_token"
	NodeMismatch        Kind = "node_mismatch"
	InviteUsed          Kind = "invite_used"
	InvalidTicket       Kind = "invalid_ticket"
	ExpiredTicket       Kind = "expired_ticket"
	TicketAlreadyUsed   Kind = "ticket_already_used"
	TicketNodeMismatch  Kind = "ticket_node_mismatch"
	NotFound            Kind = "not_found"
	Ambiguous           Kind = "ambiguous"
	InvalidState        Kind = "invalid_state"
	TransportUnavailable Kind = "transport_unavailable"
	Retryable           Kind = "retryable"
	QuotaExceeded       Kind = "quota_exceeded"
	PathTraversal       Kind = "path_traversal"
)

// Error is the typed error value returned by core operations. It carries a
// Kind for programmatic dispatch and wraps an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a typed error with the given kind and message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error that wraps an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// returns ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is a typed error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
