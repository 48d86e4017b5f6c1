// Package fault classifies the failures chrome-server surfaces to callers.
//
// Every error produced by the proxy, the supervisor and the orchestrator that a
// caller may want to branch on is an *Error carrying a Kind. The Kind sentinels
// work with errors.Is, and UserMessage/DebugMessage split what is safe to show
// in the CLI or dashboard from what belongs in logs.
package fault

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Kind is the failure category.
type Kind int

const (
	// ProtocolViolation: a peer sent bytes that do not follow the expected
	// wire format (bad SOCKS version, unparseable request head, ...).
	ProtocolViolation Kind = iota + 1
	// UpstreamRejected: the upstream answered well-formed but refused the
	// request (SOCKS reply code, non-"Connection established" CONNECT reply).
	UpstreamRejected
	// TransportError: a socket operation failed.
	TransportError
	// ProcessStartupFailure: a browser or proxy subprocess did not become ready.
	ProcessStartupFailure
	// PartialTeardownTimeout: not every dependency of an instance confirmed
	// termination within the grace period.
	PartialTeardownTimeout
)

func (k Kind) String() string {
	switch k {
	case ProtocolViolation:
		return "protocol violation"
	case UpstreamRejected:
		return "upstream rejected"
	case TransportError:
		return "transport error"
	case ProcessStartupFailure:
		return "process startup failure"
	case PartialTeardownTimeout:
		return "partial teardown timeout"
	default:
		return "unknown failure"
	}
}

// Sentinels, one per Kind, for errors.Is.
var (
	ErrProtocolViolation      = &sentinel{ProtocolViolation}
	ErrUpstreamRejected       = &sentinel{UpstreamRejected}
	ErrTransport              = &sentinel{TransportError}
	ErrProcessStartupFailure  = &sentinel{ProcessStartupFailure}
	ErrPartialTeardownTimeout = &sentinel{PartialTeardownTimeout}
)

type sentinel struct{ kind Kind }

func (s *sentinel) Error() string { return s.kind.String() }

// Error is a classified failure.
//
// Op names the operation ("socks5 handshake", "spawn proxy"), Detail is a
// short human message, Code carries a protocol byte or status when one is
// relevant (-1 otherwise) and Err is the underlying cause, if any.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Code   int
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Code >= 0 {
		fmt.Fprintf(&b, " (0x%02x)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the Kind sentinels.
func (e *Error) Is(target error) bool {
	s, ok := target.(*sentinel)
	return ok && s.kind == e.Kind
}

// New creates a classified error without a protocol code.
func New(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Code: -1, Err: err}
}

// WithCode creates a classified error carrying the offending byte or status.
func WithCode(kind Kind, op, detail string, code int) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Code: code}
}

// Transport wraps a socket failure. A nil err yields nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return New(TransportError, op, "", err)
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// UserMessage returns a message safe to show in CLI/dashboard contexts.
// Causes are omitted and home directory paths are shortened when redact is set.
func UserMessage(err error, redact bool) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	var fe *Error
	if errors.As(err, &fe) {
		msg = fe.Kind.String()
		if fe.Detail != "" {
			msg += ": " + fe.Detail
		}
	}
	if redact {
		return RedactMessage(msg)
	}
	return msg
}

// DebugMessage returns detailed error text for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// RedactMessage replaces the user's home directory with "~".
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return strings.ReplaceAll(msg, home, "~")
	}
	return msg
}
