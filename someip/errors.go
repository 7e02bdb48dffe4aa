package someip

import "fmt"

// errKind enumerates the error kinds raised by the core.
type errKind int

const (
	kindMalformedMessage errKind = iota
	kindUnknownService
	kindUnknownMethod
	kindTimeout
	kindUnreachable
	kindBind
	kindSocket
	kindShutdown
)

// Error is the concrete error type for every kind raised by the core: one
// small type, one Error() switch, sentinel values compared by identity
// where no extra context is needed.
type Error struct {
	kind errKind
	msg string
	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "someip: <nil>"
	}
	if e.cause != nil {
		return fmt.Sprintf("someip: %s: %v", e.msg, e.cause)
	}
	return "someip: " + e.msg
}

// Unwrap lets errors.Is/errors.As reach a wrapped construction-time cause
// (used by BindError/SocketError).
func (e *Error) Unwrap() error { return e.cause }

// Is compares by kind so that wrapped Timeout/Unreachable instances (which
// carry per-call context) still match the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// Sentinel errors. Use errors.Is(err, someip.ErrTimeout) etc; per-call
// instances returned by the API carry the same kind plus extra context.
var (
	ErrMalformedMessage = &Error{kind: kindMalformedMessage, msg: "malformed message"}
	ErrUnknownService = &Error{kind: kindUnknownService, msg: "unknown service"}
	ErrUnknownMethod = &Error{kind: kindUnknownMethod, msg: "unknown method"}
	ErrTimeout = &Error{kind: kindTimeout, msg: "request timed out"}
	ErrUnreachable = &Error{kind: kindUnreachable, msg: "no route to target"}
	ErrShutdown = &Error{kind: kindShutdown, msg: "runtime shut down"}
)

func newBindError(detail string, cause error) error {
	return &Error{kind: kindBind, msg: "bind failed: " + detail, cause: cause}
}

func newSocketError(detail string, cause error) error {
	return &Error{kind: kindSocket, msg: "socket error: " + detail, cause: cause}
}

func newTimeoutError(service ServiceID, method MethodID, session SessionID) error {
	return &Error{kind: kindTimeout, msg: fmt.Sprintf(
			"request timed out (service=%#04x method=%#04x session=%#04x)", service, method, session)}
}

func newUnreachableError(service ServiceID, instance InstanceID) error {
	return &Error{kind: kindUnreachable, msg: fmt.Sprintf(
			"no route to service=%#04x instance=%#04x", service, instance)}
}
