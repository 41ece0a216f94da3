package adapter

import (
	"errors"
	"fmt"
	"strings"
)

// Error is the uniform adapter failure: a human-readable diagnostic with the
// underlying cause preserved. CLI-backed adapters attach the command line and
// stderr; HTTP-backed ones attach the endpoint and status.
type Error struct {
	Backend string // adapter name
	Op      string // operation, e.g. "setStage"
	Command string // command line or endpoint, when applicable
	Stderr  string // captured stderr or response body excerpt
	Hint    string // one remediation sentence
	Err     error  // cause
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s failed", e.Backend, e.Op)
	if e.Command != "" {
		fmt.Fprintf(&b, " (%s)", e.Command)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, "\nstderr: %s", strings.TrimSpace(e.Stderr))
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, "\nWhat next: %s", e.Hint)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrProtocol marks responses whose JSON shape does not match the expected
// schema. Wrapped inside *Error.
var ErrProtocol = errors.New("unexpected response shape")

// Errf builds an *Error for the given backend and operation.
func Errf(backend, op string, err error, format string, args ...any) *Error {
	return &Error{
		Backend: backend,
		Op:      op,
		Command: fmt.Sprintf(format, args...),
		Err:     err,
	}
}
