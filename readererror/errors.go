package readererror

import (
	"errors"
	"strings"
)

type Kind uint32

const (
	_ Kind = iota
	KindDiscovery
	KindConnection
	KindNoCandidate
	KindSessionClosed
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindDiscovery:
		return "Reader discovery failed"
	case KindConnection:
		return "Reader connection failed"
	case KindNoCandidate:
		return "No reader to connect to (this is a bug)"
	case KindSessionClosed:
		return "Session closed"
	case KindTimeout:
		return "Timed out"
	}
	return "unknown error"
}

// Error is a failure of a card reader operation. Errors of the same Kind
// match with errors.Is regardless of Op and Err.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

var (
	ErrNoCandidate   = &Error{Kind: KindNoCandidate}
	ErrSessionClosed = &Error{Kind: KindSessionClosed}
	ErrTimeout       = &Error{Kind: KindTimeout}
)

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.String())
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cause lets github.com/pkg/errors.Cause see through the wrapper.
func (e *Error) Cause() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// DiscoveryFailed wraps an error reported while scanning for readers.
func DiscoveryFailed(cause error) *Error {
	return &Error{Kind: KindDiscovery, Op: "discovery", Err: cause}
}

// ConnectionFailed wraps an error reported while connecting to a reader.
func ConnectionFailed(cause error) *Error {
	return &Error{Kind: KindConnection, Op: "connect", Err: cause}
}

// Timeout builds the cause used when an operation exceeded its deadline.
func Timeout(op string) *Error {
	return &Error{Kind: KindTimeout, Op: op}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
