// Package errs defines the error taxonomy shared across the pool: the
// category of an error decides whether a call site retries, drops the
// offending peer's request, or aborts the process.
package errs

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for propagation-policy purposes.
type Kind int

const (
	// TransientNetwork errors should be retried with backoff (chain RPC
	// flake, store connection drop).
	TransientNetwork Kind = iota
	// TransientProtocol errors close the offending socket and allow
	// reconnect (frame parse error, read timeout).
	TransientProtocol
	// AuthFailure errors are rejected without mutating any state (bad
	// signature, stale timestamp).
	AuthFailure
	// ContractViolation errors drop the offending submission and log it
	// (nonce out of range, no live connection, difficulty below floor).
	ContractViolation
	// InvalidDigest is the one ContractViolation the offending peer is told
	// about directly: the submitted digest does not validate against the
	// challenge and nonce (spec.md §4.5 step 7). Every other contract
	// violation and every AuthFailure drops silently.
	InvalidDigest
	// Fatal errors abort the process (missing wallet, insufficient
	// startup balance, store schema corrupt).
	Fatal
)

func (k Kind) String() string {
	switch k {
	case TransientNetwork:
		return "transient_network"
	case TransientProtocol:
		return "transient_protocol"
	case AuthFailure:
		return "auth_failure"
	case ContractViolation:
		return "contract_violation"
	case InvalidDigest:
		return "invalid_digest"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a categorized error. Wrap an underlying cause with New so
// call sites can branch with errors.As without string-matching messages.
type Error struct {
	Kind Kind
	Op   string // component/operation that produced the error, e.g. "epoch.dispatch"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a categorized error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or something it wraps) is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
