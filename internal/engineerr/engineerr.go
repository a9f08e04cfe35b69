// Package engineerr defines the error taxonomy shared by the commitment
// manager and the settlement engine. Callers branch on the Kind with
// errors.Is against the sentinel values, e.g. errors.Is(err, ErrNotFound).
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure.
type Kind uint8

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalidState
	KindInvalidInput
	KindInsufficientFunds
	KindAlreadyExists
	KindCommitmentFailed
	KindSettlementFailed
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindInvalidInput:
		return "invalid_input"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindAlreadyExists:
		return "already_exists"
	case KindCommitmentFailed:
		return "commitment_failed"
	case KindSettlementFailed:
		return "settlement_failed"
	}
	return "internal"
}

// Sentinels for errors.Is matching.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrAlreadyExists     = &Error{Kind: KindAlreadyExists}
	ErrCommitmentFailed  = &Error{Kind: KindCommitmentFailed}
	ErrSettlementFailed  = &Error{Kind: KindSettlementFailed}
)

// Error is a classified engine error.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "commitment.create"
	Msg  string
	Err  error // underlying cause, if any
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New builds a classified error.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
