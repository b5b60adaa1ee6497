// Package errs defines the categorical error kinds the validator, state,
// chain and mempool packages return. Callers branch on Kind, never on
// error string content; the wrapped Err carries the human-readable detail
// for logs.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the categorical error kinds a transaction or block can
// fail validation with.
type Kind string

// The error kinds this ledger distinguishes.
const (
	MalformedEncoding  Kind = "MalformedEncoding"
	InvalidSignature   Kind = "InvalidSignature"
	NonceStale         Kind = "NonceStale"
	NonceFutureGap     Kind = "NonceFutureGap"
	InsufficientBalance Kind = "InsufficientBalance"
	FeeBelowMinimum    Kind = "FeeBelowMinimum"
	ReferenceNotFound  Kind = "ReferenceNotFound"
	ReferenceWrongKind Kind = "ReferenceWrongKind"
	LimitExceeded      Kind = "LimitExceeded"
	ConsensusViolation Kind = "ConsensusViolation"
	UnknownParent      Kind = "UnknownParent"
	ReorgTooDeep       Kind = "ReorgTooDeep"
	PeerProtocol       Kind = "PeerProtocol"
)

// Trusted wraps an underlying error with the categorical Kind a caller
// needs to branch on, mirroring how the web layer attaches an HTTP status
// to an error without discarding the original message.
type Trusted struct {
	Err  error
	Kind Kind
}

// New wraps err with kind.
func New(kind Kind, err error) error {
	return &Trusted{Err: err, Kind: kind}
}

// Newf constructs a Trusted error from a format string, mirroring
// fmt.Errorf but attaching a Kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Trusted{Err: fmt.Errorf(format, args...), Kind: kind}
}

// Error implements the error interface, surfacing the wrapped message.
func (t *Trusted) Error() string {
	return t.Err.Error()
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped error.
func (t *Trusted) Unwrap() error {
	return t.Err
}

// As extracts the Kind of err, if it (or something it wraps) is a Trusted
// error. ok is false for plain errors, such as unexpected I/O failures.
func As(err error) (kind Kind, ok bool) {
	var t *Trusted
	if !errors.As(err, &t) {
		return "", false
	}
	return t.Kind, true
}
