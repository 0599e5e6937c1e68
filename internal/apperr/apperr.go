// Package apperr defines the error taxonomy shared by the resolver, the
// coordinator, the retry executor and the HTTP transport.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and presentation.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindSlotUnavailable   Kind = "slot_unavailable"
	KindNotAuthenticated  Kind = "not_authenticated"
	KindForbidden         Kind = "forbidden"
	KindTransient         Kind = "transient_network_error"
	KindAmbiguousOutcome  Kind = "ambiguous_outcome"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_status_transition"
	KindInternal          Kind = "internal_error"
)

// Error is an error tagged with a Kind and the operation that produced it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind so that sentinel values below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrSlotUnavailable   = &Error{Kind: KindSlotUnavailable}
	ErrNotAuthenticated  = &Error{Kind: KindNotAuthenticated}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrTransient         = &Error{Kind: KindTransient}
	ErrAmbiguousOutcome  = &Error{Kind: KindAmbiguousOutcome}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
)

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, message string) *Error {
	return New(KindValidation, op, message)
}

func SlotUnavailable(op, message string) *Error {
	return New(KindSlotUnavailable, op, message)
}

func NotFound(op, message string) *Error {
	return New(KindNotFound, op, message)
}

func Ambiguous(op string, err error) *Error {
	return &Error{
		Kind:    KindAmbiguousOutcome,
		Op:      op,
		Message: "outcome unknown, verify before retrying",
		Err:     err,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Message returns the most specific human readable message in err's chain.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
