package rsvp

import (
	"errors"
	"fmt"
)

// Kind classifies view errors
type Kind int

const (
	KindVerification Kind = iota + 1
	KindLookup
	KindMutation
	KindRender
)

// Sentinels matched with errors.Is against any *Error of the kind
var (
	ErrVerification = errors.New("verification error")
	ErrLookup       = errors.New("lookup error")
	ErrMutation     = errors.New("mutation error")
	ErrRender       = errors.New("render error")
)

var (
	// ErrBusy is returned when a mutation is already in flight for the view
	ErrBusy = errors.New("another request is in progress")
	// ErrViewClosed is returned once the view has been closed or expired
	ErrViewClosed = errors.New("view closed")
	// ErrInvalidState means the operation is not offered in the current state
	ErrInvalidState = errors.New("operation not available in current state")
)

func (k Kind) sentinel() error {
	switch k {
	case KindVerification:
		return ErrVerification
	case KindLookup:
		return ErrLookup
	case KindMutation:
		return ErrMutation
	case KindRender:
		return ErrRender
	}
	return nil
}

func (k Kind) String() string {
	if err := k.sentinel(); err != nil {
		return err.Error()
	}
	return "unknown error"
}

// Error is a failure surfaced to the invitee. Message is already localized.
type Error struct {
	Kind       Kind
	MessageKey string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if s := e.Kind.sentinel(); s != nil {
		return []error{s, e.Err}
	}
	return []error{e.Err}
}

// localizedError is implemented by transport errors that carry the server's
// message key
type localizedError interface {
	error
	LocalizedKey() string
}
