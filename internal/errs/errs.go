// Package errs defines the error taxonomy shared by the room agent's components.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the agent reacts to it
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport covers channel connect/disconnect failures and unreachable services.
	KindTransport
	// KindProviderAuth means the provider credential is invalid or expired.
	KindProviderAuth
	// KindProviderPlayback covers track-specific playback failures.
	KindProviderPlayback
	// KindRegistration means the playback device could not be confirmed.
	KindRegistration
	// KindValidation covers malformed user input rejected locally.
	KindValidation
	// KindAccount means the provider account does not allow playback control.
	KindAccount
	// KindInit means the local playback endpoint could not be acquired.
	KindInit
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "TransportError"
	case KindProviderAuth:
		return "ProviderAuthError"
	case KindProviderPlayback:
		return "ProviderPlaybackError"
	case KindRegistration:
		return "RegistrationError"
	case KindValidation:
		return "ValidationError"
	case KindAccount:
		return "AccountError"
	case KindInit:
		return "InitError"
	default:
		return "UnknownError"
	}
}

// Error is a classified error carrying the failing operation
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrTransport        = &Error{Kind: KindTransport}
	ErrProviderAuth     = &Error{Kind: KindProviderAuth}
	ErrProviderPlayback = &Error{Kind: KindProviderPlayback}
	ErrRegistration     = &Error{Kind: KindRegistration}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrAccount          = &Error{Kind: KindAccount}
	ErrInit             = &Error{Kind: KindInit}
)

// New builds a classified error
func New(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func Transport(op string, err error) *Error {
	return New(KindTransport, op, "", err)
}

func ProviderAuth(op string, err error) *Error {
	return New(KindProviderAuth, op, "", err)
}

func ProviderPlayback(op string, err error) *Error {
	return New(KindProviderPlayback, op, "", err)
}

func Registration(op string, err error) *Error {
	return New(KindRegistration, op, "", err)
}

// Validation builds an input error; message is shown to the user as is
func Validation(op, message string) *Error {
	return New(KindValidation, op, message, nil)
}

func Account(op, message string) *Error {
	return New(KindAccount, op, message, nil)
}

func Init(op string, err error) *Error {
	return New(KindInit, op, "", err)
}

// KindOf returns the kind of the first classified error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Recoverable reports whether the user can retry the failed action
// without external intervention (reloading, re-authenticating, upgrading).
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindProviderAuth, KindAccount, KindInit:
		return false
	default:
		return true
	}
}
