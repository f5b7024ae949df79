// Package apperr classifies failures so callers can decide whether an action
// is blocked (configuration, validation), isolated (provider) or only logged
// (storage).
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the error category.
type Kind string

const (
	KindUnknown       Kind = ""
	KindConfiguration Kind = "configuration"
	KindProvider      Kind = "provider"
	KindValidation    Kind = "validation"
	KindStorage       Kind = "storage"
	KindSync          Kind = "sync"
	KindNotFound      Kind = "not_found"
)

var (
	ErrEmptyInput        = &Error{Kind: KindValidation, Err: errors.New("input text is empty")}
	ErrBusy              = &Error{Kind: KindValidation, Err: errors.New("generation already in progress")}
	ErrNoAgents          = &Error{Kind: KindConfiguration, Err: errors.New("no main agent configured for this session")}
	ErrMissingCredential = &Error{Kind: KindConfiguration, Err: errors.New("api key is not configured")}
	ErrSessionNotFound   = &Error{Kind: KindNotFound, Err: errors.New("session not found")}
	ErrTabNotFound       = &Error{Kind: KindNotFound, Err: errors.New("aux tab not found")}
	ErrPresetNotFound    = &Error{Kind: KindNotFound, Err: errors.New("preset not found")}
	ErrBackupNotFound    = &Error{Kind: KindSync, Err: errors.New("remote backup not found")}
)

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets a wrapped *Error match the sentinel it was built from.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && errors.Is(e.Err, t.Err)
}

// New builds an *Error of the given kind.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is New with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Provider wraps an upstream model or speech failure.
func Provider(op string, err error) error { return New(KindProvider, op, err) }

// Storage wraps a local persistence failure.
func Storage(op string, err error) error { return New(KindStorage, op, err) }

// Sync wraps a cloud push/pull failure.
func Sync(op string, err error) error { return New(KindSync, op, err) }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
