package domain

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Error kinds understood by the dispatcher.
var (
	ErrTransient = errors.New("transient failure")
	ErrPermanent = errors.New("permanent failure")
)

// ApplyError is a classified failure from the remote store.
type ApplyError struct {
	Code      string
	Message   string
	Status    int
	Retryable bool
}

func (e *ApplyError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "remote apply failed"
}

// Is lets errors.Is(err, ErrTransient|ErrPermanent) see through an ApplyError.
func (e *ApplyError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Retryable
	case ErrPermanent:
		return !e.Retryable
	}
	return false
}

type kindErr struct {
	kind error
	err  error
}

func (e kindErr) Error() string   { return e.err.Error() }
func (e kindErr) Unwrap() []error { return []error{e.kind, e.err} }

// Transient marks err as retryable.
func Transient(err error) error { return wrapKind(ErrTransient, err) }

// Permanent marks err as not worth retrying.
func Permanent(err error) error { return wrapKind(ErrPermanent, err) }

func wrapKind(kind, err error) error {
	if err == nil {
		return nil
	}
	return kindErr{kind: kind, err: err}
}

// IsTransient reports whether err is connectivity-shaped and worth retrying.
// Anything explicitly permanent, or not recognisably network-shaped, is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
