// Package hosterr defines the closed error taxonomy used across the session
// host so callers can branch with errors.Is/errors.As instead of string
// matching, the way storage.ErrNotFound is used throughout the storage
// package this was generalized from.
package hosterr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure. Stable across versions; safe to use in
// client-visible error payloads (spec.md §7, §6.1 error.code).
type Code string

const (
	NotFound         Code = "NotFound"
	Busy             Code = "Busy"
	CapacityExceeded Code = "CapacityExceeded"
	EEUnavailable    Code = "EEUnavailable"
	RunnerFailed     Code = "RunnerFailed"
	ConverterError   Code = "ConverterError"
	PersistenceError Code = "PersistenceError"
	Canceled         Code = "Canceled"
	ProtocolError    Code = "ProtocolError"
)

// Error is the concrete error type carrying a Code plus a human message and
// optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, hosterr.New(NotFound, "")) style sentinel checks
// by comparing codes rather than identity.
func (e *Error) Is(target error) bool {
	var o *Error
	if errors.As(target, &o) {
		return o.Code == e.Code
	}
	return false
}

// New constructs an *Error with no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error wrapping cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// sentinels used purely for errors.Is comparisons against a bare code.
var (
	ErrNotFound         = New(NotFound, "not found")
	ErrBusy             = New(Busy, "busy")
	ErrCapacityExceeded = New(CapacityExceeded, "capacity exceeded")
	ErrEEUnavailable    = New(EEUnavailable, "execution environment unavailable")
	ErrRunnerFailed     = New(RunnerFailed, "runner failed")
	ErrConverterError   = New(ConverterError, "converter error")
	ErrPersistenceError = New(PersistenceError, "persistence error")
	ErrCanceled         = New(Canceled, "canceled")
	ErrProtocolError    = New(ProtocolError, "protocol error")
)

// CodeOf extracts the Code from err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
