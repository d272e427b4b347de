// Package pdp11io implements the Unibus I/O page of a PDP-11/70 emulator:
// the register-decoded dispatcher, the RK11/RL11/RP11/TM11/PTR/LP11/DL11/
// KW11 controllers it drives, and the block-cached disk/tape transport
// beneath them.
package pdp11io

import (
	"errors"
	"fmt"
)

// Error is a structured, Go-level plumbing error: a misconfigured drive,
// a fetcher construction failure, an unknown function code reaching a
// controller that should have rejected it earlier. It is never how the
// PDP-11-visible error taxonomy (NXM, NXD, WCE, TE, ...) is reported —
// that always goes through register bits and interrupts, never a Go
// error value.
type Error struct {
	Op     string    // operation that failed, e.g. "rk11.seek", "cache.fetch"
	Device string    // controller name, e.g. "rk11" ("" if not applicable)
	Unit   int       // drive/unit number (-1 if not applicable)
	Code   ErrorCode // high-level error category
	Msg    string    // human-readable message
	Inner  error     // wrapped error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Device != "" {
		parts = append(parts, fmt.Sprintf("device=%s", e.Device))
	}
	if e.Unit >= 0 {
		parts = append(parts, fmt.Sprintf("unit=%d", e.Unit))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("pdp11io: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("pdp11io: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is comparison against another *Error by Code, and
// against a bare ErrorCode value.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if code, ok := target.(ErrorCode); ok {
		return e.Code == code
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents a high-level error category, comparable with
// errors.Is even when no *Error wraps it (it implements error itself).
type ErrorCode string

func (c ErrorCode) Error() string { return string(c) }

const (
	ErrCodeNotImplemented  ErrorCode = "not implemented"
	ErrCodeDriveNotFound   ErrorCode = "drive not found"
	ErrCodeDriveBusy       ErrorCode = "drive busy"
	ErrCodeInvalidGeometry ErrorCode = "invalid geometry"
	ErrCodeTransport       ErrorCode = "backing-store transport error"
	ErrCodeBadImage        ErrorCode = "malformed image"
	ErrCodeUnknownFunction ErrorCode = "unknown function code"
)

// NewError creates a structured error scoped to an operation only.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Unit: -1, Code: code, Msg: msg}
}

// NewDriveError creates a structured error scoped to a controller/unit.
func NewDriveError(op, device string, unit int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Device: device, Unit: unit, Code: code, Msg: msg}
}

// WrapError wraps an existing error with pdp11io context, mapping common
// sentinel errors to an ErrorCode where possible.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if pe, ok := inner.(*Error); ok {
		return &Error{Op: op, Device: pe.Device, Unit: pe.Unit, Code: pe.Code, Msg: pe.Msg, Inner: pe.Inner}
	}
	return &Error{Op: op, Unit: -1, Code: ErrCodeTransport, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is (or wraps) a structured Error with the
// given code.
func IsCode(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return errors.Is(err, code)
}
