package transport

import (
	stderrors "errors"
	"fmt"

	"github.com/tphakala/aoa-go/internal/errors"
)

// Code classifies a transport failure.
type Code int

const (
	CodeIO Code = iota + 1
	CodeInvalidParam
	CodeAccess
	CodeNoDevice
	CodeNotFound
	CodeBusy
	CodeTimeout
	CodeOverflow
	CodePipe
	CodeInterrupted
	CodeNoMem
	CodeNotSupported
	CodeOther
)

var codeNames = map[Code]string{
	CodeIO:           "io",
	CodeInvalidParam: "invalid-param",
	CodeAccess:       "access",
	CodeNoDevice:     "no-device",
	CodeNotFound:     "not-found",
	CodeBusy:         "busy",
	CodeTimeout:      "timeout",
	CodeOverflow:     "overflow",
	CodePipe:         "pipe",
	CodeInterrupted:  "interrupted",
	CodeNoMem:        "no-mem",
	CodeNotSupported: "not-supported",
	CodeOther:        "other",
}

// String returns the code name used in logs and metric labels.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is a failed transport operation.
type Error struct {
	Op   string // operation, e.g. "control", "bulk-in", "claim-interface"
	Code Code
	Err  error // backend error, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("usb %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("usb %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCategory lets the error package group transport failures.
func (e *Error) ErrorCategory() errors.ErrorCategory {
	if e.Code == CodeTimeout {
		return errors.CategoryTimeout
	}
	return errors.CategoryTransport
}

// NewError builds an *Error for op with the given code.
func NewError(op string, code Code, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

// CodeOf returns the Code carried by err, CodeOther for foreign errors and
// zero for nil.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var te *Error
	if stderrors.As(err, &te) {
		return te.Code
	}
	return CodeOther
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
