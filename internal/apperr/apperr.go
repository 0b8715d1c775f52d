package apperr

import (
	"errors"
	"fmt"
)

// Code classifies failures so callers can branch without string matching.
type Code string

const (
	CodeSourceNotFound Code = "SOURCE_NOT_FOUND"
	CodeLocked         Code = "LOCKED"
	CodeInvalidInput   Code = "INVALID_INPUT"
	CodeNotFound       Code = "NOT_FOUND"
	CodeDecode         Code = "DECODE"
	CodeEncode         Code = "ENCODE"
	CodeStorage        Code = "STORAGE"
	CodeInternal       Code = "INTERNAL"
)

// Error is the coded error used across the service.
type Error struct {
	Code Code
	Op   string // operation name
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.Op)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Code, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Wrap returns nil for a nil err.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(code, op, err)
}

// CodeOf returns the code of the outermost coded error in the chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
