package ota

import (
	"errors"
	"fmt"
)

var (
	ErrBankNotFound   = errors.New("ota: bank not found")
	ErrHeaderTooLarge = errors.New("ota: header line too long")
	ErrConnLost       = errors.New("ota: connection lost before end of headers")
	ErrSessionClosed  = errors.New("ota: session already closed")
	ErrSizeMismatch   = errors.New("ota: payload wrong size")
	ErrWriteOverflow  = errors.New("ota: write exceeds declared size")
	ErrNoPending      = errors.New("ota: no pending connection")
)

// Status codes used on the wire.
const (
	StatusContinue         = 100
	StatusOK               = 200
	StatusBadRequest       = 400
	StatusUnauthorized     = 401
	StatusNotFound         = 404
	StatusPayloadTooLarge  = 413
	StatusPayloadWrongSize = 414
	StatusInternalError    = 500
)

// StatusText returns the reason phrase sent with code.
func StatusText(code int) string {
	switch code {
	case StatusContinue:
		return "Continue"
	case StatusOK:
		return "OK"
	case StatusBadRequest:
		return "Bad Request"
	case StatusUnauthorized:
		return "Unauthorized"
	case StatusNotFound:
		return "Not Found"
	case StatusPayloadTooLarge:
		return "Payload Too Large"
	case StatusPayloadWrongSize:
		return "Payload Wrong Size"
	default:
		return "Internal Server Error"
	}
}

// StatusError is a failed request together with the status it was answered with.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ota: %d %s", e.Code, StatusText(e.Code))
	}
	return fmt.Sprintf("ota: %d %s: %v", e.Code, StatusText(e.Code), e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func statusErr(code int, err error) *StatusError {
	return &StatusError{Code: code, Err: err}
}

// StatusOf returns the status carried by err, StatusOK for a nil error and
// StatusInternalError for anything else.
func StatusOf(err error) int {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return StatusInternalError
}
