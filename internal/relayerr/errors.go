// Package relayerr defines the error taxonomy shared by the ingestion
// pipeline, the transport client and the HTTP layer.
package relayerr

import (
	"errors"
	"fmt"
)

// Code classifies a failure so callers can tell "reject the request" apart
// from "log and degrade".
type Code string

const (
	Validation          Code = "validation_error"
	Decode              Code = "decode_error"
	UnsupportedEncoding Code = "unsupported_encoding"
	Persist             Code = "persist_error"
	Upstream            Code = "upstream_error"
	Internal            Code = "internal_error"
	Unauthorized        Code = "unauthorized"
	NotFound            Code = "not_found"
)

// Error carries a Code, a message safe to show to callers and optional
// structured details. Err keeps the underlying cause for logs.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error without a cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap builds an Error around cause.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Err: cause}
}

// WithDetail sets a detail key and returns e for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// As extracts an *Error from err. Anything that is not already classified is
// reported as an internal error with a generic message.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return Wrap(Internal, "internal error", err)
}

// CodeOf returns the code of err, or Internal when err is unclassified.
func CodeOf(err error) Code {
	if re := As(err); re != nil {
		return re.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == code
}
