package operation

import (
	"errors"

	"github.com/ggoodman/chat-server-go/auth"
	"github.com/ggoodman/chat-server-go/chat"
)

// Code is the stable, machine-readable category of a wire error.
type Code string

const (
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeBadUserInput Code = "BAD_USER_INPUT"
	CodeStoreError   Code = "STORE_ERROR"
	CodeBadRequest   Code = "BAD_REQUEST"
	CodeInternal     Code = "INTERNAL"
)

// Error is a wire error. It unwraps to the sentinel matching its code, so
// errors.Is(err, auth.ErrUnauthorized) holds on either side of the wire.
type Error struct {
	Message string `json:"message"`
	Code    Code   `json:"code"`
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeUnauthorized:
		return auth.ErrUnauthorized
	case CodeBadUserInput:
		return chat.ErrInvalidInput
	case CodeStoreError:
		return chat.ErrStore
	case CodeBadRequest:
		return ErrBadRequest
	default:
		return nil
	}
}

// CodeOf reports the wire code for err.
func CodeOf(err error) Code {
	var werr *Error
	switch {
	case errors.As(err, &werr):
		return werr.Code
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInsufficientScope):
		return CodeUnauthorized
	case errors.Is(err, chat.ErrInvalidInput):
		return CodeBadUserInput
	case errors.Is(err, chat.ErrStore):
		return CodeStoreError
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrUnknownKind):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

// ErrorFrom converts err to a wire error. Only input and request errors keep
// their message; everything else is reported by category so that store and
// internal details do not leak to clients.
func ErrorFrom(err error) *Error {
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	code := CodeOf(err)
	msg := "internal error"
	switch code {
	case CodeUnauthorized:
		msg = "unauthorized"
	case CodeStoreError:
		msg = "store error"
	case CodeBadUserInput, CodeBadRequest:
		msg = err.Error()
	}
	return &Error{Message: msg, Code: code}
}
