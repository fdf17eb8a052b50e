package reminder

import (
	"errors"
	"fmt"
	"net/http"
)

// Code categorizes engine errors. The HTTP layer maps codes to statuses.
type Code string

const (
	CodeValidation Code = "validation"
	CodeNotFound   Code = "not_found"
	CodeConflict   Code = "conflict"
	CodeDelivery   Code = "delivery"
	CodeStore      Code = "store"
)

// HTTPStatus maps a Code to the response status used by the API.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed error returned across the engine boundary.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validationf(format string, args ...any) *Error {
	return newError(CodeValidation, nil, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return newError(CodeNotFound, nil, format, args...)
}

func Conflictf(format string, args ...any) *Error {
	return newError(CodeConflict, nil, format, args...)
}

// DeliveryError wraps the gateway's reported failure.
func DeliveryError(err error, format string, args ...any) *Error {
	return newError(CodeDelivery, err, format, args...)
}

// StoreError wraps a persistence failure.
func StoreError(err error, format string, args ...any) *Error {
	return newError(CodeStore, err, format, args...)
}

// CodeOf extracts the Code from err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }
func IsNotFound(err error) bool   { return CodeOf(err) == CodeNotFound }
func IsConflict(err error) bool   { return CodeOf(err) == CodeConflict }
func IsDelivery(err error) bool   { return CodeOf(err) == CodeDelivery }
func IsStore(err error) bool      { return CodeOf(err) == CodeStore }
