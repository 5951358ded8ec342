package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation     = errors.New("document validation failed")
	ErrStaleDocument  = errors.New("stale document")
	ErrStorage        = errors.New("storage failure")
	ErrDelivery       = errors.New("alert delivery failed")
	ErrAlertNotFound  = errors.New("alert not found")
	ErrSourceNotFound = errors.New("source not found")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrInternal       = errors.New("internal error")
	ErrTimeout        = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrStaleDocument):
		return http.StatusConflict
	case errors.Is(err, ErrAlertNotFound), errors.Is(err, ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrStorage), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
