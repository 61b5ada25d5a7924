// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNoData            = errors.New("no data")
	ErrMalformedResponse = errors.New("malformed response")
	ErrNetwork           = errors.New("network error")
	ErrPartialRefresh    = errors.New("partial refresh failed")
	ErrStaleResponse     = errors.New("stale response discarded")
	ErrAlreadyMounted    = errors.New("chart already mounted")
	ErrNotMounted        = errors.New("chart not mounted")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrUnknownTimezone   = errors.New("unknown timezone")
)

// DataError represents a data-related error.
type DataError struct {
	DataType string
	Symbol   string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Symbol, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, symbol, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Symbol:   symbol,
		Message:  message,
		Err:      err,
	}
}

// TransportError represents a failed request to an upstream endpoint.
type TransportError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error [%s]: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("transport error [%s]: %v", e.Endpoint, e.Err)
}

// Unwrap exposes both ErrNetwork and the underlying cause.
func (e *TransportError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrNetwork, e.Err}
	}
	return []error{ErrNetwork}
}

// NewTransportError creates a new TransportError.
func NewTransportError(endpoint string, statusCode int, err error) *TransportError {
	return &TransportError{
		Endpoint:   endpoint,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Kind returns the taxonomy name of err for display and logging.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoData):
		return "NoData"
	case errors.Is(err, ErrMalformedResponse):
		return "MalformedResponse"
	case errors.Is(err, ErrNetwork):
		return "NetworkError"
	case errors.Is(err, ErrPartialRefresh):
		return "PartialRefreshFailure"
	default:
		return "Error"
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
