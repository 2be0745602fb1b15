package queue

import (
	"errors"
	"fmt"
	"net/http"
)

// QueueErrorCode is the stable machine code carried by every QueueError.
const QueueErrorCode = "QUEUE_ERROR"

// QueueError is the single domain error kind raised by the queue runtime.
// The failure category (validation, state, timeout, external) is encoded in
// the message; Status carries an HTTP-equivalent code for facades that map it.
type QueueError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	cause   error
}

// NewQueueError creates an internal (500-shaped) queue error.
func NewQueueError(message string) *QueueError {
	return &QueueError{
		Code:    QueueErrorCode,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

// NewQueueErrorf creates an internal queue error with a formatted message.
func NewQueueErrorf(format string, args ...interface{}) *QueueError {
	return NewQueueError(fmt.Sprintf(format, args...))
}

// NewValidationError creates a 400-shaped queue error for rejected input.
func NewValidationError(message string) *QueueError {
	return &QueueError{
		Code:    QueueErrorCode,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

// NewValidationErrorf creates a validation error with a formatted message.
func NewValidationErrorf(format string, args ...interface{}) *QueueError {
	return NewValidationError(fmt.Sprintf(format, args...))
}

// WrapBrokerError wraps an error surfaced from the broker, preserving the
// original message for callers that need it.
func WrapBrokerError(op string, err error) *QueueError {
	return &QueueError{
		Code:    QueueErrorCode,
		Message: fmt.Sprintf("broker %s failed: %v", op, err),
		Status:  http.StatusInternalServerError,
		cause:   err,
	}
}

// Error implements the error interface.
func (e *QueueError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any.
func (e *QueueError) Unwrap() error {
	return e.cause
}

// IsQueueError reports whether err is (or wraps) a QueueError.
func IsQueueError(err error) bool {
	var qe *QueueError
	return errors.As(err, &qe)
}

// AsQueueError extracts the QueueError from err, or nil.
func AsQueueError(err error) *QueueError {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe
	}
	return nil
}
