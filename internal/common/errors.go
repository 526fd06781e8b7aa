package common

import (
	"errors"
	"net/http"
)

// Error codes shared across the payment core. Constructors below pin each
// code to its canonical HTTP status.
const (
	CodeSignatureInvalid       = "SIGNATURE_INVALID"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	CodeRefundExceedsBalance   = "REFUND_EXCEEDS_BALANCE"
	CodeRecordNotFound         = "RECORD_NOT_FOUND"
	CodeGatewayRejected        = "GATEWAY_REJECTED"
	CodeGatewayUnavailable     = "GATEWAY_UNAVAILABLE"
	CodeValidation             = "VALIDATION"
	CodeRateLimited            = "RATE_LIMITED"
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// ErrSignatureInvalid builds the authentication-failure error. A forged
// signature never becomes valid, so callers must not retry it.
func ErrSignatureInvalid(message string) *AppError {
	if message == "" {
		message = "signature verification failed"
	}
	return NewAppError(CodeSignatureInvalid, message, http.StatusUnauthorized, nil)
}

// ErrInvalidTransition reports an illegal state-machine transition.
func ErrInvalidTransition(message string) *AppError {
	return NewAppError(CodeInvalidStateTransition, message, http.StatusConflict, nil)
}

// ErrRefundExceedsBalance reports a refund request above the remaining
// refundable amount.
func ErrRefundExceedsBalance(message string) *AppError {
	return NewAppError(CodeRefundExceedsBalance, message, http.StatusUnprocessableEntity, nil)
}

// ErrRecordNotFound reports a lookup of an unknown order/payment/refund id.
func ErrRecordNotFound(message string) *AppError {
	if message == "" {
		message = "record not found"
	}
	return NewAppError(CodeRecordNotFound, message, http.StatusNotFound, nil)
}

// ErrGatewayRejected wraps a definitive rejection from the payment processor.
func ErrGatewayRejected(message string, err error) *AppError {
	if message == "" {
		message = "gateway rejected the request"
	}
	return NewAppError(CodeGatewayRejected, message, http.StatusUnprocessableEntity, err)
}

// ErrGatewayUnavailable wraps a transient processor failure eligible for
// caller-level retry with backoff.
func ErrGatewayUnavailable(err error) *AppError {
	return NewAppError(CodeGatewayUnavailable, "gateway unavailable", http.StatusServiceUnavailable, err)
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// CodeOf returns the AppError code carried by err, or empty when err is not
// an AppError.
func CodeOf(err error) string {
	var target *AppError
	if errors.As(err, &target) {
		return target.Code
	}
	return ""
}
