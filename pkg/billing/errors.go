package billing

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger engine.
var (
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrAccountBusy              = errors.New("account busy")
	ErrDuplicateEvent           = errors.New("duplicate event")
	ErrDuplicateRequest         = errors.New("duplicate request")
	ErrUnknownAccount           = errors.New("unknown account")
	ErrUnknownCharge            = errors.New("unknown charge")
	ErrChargeClosed             = errors.New("charge closed")
	ErrInvalidEventSignature    = errors.New("invalid event signature")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidAccountID         = errors.New("invalid account id")
	ErrInvalidChargeID          = errors.New("invalid charge id")
	ErrInvalidRequestID         = errors.New("invalid request id")
	ErrInvalidEventID           = errors.New("invalid event id")
	ErrInvalidUnits             = errors.New("invalid units")
	ErrInvalidMethod            = errors.New("invalid method")
	ErrInvalidSubscriptionState = errors.New("invalid subscription state")
	ErrInvalidChargeState       = errors.New("invalid charge state")
	ErrInvalidEventType         = errors.New("invalid event type")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidEngineConfig      = errors.New("invalid engine config")
	ErrInvalidBalance           = errors.New("invalid balance")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
