package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired       = sterrors.New("pipeline: configuration is required")
	ErrLoggerRequired       = sterrors.New("pipeline: logger is required")
	ErrManagerRequired      = sterrors.New("pipeline: connection manager is required")
	ErrStoreRequired        = sterrors.New("pipeline: store is required")
	ErrPoolRequired         = sterrors.New("pipeline: worker pool is required")
	ErrHandlerRequired      = sterrors.New("pipeline: handler function is required")
	ErrQueueRequired        = sterrors.New("pipeline: queue is required")
	ErrWorkerIDRequired     = sterrors.New("pipeline: worker id is required")
	ErrNotConnected         = sterrors.New("pipeline: broker is not connected")
	ErrWorkerStopped        = sterrors.New("pipeline: worker is stopped")
	ErrWorkerExists         = sterrors.New("pipeline: worker connection already registered")
	ErrDeliveriesClosed     = sterrors.New("pipeline: delivery channel closed")
	ErrReconnectExhausted   = sterrors.New("pipeline: reconnect attempts exhausted")
	ErrUnknownQueue         = sterrors.New("pipeline: no handler registered for queue")
	ErrMissingOriginalQueue = sterrors.New("pipeline: dead letter has no original queue")
)

// ConfigValidationError marks an error produced while validating configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("pipeline: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil for a nil err.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
