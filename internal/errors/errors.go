package errors

import (
	"errors"
	"fmt"
)

var (
	// Input errors
	ErrInvalidMetric = errors.New("invalid metric")
	ErrInvalidConfig = errors.New("invalid configuration")

	// Pool errors
	ErrPoolInit      = errors.New("connection pool initialization failed")
	ErrPoolExhausted = errors.New("connection pool exhausted")
	ErrPoolClosed    = errors.New("connection pool closed")

	// Database errors
	ErrDatabaseConnection = errors.New("database connection failed")
	ErrTransactionFailed  = errors.New("transaction failed")
	ErrQueryExecution     = errors.New("query execution failed")

	// Storage errors
	ErrStorageUnavailable = errors.New("storage unavailable")

	// Lifecycle errors
	ErrShutdownTimeout = errors.New("shutdown timed out")
	ErrCollectorClosed = errors.New("collector closed")
)

// MetricsError is returned by the collector for any failure while recording
// or flushing. Err is the root cause.
type MetricsError struct {
	Op     string
	Metric string
	Err    error
}

func (e *MetricsError) Error() string {
	if e.Metric != "" {
		return fmt.Sprintf("metrics: %s %q: %v", e.Op, e.Metric, e.Err)
	}
	return fmt.Sprintf("metrics: %s: %v", e.Op, e.Err)
}

func (e *MetricsError) Unwrap() error {
	return e.Err
}

// Wrap returns err as a *MetricsError for op. A nil err stays nil and an
// existing *MetricsError is returned unchanged.
func Wrap(op, metric string, err error) error {
	if err == nil {
		return nil
	}
	var me *MetricsError
	if errors.As(err, &me) {
		return err
	}
	return &MetricsError{Op: op, Metric: metric, Err: err}
}

// IsRetryable reports whether err is transient: the store or the pool may
// accept the same batch later. Data errors are not retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrDatabaseConnection)
}
