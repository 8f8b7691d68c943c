// Package config provides configuration for the metrics collector binary.
package config

import "time"

const (
	defaultAddress         = "localhost:8080"
	defaultBatchSize       = 1000
	defaultFlushInterval   = 60 * time.Second
	defaultMaxBufferSize   = 10000
	defaultRetentionDays   = 30
	defaultMinConnections  = 1
	defaultMaxConnections  = 5
	defaultAcquireTimeout  = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultErrorBackoff    = 5 * time.Second
	defaultOverflowWait    = time.Second
	defaultSampleInterval  = 10 * time.Second
	defaultCleanupInterval = 24 * time.Hour
	defaultLogLevel        = "info"
	defaultLogFormat       = "console"

	// OverflowFlush makes the producer that fills the buffer flush it synchronously.
	OverflowFlush = "flush"

	// OverflowSignal makes the producer wake the background flusher and wait for it.
	OverflowSignal = "signal"
)
