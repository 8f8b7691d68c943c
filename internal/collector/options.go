package collector

import (
	"time"

	models "github.com/Schera-ole/logmetrics/internal/model"
)

type recordOptions struct {
	tags        models.Tags
	metadata    models.Tags
	level       models.Level
	description string
	source      string
	unit        string
	timestamp   time.Time
}

// RecordOption sets an optional field of a recorded metric.
type RecordOption func(*recordOptions)

func WithTags(tags models.Tags) RecordOption {
	return func(o *recordOptions) { o.tags = tags }
}

func WithMetadata(metadata models.Tags) RecordOption {
	return func(o *recordOptions) { o.metadata = metadata }
}

func WithLevel(level models.Level) RecordOption {
	return func(o *recordOptions) { o.level = level }
}

func WithDescription(description string) RecordOption {
	return func(o *recordOptions) { o.description = description }
}

// WithSource overrides the source otherwise derived from the caller.
func WithSource(source string) RecordOption {
	return func(o *recordOptions) { o.source = source }
}

func WithUnit(unit string) RecordOption {
	return func(o *recordOptions) { o.unit = unit }
}

// WithTimestamp sets the observation time. The default is the time of the call.
func WithTimestamp(ts time.Time) RecordOption {
	return func(o *recordOptions) { o.timestamp = ts }
}
