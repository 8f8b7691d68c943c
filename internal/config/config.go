package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	internalerrors "github.com/Schera-ole/logmetrics/internal/errors"
)

// Duration wraps time.Duration so it can be read from TOML and env strings
// such as "5s" or "1m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type CollectorConfig struct {
	Address     string `toml:"address" envconfig:"ADDRESS"`
	DatabaseDSN string `toml:"database_dsn" envconfig:"DATABASE_DSN"`

	BatchSize     int      `toml:"batch_size" envconfig:"BATCH_SIZE"`
	FlushInterval Duration `toml:"flush_interval" envconfig:"FLUSH_INTERVAL"`
	MaxBufferSize int      `toml:"max_buffer_size" envconfig:"MAX_BUFFER_SIZE"`
	RetentionDays int      `toml:"retention_days" envconfig:"RETENTION_DAYS"`

	MinConnections  int      `toml:"min_connections" envconfig:"MIN_CONNECTIONS"`
	MaxConnections  int      `toml:"max_connections" envconfig:"MAX_CONNECTIONS"`
	AcquireTimeout  Duration `toml:"acquire_timeout" envconfig:"ACQUIRE_TIMEOUT"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	ErrorBackoff    Duration `toml:"error_backoff" envconfig:"ERROR_BACKOFF"`

	OverflowPolicy string   `toml:"overflow_policy" envconfig:"OVERFLOW_POLICY"`
	OverflowWait   Duration `toml:"overflow_wait" envconfig:"OVERFLOW_WAIT"`

	SampleInterval  Duration `toml:"sample_interval" envconfig:"SAMPLE_INTERVAL"`
	CleanupInterval Duration `toml:"cleanup_interval" envconfig:"CLEANUP_INTERVAL"`

	LogLevel  string `toml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `toml:"log_format" envconfig:"LOG_FORMAT"`

	ConfigFile string `toml:"-" envconfig:"CONFIG_FILE"`
}

// DefaultCollectorConfig returns the configuration used when nothing is set.
func DefaultCollectorConfig() *CollectorConfig {
	return &CollectorConfig{
		Address:         defaultAddress,
		BatchSize:       defaultBatchSize,
		FlushInterval:   Duration{defaultFlushInterval},
		MaxBufferSize:   defaultMaxBufferSize,
		RetentionDays:   defaultRetentionDays,
		MinConnections:  defaultMinConnections,
		MaxConnections:  defaultMaxConnections,
		AcquireTimeout:  Duration{defaultAcquireTimeout},
		ShutdownTimeout: Duration{defaultShutdownTimeout},
		ErrorBackoff:    Duration{defaultErrorBackoff},
		OverflowPolicy:  OverflowFlush,
		OverflowWait:    Duration{defaultOverflowWait},
		SampleInterval:  Duration{defaultSampleInterval},
		CleanupInterval: Duration{defaultCleanupInterval},
		LogLevel:        defaultLogLevel,
		LogFormat:       defaultLogFormat,
	}
}

// NewCollectorConfig reads the process flags and environment.
func NewCollectorConfig() (*CollectorConfig, error) {
	return ParseCollectorConfig(flag.CommandLine, os.Args[1:])
}

// ParseCollectorConfig builds the configuration from defaults, an optional
// TOML file, command-line flags and the environment, in that order of
// precedence (the environment wins).
func ParseCollectorConfig(fs *flag.FlagSet, args []string) (*CollectorConfig, error) {
	config := DefaultCollectorConfig()
	fv := *config

	fs.StringVar(&fv.Address, "a", fv.Address, "address of the HTTP API")
	fs.StringVar(&fv.DatabaseDSN, "d", fv.DatabaseDSN, "database dsn, empty keeps metrics in memory")
	fs.IntVar(&fv.BatchSize, "b", fv.BatchSize, "buffer size that wakes the background flush")
	fs.DurationVar(&fv.FlushInterval.Duration, "i", fv.FlushInterval.Duration, "flush interval")
	fs.IntVar(&fv.MaxBufferSize, "m", fv.MaxBufferSize, "buffer size that forces a synchronous flush")
	fs.IntVar(&fv.RetentionDays, "r", fv.RetentionDays, "days to keep persisted metrics")
	fs.IntVar(&fv.MinConnections, "min-conns", fv.MinConnections, "connections opened at startup")
	fs.IntVar(&fv.MaxConnections, "c", fv.MaxConnections, "maximum database connections")
	fs.DurationVar(&fv.AcquireTimeout.Duration, "acquire-timeout", fv.AcquireTimeout.Duration, "wait bound for a pooled connection")
	fs.DurationVar(&fv.ShutdownTimeout.Duration, "shutdown-timeout", fv.ShutdownTimeout.Duration, "wait bound for the final flush")
	fs.DurationVar(&fv.ErrorBackoff.Duration, "error-backoff", fv.ErrorBackoff.Duration, "pause after a failed background flush")
	fs.StringVar(&fv.OverflowPolicy, "overflow", fv.OverflowPolicy, "overflow policy: flush or signal")
	fs.DurationVar(&fv.OverflowWait.Duration, "overflow-wait", fv.OverflowWait.Duration, "wait bound for the signal overflow policy")
	fs.DurationVar(&fv.SampleInterval.Duration, "s", fv.SampleInterval.Duration, "host sampling interval, 0 disables")
	fs.DurationVar(&fv.CleanupInterval.Duration, "cleanup-interval", fv.CleanupInterval.Duration, "retention cleanup interval, 0 disables")
	fs.StringVar(&fv.LogLevel, "l", fv.LogLevel, "log level")
	fs.StringVar(&fv.LogFormat, "log-format", fv.LogFormat, "log format: console or json")
	fs.StringVar(&fv.ConfigFile, "config", fv.ConfigFile, "path to a TOML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	configFile := fv.ConfigFile
	if envFile := os.Getenv("CONFIG_FILE"); envFile != "" {
		configFile = envFile
	}
	if configFile != "" {
		if err := loadFile(configFile, config); err != nil {
			return nil, err
		}
		config.ConfigFile = configFile
	}

	setters := map[string]func(){
		"a":                func() { config.Address = fv.Address },
		"d":                func() { config.DatabaseDSN = fv.DatabaseDSN },
		"b":                func() { config.BatchSize = fv.BatchSize },
		"i":                func() { config.FlushInterval = fv.FlushInterval },
		"m":                func() { config.MaxBufferSize = fv.MaxBufferSize },
		"r":                func() { config.RetentionDays = fv.RetentionDays },
		"min-conns":        func() { config.MinConnections = fv.MinConnections },
		"c":                func() { config.MaxConnections = fv.MaxConnections },
		"acquire-timeout":  func() { config.AcquireTimeout = fv.AcquireTimeout },
		"shutdown-timeout": func() { config.ShutdownTimeout = fv.ShutdownTimeout },
		"error-backoff":    func() { config.ErrorBackoff = fv.ErrorBackoff },
		"overflow":         func() { config.OverflowPolicy = fv.OverflowPolicy },
		"overflow-wait":    func() { config.OverflowWait = fv.OverflowWait },
		"s":                func() { config.SampleInterval = fv.SampleInterval },
		"cleanup-interval": func() { config.CleanupInterval = fv.CleanupInterval },
		"l":                func() { config.LogLevel = fv.LogLevel },
		"log-format":       func() { config.LogFormat = fv.LogFormat },
	}
	fs.Visit(func(f *flag.Flag) {
		if set, ok := setters[f.Name]; ok {
			set()
		}
	})

	if err := envconfig.Process("", config); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func loadFile(path string, config *CollectorConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings the collector cannot run without.
func (c *CollectorConfig) Validate() error {
	var problems []string
	if c.BatchSize <= 0 {
		problems = append(problems, "batch size must be positive")
	}
	if c.FlushInterval.Duration <= 0 {
		problems = append(problems, "flush interval must be positive")
	}
	if c.MaxBufferSize <= 0 {
		problems = append(problems, "max buffer size must be positive")
	} else if c.MaxBufferSize < c.BatchSize {
		problems = append(problems, "max buffer size must not be below batch size")
	}
	if c.RetentionDays <= 0 {
		problems = append(problems, "retention days must be positive")
	}
	if c.MaxConnections <= 0 {
		problems = append(problems, "max connections must be positive")
	}
	if c.MinConnections < 0 || c.MinConnections > c.MaxConnections {
		problems = append(problems, "min connections must be between 0 and max connections")
	}
	if c.AcquireTimeout.Duration <= 0 || c.ShutdownTimeout.Duration <= 0 {
		problems = append(problems, "timeouts must be positive")
	}
	if c.SampleInterval.Duration < 0 || c.CleanupInterval.Duration < 0 {
		problems = append(problems, "intervals must not be negative")
	}
	switch c.OverflowPolicy {
	case OverflowFlush, OverflowSignal:
	default:
		problems = append(problems, fmt.Sprintf("unknown overflow policy %q", c.OverflowPolicy))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", internalerrors.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
