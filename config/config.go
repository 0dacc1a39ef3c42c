package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration sections.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library.
type AppConfig struct {
	// Alerts holds the alert dedup store and merge window configuration.
	Alerts AlertsConfig

	// Outputs holds the matched-events sink configuration.
	Outputs OutputsConfig

	// Catalog holds the analysis API client configuration.
	Catalog CatalogConfig

	// Engine holds rule evaluation and buffering configuration.
	Engine EngineConfig

	// HTTP holds the dispatcher server configuration.
	HTTP HTTPConfig

	// Observability holds logging and metrics configuration.
	Observability ObservabilityConfig
}

// AlertsConfig configures the alert merge store.
type AlertsConfig struct {
	// DedupTable is the DynamoDB table used to merge matches into alerts.
	DedupTable string `env:"ALERTS_DEDUP_TABLE"`

	// MergePeriodSeconds is the sliding window within which matches with
	// the same dedup key collapse into one alert.
	MergePeriodSeconds int64 `env:"ALERT_MERGE_PERIOD_SECONDS" envDefault:"3600"`
}

// OutputsConfig configures where matched events are written.
type OutputsConfig struct {
	// Bucket is the S3 bucket receiving gzip batches of matched events.
	Bucket string `env:"S3_BUCKET"`

	// Topic is the SNS topic ARN notified for every written object.
	Topic string `env:"NOTIFICATIONS_TOPIC"`
}

// CatalogConfig configures the analysis API client that serves enabled
// rules and data models.
type CatalogConfig struct {
	// FunctionName is the Lambda function implementing the analysis API.
	FunctionName string `env:"ANALYSIS_API_FUNCTION" envDefault:"quill-analysis-api"`

	// PageSize is the page size used when listing rules and data models.
	PageSize int `env:"ANALYSIS_API_PAGE_SIZE" envDefault:"1000"`
}

// EngineConfig configures rule evaluation, the registry cache, and the
// matched-events buffer.
type EngineConfig struct {
	// CacheTTL is how long the compiled rule and data model sets are
	// served before the registry refreshes from the catalog.
	CacheTTL time.Duration `env:"RULES_CACHE_DURATION" envDefault:"5m"`

	// GlobalsRuleID names the rule whose body is shared with all other
	// rules as a compilation preamble.
	GlobalsRuleID string `env:"GLOBALS_RULE_ID" envDefault:"globals"`

	// MaxBufferBytes caps the in-memory matched-events buffer; crossing
	// it spills the largest buffered key to the sink.
	MaxBufferBytes int `env:"MAX_BYTES_IN_MEMORY" envDefault:"100000000"`

	// FlushParallelism bounds concurrent sink writes during a flush.
	FlushParallelism int `env:"FLUSH_PARALLELISM" envDefault:"4"`
}

// HTTPConfig configures the dispatcher HTTP server.
type HTTPConfig struct {
	// Addr is the listen address of the dispatcher endpoint.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// ReadTimeout bounds how long a request body read may take.
	ReadTimeout time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`

	// WriteTimeout bounds how long a response write may take. Pipeline
	// invocations stream files from S3, so this is generous.
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15m"`

	// ShutdownGrace is how long in-flight invocations get on shutdown.
	ShutdownGrace time.Duration `env:"HTTP_SHUTDOWN_GRACE" envDefault:"30s"`
}

// ObservabilityConfig configures logging and metrics emission.
type ObservabilityConfig struct {
	// LoggingLevel is one of DEBUG, INFO, WARNING, ERROR
	// (case-insensitive). Unrecognized values fall back to INFO.
	LoggingLevel string `env:"LOGGING_LEVEL" envDefault:"INFO"`

	// StatsdEnabled turns on metric emission.
	StatsdEnabled bool `env:"STATSD_ENABLED" envDefault:"false"`

	// StatsdAddress is the UDP host:port of the StatsD endpoint.
	StatsdAddress string `env:"STATSD_ADDRESS"`

	// StatsdPrefix is prepended to every metric name.
	StatsdPrefix string `env:"STATSD_PREFIX" envDefault:"quill"`
}

// Load reads configuration from the environment, applies guardrails, and
// validates required values.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment
// variables.
func (c *AppConfig) Sanitize() {
	if c.Alerts.MergePeriodSeconds <= 0 {
		c.Alerts.MergePeriodSeconds = 3600
	}
	if c.Catalog.PageSize <= 0 {
		c.Catalog.PageSize = 1000
	}
	if c.Engine.CacheTTL <= 0 {
		c.Engine.CacheTTL = 5 * time.Minute
	}
	if c.Engine.MaxBufferBytes <= 0 {
		c.Engine.MaxBufferBytes = 100_000_000
	}
	if c.Engine.FlushParallelism <= 0 {
		c.Engine.FlushParallelism = 4
	}
	if strings.TrimSpace(c.Engine.GlobalsRuleID) == "" {
		c.Engine.GlobalsRuleID = "globals"
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = ":8080"
	}
}

// Validate reports missing required configuration. A missing required
// environment variable is fatal at bootstrap.
func (c *AppConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Alerts.DedupTable) == "" {
		missing = append(missing, "ALERTS_DEDUP_TABLE")
	}
	if strings.TrimSpace(c.Outputs.Bucket) == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if strings.TrimSpace(c.Outputs.Topic) == "" {
		missing = append(missing, "NOTIFICATIONS_TOPIC")
	}
	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}
	return nil
}
