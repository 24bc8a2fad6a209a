// Package config provides configuration for a repload invocation.
// Settings are read from environment variables with defaults, overridden by
// command-line flags, and validated before any store is contacted.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds all settings of one invocation.
type Config struct {
	Store     StoreConfig
	Upload    UploadConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	Namespace NamespaceConfig

	// Commands are the lifecycle commands selected. Exactly one is allowed.
	Commands []string `env:"REPLOAD_COMMAND"`

	// DeleteSingleID is the generation delete-single removes.
	DeleteSingleID string `env:"REPLOAD_DELETE_ID"`

	// NoProgress disables the upload status bar.
	NoProgress bool `env:"REPLOAD_NO_PROGRESS" default:"false"`
}

// StoreConfig selects and addresses the control store.
type StoreConfig struct {
	// Driver is the store driver: elasticsearch, postgres or mem (default: elasticsearch)
	Driver string `env:"REPLOAD_STORE" default:"elasticsearch"`

	// Host and Port address the Elasticsearch node.
	Host string `env:"REPLOAD_HOST"`
	Port int    `env:"REPLOAD_PORT"`

	// URL is the PostgreSQL connection string for the postgres driver.
	URL string `env:"REPLOAD_DATABASE_URL" envAlt:"DATABASE_URL"`

	// Timeout bounds each store request (default: 60s)
	Timeout time.Duration `env:"REPLOAD_TIMEOUT" default:"60s"`

	// RetryMax is the number of connection-level retries per request (default: 4)
	RetryMax int `env:"REPLOAD_RETRY_MAX" default:"4"`
}

// UploadConfig holds the upload command settings.
type UploadConfig struct {
	// SkipLines is the number of data rows to skip before sending (default: 0)
	SkipLines int64 `env:"REPLOAD_SKIP_LINES" default:"0"`

	// BatchSize is the number of rows per bulk write (default: 1000)
	BatchSize int `env:"REPLOAD_BATCH_SIZE" default:"1000"`

	// Input is the CSV file to read. Empty means stdin.
	Input string `env:"REPLOAD_INPUT"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, verbose, info, warn, error (default: info)
	Level string `env:"REPLOAD_LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"REPLOAD_LOG_FORMAT" default:"text"`

	// BulkLogMB caps the bulk response log in megabytes. 0 disables it.
	BulkLogMB int `env:"REPLOAD_LOG_BULK_UPLOAD" default:"0"`

	BulkLogPath string `env:"REPLOAD_BULK_LOG_PATH" default:"/tmp/reploadBulkUploadResponse.log"`
}

// MetricsConfig holds metrics export settings.
type MetricsConfig struct {
	// Textfile is written with the metrics registry at exit when set.
	Textfile string `env:"REPLOAD_METRICS_TEXTFILE"`
}

// NamespaceConfig names the collections the lifecycle commands manage.
type NamespaceConfig struct {
	Prefix   string `env:"REPLOAD_PREFIX" default:"neustar.ipinfo."`
	Metadata string `env:"REPLOAD_METADATA_COLLECTION" default:"neustar.metadata"`
	Scratch  string `env:"REPLOAD_SCRATCH_COLLECTION" default:"neustar.scratch.space"`
}

// Command returns the single selected command, or "" when the selection is
// not exactly one.
func (c *Config) Command() string {
	if len(c.Commands) != 1 {
		return ""
	}
	return c.Commands[0]
}

// String returns a safe string representation of the config for logging.
// The database URL password is masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Store: {Driver: %q, Host: %q, Port: %d, URL: %s, Timeout: %s, RetryMax: %d}, ",
		c.Store.Driver, c.Store.Host, c.Store.Port, maskURL(c.Store.URL), c.Store.Timeout, c.Store.RetryMax))
	b.WriteString(fmt.Sprintf("Upload: {SkipLines: %d, BatchSize: %d, Input: %q}, ",
		c.Upload.SkipLines, c.Upload.BatchSize, c.Upload.Input))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q, BulkLogMB: %d}, ",
		c.Logging.Level, c.Logging.Format, c.Logging.BulkLogMB))
	b.WriteString(fmt.Sprintf("Namespace: {Prefix: %q}, Commands: %v",
		c.Namespace.Prefix, c.Commands))
	b.WriteString("}")
	return b.String()
}

func maskURL(raw string) string {
	if raw == "" {
		return `""`
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "[MASKED]"
	}
	return u.Redacted()
}
