package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/repload/internal/core"
	"github.com/JonMunkholm/repload/internal/logging"
)

// Drivers the configuration accepts.
var knownDrivers = map[string]bool{"elasticsearch": true, "postgres": true, "mem": true}

// ConfigError lists every problem found in a configuration.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration:\n  - %s", strings.Join(e.Problems, "\n  - "))
}

// UserMessage implements core.CodedError.
func (e *ConfigError) UserMessage() core.UserMessage {
	return core.UserMessage{
		Message: "Invalid configuration: " + strings.Join(e.Problems, "; "),
		Action:  "Run repload --help for the available flags",
		Code:    "CFG001",
	}
}

// LoadEnv reads configuration from environment variables and applies
// defaults for unset values. The result is not validated; flags may still
// override it.
func LoadEnv() (*Config, error) {
	cfg := &Config{}
	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, &ConfigError{Problems: []string{err.Error()}}
	}
	return cfg, nil
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg, err := LoadEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		value, ok := os.LookupEnv(envName)
		if !ok {
			if alt := field.Tag.Get("envAlt"); alt != "" {
				value, ok = os.LookupEnv(alt)
			}
		}
		if !ok {
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
			return nil
		}
		i, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		field.Set(reflect.ValueOf(result))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is usable.
// Returns a *ConfigError describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Store
	switch {
	case !knownDrivers[c.Store.Driver]:
		errs = append(errs, fmt.Sprintf("store driver %q must be one of: elasticsearch, postgres, mem", c.Store.Driver))
	case c.Store.Driver == "elasticsearch":
		if strings.TrimSpace(c.Store.Host) == "" {
			errs = append(errs, "--host is required for the elasticsearch store")
		}
		if c.Store.Port <= 0 || c.Store.Port > 65535 {
			errs = append(errs, fmt.Sprintf("--port (%d) must be 1-65535", c.Store.Port))
		}
	case c.Store.Driver == "postgres":
		if c.Store.URL == "" {
			errs = append(errs, "--database-url is required for the postgres store")
		}
	}
	if c.Store.Timeout <= 0 {
		errs = append(errs, "--timeout must be positive")
	}
	if c.Store.RetryMax < 0 {
		errs = append(errs, "--retry-max must be non-negative")
	}

	// Command selection
	switch len(c.Commands) {
	case 0:
		errs = append(errs, "no command selected")
	case 1:
		if _, err := core.ParseCommand(c.Commands[0]); err != nil {
			errs = append(errs, err.Error())
		}
	default:
		errs = append(errs, fmt.Sprintf("only one command may be selected, got %s", strings.Join(c.Commands, ", ")))
	}

	// Upload
	if c.Upload.SkipLines < 0 {
		errs = append(errs, "--skiplines must be non-negative")
	}
	if c.Upload.BatchSize <= 0 {
		errs = append(errs, "--batchsize must be positive")
	}

	if c.Namespace.Prefix == "" {
		errs = append(errs, "generation prefix must not be empty")
	}

	// Logging
	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("--log-level (%q) must be one of: info, verbose, debug, warn, error", c.Logging.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("--log-format (%q) must be one of: text, json", c.Logging.Format))
	}
	if c.Logging.BulkLogMB < 0 {
		errs = append(errs, "--log-bulk-upload must be non-negative")
	}

	if len(errs) > 0 {
		return &ConfigError{Problems: errs}
	}
	return nil
}
