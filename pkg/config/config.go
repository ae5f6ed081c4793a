package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/depsera/depsera/pkg/secrets"
)

const (
	// Validation constraints
	minShutdownTimeout = 1 * time.Second
	maxPollWorkers     = 256
	maxPathLength      = 4096
)

var (
	// Regular expressions for validation
	validNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	validLogLevel  = map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
)

// Config holds all application configuration. Runtime-tunable knobs
// (poll interval, retention, alert cooldowns) live in the settings
// table instead; this file covers only what must be known at startup.
type Config struct {
	// Storage
	DBPath string `yaml:"db_path"`

	// HTTP surfaces
	HealthServerAddr string `yaml:"health_server_addr"`
	AppBaseURL       string `yaml:"app_base_url"`

	// Polling
	PollWorkers int `yaml:"poll_workers"`

	// InfluxDB latency export (optional)
	InfluxEnabled       bool   `yaml:"influx_enabled"`
	InfluxDBURL         string `yaml:"influxdb_url"`
	InfluxDBToken       string `yaml:"influxdb_token"`
	InfluxDBOrg         string `yaml:"influxdb_org"`
	InfluxDBBucket      string `yaml:"influxdb_bucket"`
	InfluxDBMeasurement string `yaml:"influxdb_measurement"`

	// Application settings
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout_seconds"`

	// SecretsFile is an optional .env-style file consulted for
	// INFLUXDB_TOKEN when neither config nor environment provide it.
	SecretsFile string `yaml:"secrets_file"`
}

// Load reads configuration from a YAML file and overrides with environment variables
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Load config from YAML file if it exists
	if _, err := os.Stat("config.yaml"); err == nil {
		yamlFile, err := os.ReadFile("config.yaml")
		if err != nil {
			return nil, fmt.Errorf("error reading config.yaml: %w", err)
		}
		if err := yaml.Unmarshal(yamlFile, cfg); err != nil {
			return nil, fmt.Errorf("error unmarshalling config.yaml: %w", err)
		}
	}

	// Try to load .env file (optional - ignore errors if it doesn't exist)
	//nolint:errcheck // .env file is optional
	_ = godotenv.Load()

	// Override with environment variables
	overrideWithEnv(cfg)

	// Resolve the influx token through the secrets chain as a last
	// resort.
	if cfg.InfluxEnabled && cfg.InfluxDBToken == "" {
		if token, err := resolveSecret(cfg.SecretsFile, "INFLUXDB_TOKEN"); err == nil {
			cfg.InfluxDBToken = token
		}
	}

	// Post-processing and final adjustments
	cfg.InfluxEnabled = cfg.InfluxEnabled && cfg.InfluxDBURL != ""
	cfg.DBPath = sanitizePath(cfg.DBPath)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.AppBaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.AppBaseURL), "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a new Config with default values
func defaultConfig() *Config {
	return &Config{
		DBPath:              "./depsera.db",
		HealthServerAddr:    ":8080",
		PollWorkers:         0, // auto-size from CPU count
		InfluxDBURL:         "http://localhost:8086",
		InfluxDBBucket:      "depsera",
		InfluxDBMeasurement: "dependency_latency",
		LogLevel:            "info",
		ShutdownTimeout:     35 * time.Second,
	}
}

// overrideWithEnv overrides config fields with values from environment variables if they are set
func overrideWithEnv(cfg *Config) {
	if val := getEnv("DEPSERA_DB_PATH", ""); val != "" {
		cfg.DBPath = val
	}
	if val := getEnv("DEPSERA_HEALTH_SERVER_ADDR", ""); val != "" {
		cfg.HealthServerAddr = val
	}
	if val := getEnv("DEPSERA_APP_BASE_URL", ""); val != "" {
		cfg.AppBaseURL = strings.TrimSpace(val)
	}
	if val, isSet := getEnvAsIntPtr("DEPSERA_POLL_WORKERS"); isSet {
		cfg.PollWorkers = *val
	}
	if val, isSet := getEnvAsBoolPtr("INFLUX_ENABLED"); isSet {
		cfg.InfluxEnabled = *val
	}
	if val := getEnv("INFLUXDB_URL", ""); val != "" {
		cfg.InfluxDBURL = strings.TrimSpace(val)
	}
	if val := getEnv("INFLUXDB_TOKEN", ""); val != "" {
		cfg.InfluxDBToken = strings.TrimSpace(val)
	}
	if val := getEnv("INFLUXDB_ORG", ""); val != "" {
		cfg.InfluxDBOrg = strings.TrimSpace(val)
	}
	if val := getEnv("INFLUXDB_BUCKET", ""); val != "" {
		cfg.InfluxDBBucket = strings.TrimSpace(val)
	}
	if val := getEnv("INFLUXDB_MEASUREMENT", ""); val != "" {
		cfg.InfluxDBMeasurement = strings.TrimSpace(val)
	}
	if val := getEnv("LOG_LEVEL", ""); val != "" {
		cfg.LogLevel = val
	}
	if val, isSet := getEnvAsIntPtr("DEPSERA_SHUTDOWN_TIMEOUT_SECONDS"); isSet {
		cfg.ShutdownTimeout = time.Duration(*val) * time.Second
	}
}

// Validate checks if required configuration values are present and valid
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DEPSERA_DB_PATH is required")
	}
	if len(c.DBPath) > maxPathLength {
		return fmt.Errorf("DEPSERA_DB_PATH is too long (max %d characters)", maxPathLength)
	}

	if c.HealthServerAddr == "" {
		return fmt.Errorf("DEPSERA_HEALTH_SERVER_ADDR is required")
	}

	if c.AppBaseURL != "" {
		if err := validateURL(c.AppBaseURL, "DEPSERA_APP_BASE_URL"); err != nil {
			return err
		}
	}

	if c.PollWorkers < 0 || c.PollWorkers > maxPollWorkers {
		return fmt.Errorf("DEPSERA_POLL_WORKERS must be between 0 and %d", maxPollWorkers)
	}

	// Validate InfluxDB configuration when the exporter is enabled
	if c.InfluxEnabled {
		if err := validateURL(c.InfluxDBURL, "INFLUXDB_URL"); err != nil {
			return err
		}
		if c.InfluxDBToken == "" {
			return fmt.Errorf("INFLUXDB_TOKEN is required when influx export is enabled")
		}
		if c.InfluxDBOrg == "" {
			return fmt.Errorf("INFLUXDB_ORG is required when influx export is enabled")
		}
		if !validNameRegex.MatchString(c.InfluxDBOrg) {
			return fmt.Errorf("INFLUXDB_ORG must contain only alphanumeric characters, underscores, and hyphens")
		}
		if !validNameRegex.MatchString(c.InfluxDBBucket) {
			return fmt.Errorf("INFLUXDB_BUCKET must contain only alphanumeric characters, underscores, and hyphens")
		}
		if c.InfluxDBMeasurement == "" {
			return fmt.Errorf("INFLUXDB_MEASUREMENT is required when influx export is enabled")
		}
		if !validNameRegex.MatchString(c.InfluxDBMeasurement) {
			return fmt.Errorf("INFLUXDB_MEASUREMENT must contain only alphanumeric characters, underscores, and hyphens")
		}
	}

	// Validate log level
	if !validLogLevel[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error")
	}

	if c.ShutdownTimeout < minShutdownTimeout {
		return fmt.Errorf("DEPSERA_SHUTDOWN_TIMEOUT_SECONDS must be at least %d second(s)", int(minShutdownTimeout.Seconds()))
	}

	return nil
}

// ValidateRuntime ensures the database directory exists and is
// writable. Called after Validate() before the store opens.
func (c *Config) ValidateRuntime() error {
	dir := filepath.Dir(c.DBPath)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		} else {
			return fmt.Errorf("failed to check database directory %s: %w", dir, err)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("database path parent %s exists but is not a directory", dir)
	}

	// Test writability by creating a temporary file
	testFile := filepath.Join(dir, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("database directory %s is not writable: %w", dir, err)
	}
	f.Close()

	if err := os.Remove(testFile); err != nil {
		return fmt.Errorf("database directory is writable but failed to clean up test file: %w", err)
	}

	return nil
}

// resolveSecret consults the environment first, then the optional
// secrets file.
func resolveSecret(secretsFile, key string) (string, error) {
	providers := []secrets.Provider{secrets.NewEnvProvider()}
	if secretsFile != "" {
		fp, err := secrets.NewFileProvider(secretsFile)
		if err != nil {
			return "", err
		}
		providers = append(providers, fp)
	}
	manager := secrets.NewManager(providers...)
	defer manager.Close()
	return manager.GetSecret(context.Background(), key)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Helper functions to get env vars as pointers to distinguish between unset and zero-value
func getEnvAsIntPtr(key string) (*int, bool) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return nil, false
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return &value, true
	}
	return nil, false
}

func getEnvAsBoolPtr(key string) (*bool, bool) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return nil, false
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return nil, false
	}
	return &value, true
}

// validateURL checks scheme and host without touching the network
func validateURL(urlStr, fieldName string) error {
	if urlStr == "" {
		return fmt.Errorf("%s is required", fieldName)
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", fieldName, err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", fieldName)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("%s must have a host", fieldName)
	}

	return nil
}

// sanitizePath cleans and validates a file path to prevent path traversal attacks
func sanitizePath(path string) string {
	// Clean the path (removes .., ., extra slashes, etc.)
	cleaned := filepath.Clean(path)

	// Remove any null bytes
	cleaned = strings.ReplaceAll(cleaned, "\x00", "")

	// Trim whitespace
	cleaned = strings.TrimSpace(cleaned)

	return cleaned
}
