package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				if cfg.DBPath != "depsera.db" {
					t.Errorf("DBPath = %q", cfg.DBPath)
				}
				if cfg.HealthServerAddr != ":8080" {
					t.Errorf("HealthServerAddr = %q", cfg.HealthServerAddr)
				}
				if cfg.PollWorkers != 0 {
					t.Errorf("PollWorkers = %d, want 0 (auto)", cfg.PollWorkers)
				}
				if cfg.InfluxEnabled {
					t.Error("InfluxEnabled = true, want false by default")
				}
				if cfg.LogLevel != "info" {
					t.Errorf("LogLevel = %q", cfg.LogLevel)
				}
				if cfg.ShutdownTimeout != 35*time.Second {
					t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
				}
			},
		},
		{
			name: "environment overrides",
			envVars: map[string]string{
				"DEPSERA_DB_PATH":                  "/var/lib/depsera/data.db",
				"DEPSERA_HEALTH_SERVER_ADDR":       ":9090",
				"DEPSERA_APP_BASE_URL":             "https://depsera.example.com/",
				"DEPSERA_POLL_WORKERS":             "16",
				"LOG_LEVEL":                        "DEBUG",
				"DEPSERA_SHUTDOWN_TIMEOUT_SECONDS": "10",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.DBPath != "/var/lib/depsera/data.db" {
					t.Errorf("DBPath = %q", cfg.DBPath)
				}
				if cfg.HealthServerAddr != ":9090" {
					t.Errorf("HealthServerAddr = %q", cfg.HealthServerAddr)
				}
				if cfg.AppBaseURL != "https://depsera.example.com" {
					t.Errorf("AppBaseURL = %q, want trailing slash trimmed", cfg.AppBaseURL)
				}
				if cfg.PollWorkers != 16 {
					t.Errorf("PollWorkers = %d", cfg.PollWorkers)
				}
				if cfg.LogLevel != "debug" {
					t.Errorf("LogLevel = %q, want lowercased", cfg.LogLevel)
				}
				if cfg.ShutdownTimeout != 10*time.Second {
					t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
				}
			},
		},
		{
			name: "influx enabled with full configuration",
			envVars: map[string]string{
				"INFLUX_ENABLED":  "true",
				"INFLUXDB_URL":    "http://influx.example.com:8086",
				"INFLUXDB_TOKEN":  "secret-token",
				"INFLUXDB_ORG":    "platform",
				"INFLUXDB_BUCKET": "depsera",
			},
			check: func(t *testing.T, cfg *Config) {
				if !cfg.InfluxEnabled {
					t.Error("InfluxEnabled = false, want true")
				}
				if cfg.InfluxDBMeasurement != "dependency_latency" {
					t.Errorf("InfluxDBMeasurement = %q", cfg.InfluxDBMeasurement)
				}
			},
		},
		{
			name: "influx enabled without token",
			envVars: map[string]string{
				"INFLUX_ENABLED": "true",
				"INFLUXDB_URL":   "http://influx.example.com:8086",
				"INFLUXDB_ORG":   "platform",
			},
			wantErr: "INFLUXDB_TOKEN is required",
		},
		{
			name: "influx enabled without org",
			envVars: map[string]string{
				"INFLUX_ENABLED": "true",
				"INFLUXDB_URL":   "http://influx.example.com:8086",
				"INFLUXDB_TOKEN": "secret-token",
			},
			wantErr: "INFLUXDB_ORG is required",
		},
		{
			name: "influx org with invalid characters",
			envVars: map[string]string{
				"INFLUX_ENABLED": "true",
				"INFLUXDB_URL":   "http://influx.example.com:8086",
				"INFLUXDB_TOKEN": "secret-token",
				"INFLUXDB_ORG":   "my org!",
			},
			wantErr: "INFLUXDB_ORG must contain only",
		},
		{
			name: "influx url with bad scheme",
			envVars: map[string]string{
				"INFLUX_ENABLED": "true",
				"INFLUXDB_URL":   "ftp://influx.example.com",
				"INFLUXDB_TOKEN": "secret-token",
				"INFLUXDB_ORG":   "platform",
			},
			wantErr: "must use http or https",
		},
		{
			name: "invalid log level",
			envVars: map[string]string{
				"LOG_LEVEL": "verbose",
			},
			wantErr: "LOG_LEVEL must be one of",
		},
		{
			name: "too many poll workers",
			envVars: map[string]string{
				"DEPSERA_POLL_WORKERS": "1000",
			},
			wantErr: "DEPSERA_POLL_WORKERS must be between",
		},
		{
			name: "shutdown timeout below minimum",
			envVars: map[string]string{
				"DEPSERA_SHUTDOWN_TIMEOUT_SECONDS": "0",
			},
			wantErr: "DEPSERA_SHUTDOWN_TIMEOUT_SECONDS must be at least",
		},
		{
			name: "invalid app base url",
			envVars: map[string]string{
				"DEPSERA_APP_BASE_URL": "not a url",
			},
			wantErr: "DEPSERA_APP_BASE_URL",
		},
		{
			name: "db path traversal is cleaned",
			envVars: map[string]string{
				"DEPSERA_DB_PATH": "./data/../depsera.db",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.DBPath != "depsera.db" {
					t.Errorf("DBPath = %q, want cleaned path", cfg.DBPath)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}
			defer os.Clearenv()

			cfg, err := Load()
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() error = nil, want %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoadResolvesInfluxTokenFromSecretsFile(t *testing.T) {
	os.Clearenv()
	defer os.Clearenv()

	secretsFile := filepath.Join(t.TempDir(), "secrets.env")
	if err := os.WriteFile(secretsFile, []byte("INFLUXDB_TOKEN=from-file\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	// The secrets file is configured via YAML in production; here the
	// chain is exercised directly.
	token, err := resolveSecret(secretsFile, "INFLUXDB_TOKEN")
	if err != nil {
		t.Fatalf("resolveSecret() error = %v", err)
	}
	if token != "from-file" {
		t.Errorf("resolveSecret() = %q, want from-file", token)
	}

	// The environment wins over the file.
	os.Setenv("INFLUXDB_TOKEN", "from-env")
	token, err = resolveSecret(secretsFile, "INFLUXDB_TOKEN")
	if err != nil {
		t.Fatalf("resolveSecret() error = %v", err)
	}
	if token != "from-env" {
		t.Errorf("resolveSecret() = %q, want from-env", token)
	}
}

func TestValidateRuntime(t *testing.T) {
	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "data")
		cfg := &Config{DBPath: filepath.Join(dir, "depsera.db")}
		if err := cfg.ValidateRuntime(); err != nil {
			t.Fatalf("ValidateRuntime() error = %v", err)
		}
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("database directory not created: %v", err)
		}
	})

	t.Run("parent is a file", func(t *testing.T) {
		parent := filepath.Join(t.TempDir(), "occupied")
		if err := os.WriteFile(parent, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		cfg := &Config{DBPath: filepath.Join(parent, "depsera.db")}
		if err := cfg.ValidateRuntime(); err == nil {
			t.Error("ValidateRuntime() = nil, want error for file parent")
		}
	})
}
