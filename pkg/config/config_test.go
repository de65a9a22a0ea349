package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"ENVIRONMENT", "PREDICT_SRC", "PREDICT_TOKEN", "HF_TOKEN", "PORT",
	"MAX_CONCURRENT_JOBS", "REQUEST_TIMEOUT", "HISTORY_PATH",
	"LOG_LEVEL", "LOG_FORMAT", "LOG_OUTPUT",
}

// clearEnv blanks every variable LoadConfig reads; getEnv treats empty as unset
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

// TestLoadConfig tests configuration loading from the environment
func TestLoadConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("PREDICT_SRC", "http://localhost:7860")
	t.Setenv("PREDICT_TOKEN", "hf_abc")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_CONCURRENT_JOBS", "8")
	t.Setenv("REQUEST_TIMEOUT", "90s")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Environment != "test" {
		t.Errorf("Expected environment 'test', got '%s'", cfg.Environment)
	}
	if cfg.Src != "http://localhost:7860" {
		t.Errorf("Expected src 'http://localhost:7860', got '%s'", cfg.Src)
	}
	if cfg.Token != "hf_abc" {
		t.Errorf("Expected token 'hf_abc', got '%s'", cfg.Token)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", cfg.Logging.Level)
	}
	if cfg.Port != "9090" {
		t.Errorf("Expected port '9090', got '%s'", cfg.Port)
	}
	if cfg.MaxConcurrentJobs != 8 {
		t.Errorf("Expected MaxConcurrentJobs 8, got %d", cfg.MaxConcurrentJobs)
	}
	if cfg.RequestTimeout != 90*time.Second {
		t.Errorf("Expected RequestTimeout 90s, got %s", cfg.RequestTimeout)
	}
}

// TestLoadConfigDefaults tests default values
func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PREDICT_SRC", "http://localhost:7860")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Environment != "development" {
		t.Errorf("Expected default environment 'development', got '%s'", cfg.Environment)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level 'info', got '%s'", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("Expected default log format 'console', got '%s'", cfg.Logging.Format)
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected default port '8080', got '%s'", cfg.Port)
	}
	if cfg.MaxConcurrentJobs != 4 {
		t.Errorf("Expected default MaxConcurrentJobs 4, got %d", cfg.MaxConcurrentJobs)
	}
	if cfg.RequestTimeout != 5*time.Minute {
		t.Errorf("Expected default RequestTimeout 5m, got %s", cfg.RequestTimeout)
	}
	if cfg.Token != "" {
		t.Errorf("Expected empty token, got '%s'", cfg.Token)
	}
}

// TestLoadConfigTokenFallback tests that HF_TOKEN is used when PREDICT_TOKEN is unset
func TestLoadConfigTokenFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("PREDICT_SRC", "http://localhost:7860")
	t.Setenv("HF_TOKEN", "hf_fallback")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Token != "hf_fallback" {
		t.Errorf("Expected token 'hf_fallback', got '%s'", cfg.Token)
	}

	t.Setenv("PREDICT_TOKEN", "hf_primary")
	cfg, err = LoadConfig("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Token != "hf_primary" {
		t.Errorf("Expected token 'hf_primary', got '%s'", cfg.Token)
	}
}

// TestLoadConfigFile tests YAML loading and that the environment wins over the file
func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
src: http://models.internal:7860
max_concurrent_jobs: 2
request_timeout: 45s
logging:
  level: warn
  format: json
  output: /tmp/predict.log
schedules:
  - name: nightly
    schedule: "0 2 * * *"
    timeout: 10m
    request:
      api_name: /predict
      data: [5, "add", 4]
`)
	t.Setenv("MAX_CONCURRENT_JOBS", "6")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Src != "http://models.internal:7860" {
		t.Errorf("Expected src from file, got '%s'", cfg.Src)
	}
	if cfg.MaxConcurrentJobs != 6 {
		t.Errorf("Expected MaxConcurrentJobs 6 from env, got %d", cfg.MaxConcurrentJobs)
	}
	if cfg.RequestTimeout != 45*time.Second {
		t.Errorf("Expected RequestTimeout 45s, got %s", cfg.RequestTimeout)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "warn" {
		t.Errorf("Expected json/warn logging, got %s/%s", cfg.Logging.Format, cfg.Logging.Level)
	}
	if cfg.Logging.MaxBackups != 3 {
		t.Errorf("Expected default MaxBackups 3 to survive, got %d", cfg.Logging.MaxBackups)
	}

	if len(cfg.Schedules) != 1 {
		t.Fatalf("Expected 1 schedule, got %d", len(cfg.Schedules))
	}
	s := cfg.Schedules[0]
	if s.Name != "nightly" || s.Schedule != "0 2 * * *" {
		t.Errorf("Unexpected schedule %+v", s)
	}
	if s.Timeout != 10*time.Minute {
		t.Errorf("Expected schedule timeout 10m, got %s", s.Timeout)
	}
	if s.Paused {
		t.Error("Expected schedule to be active by default")
	}
	if s.Request.APIName != "/predict" || len(s.Request.Data) != 3 {
		t.Errorf("Unexpected schedule request %+v", s.Request)
	}
}

// TestLoadConfigValidation tests that invalid configurations are rejected
func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing src",
			wantErr: "src is required",
		},
		{
			name:    "bad concurrency",
			env:     map[string]string{"PREDICT_SRC": "http://x", "MAX_CONCURRENT_JOBS": "0"},
			wantErr: "max_concurrent_jobs",
		},
		{
			name:    "bad log format",
			env:     map[string]string{"PREDICT_SRC": "http://x", "LOG_FORMAT": "xml"},
			wantErr: "logging format",
		},
		{
			name: "schedule without endpoint",
			file: `
src: http://x
schedules:
  - name: broken
    schedule: "@hourly"
`,
			wantErr: "api_name or fn_index is required",
		},
		{
			name: "duplicate schedule",
			file: `
src: http://x
schedules:
  - {name: a, schedule: "@hourly", request: {api_name: /p}}
  - {name: a, schedule: "@daily", request: {api_name: /p}}
`,
			wantErr: "duplicate name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}

			_, err := LoadConfig(path)
			if err == nil {
				t.Fatal("Expected an error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

// TestLoadConfigMissingFile tests that an explicit but missing file is an error
func TestLoadConfigMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("PREDICT_SRC", "http://x")

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected an error for a missing config file")
	}
}
