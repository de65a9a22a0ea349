package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mimir-aip/predict-client/pkg/models"
)

// Config holds the application configuration
type Config struct {
	Environment       string                       `yaml:"environment"`
	Src               string                       `yaml:"src"`
	Token             string                       `yaml:"token"`
	Port              string                       `yaml:"port"`
	MaxConcurrentJobs int                          `yaml:"max_concurrent_jobs"`
	RequestTimeout    time.Duration                `yaml:"request_timeout"`
	HistoryPath       string                       `yaml:"history_path"`
	Logging           LoggingConfig                `yaml:"logging"`
	Schedules         []models.ScheduledPrediction `yaml:"schedules"`
}

// LoggingConfig selects log level, encoding and destination
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // console or json
	Output     string `yaml:"output"` // stdout, stderr or a file path
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Environment:       "development",
		Port:              "8080",
		MaxConcurrentJobs: 4,
		RequestTimeout:    5 * time.Minute,
		HistoryPath:       "predict-history.db",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file at
// path if one is given, then environment variables
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.Environment = getEnv("ENVIRONMENT", config.Environment)
	config.Src = getEnv("PREDICT_SRC", config.Src)
	config.Token = getEnv("PREDICT_TOKEN", getEnv("HF_TOKEN", config.Token))
	config.Port = getEnv("PORT", config.Port)
	config.MaxConcurrentJobs = getEnvAsInt("MAX_CONCURRENT_JOBS", config.MaxConcurrentJobs)
	config.RequestTimeout = getEnvAsDuration("REQUEST_TIMEOUT", config.RequestTimeout)
	config.HistoryPath = getEnv("HISTORY_PATH", config.HistoryPath)
	config.Logging.Level = getEnv("LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv("LOG_FORMAT", config.Logging.Format)
	config.Logging.Output = getEnv("LOG_OUTPUT", config.Logging.Output)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks that required settings are present and consistent
func (c *Config) Validate() error {
	var errs []error
	if c.Src == "" {
		errs = append(errs, errors.New("src is required (set PREDICT_SRC or src in the config file)"))
	}
	if c.MaxConcurrentJobs < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_jobs must be at least 1, got %d", c.MaxConcurrentJobs))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging format must be console or json, got %q", c.Logging.Format))
	}

	seen := make(map[string]bool)
	for i, s := range c.Schedules {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("schedule %d: name is required", i))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("schedule %s: duplicate name", s.Name))
		}
		seen[s.Name] = true
		if s.Schedule == "" {
			errs = append(errs, fmt.Errorf("schedule %s: cron expression is required", s.Name))
		}
		if s.Request.APIName == "" && s.Request.FnIndex == nil {
			errs = append(errs, fmt.Errorf("schedule %s: api_name or fn_index is required", s.Name))
		}
	}
	return errors.Join(errs...)
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go duration strings ("90s") or whole seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
