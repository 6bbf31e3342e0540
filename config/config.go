package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g. STALEWATCH_GITHUB_CLIENT_SECRET
	EnvPrefix = "STALEWATCH"
)

var (
	ErrNoEmailTransport = errors.New("either email.resend_api_key or email.smtp_url must be set")
	ErrNoSender         = errors.New("email.from is required")
)

// GitHubConfig holds the OAuth app used for the refresh grant and API pacing
type GitHubConfig struct {
	ClientID          string  `mapstructure:"client_id"`
	ClientSecret      string  `mapstructure:"client_secret"`
	TokenURL          string  `mapstructure:"token_url"`
	BaseURL           string  `mapstructure:"base_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// EmailConfig selects the delivery transport. Resend wins when both are set.
type EmailConfig struct {
	From            string        `mapstructure:"from"`
	ResendAPIKey    string        `mapstructure:"resend_api_key"`
	ResendBaseURL   string        `mapstructure:"resend_base_url"`
	SMTPURL         string        `mapstructure:"smtp_url"`
	WebhookSecret   string        `mapstructure:"webhook_secret"`
	DedupWindow     time.Duration `mapstructure:"dedup_window"`
	BounceThreshold int           `mapstructure:"bounce_threshold"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type SchedulerConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
	BatchDelay time.Duration `mapstructure:"batch_delay"`
}

// DigestConfig places digests at Hour UTC; weekly digests go out on Weekday
type DigestConfig struct {
	Hour    int           `mapstructure:"hour"`
	Weekday string        `mapstructure:"weekday"`
	JobTick time.Duration `mapstructure:"job_tick"`
}

// Config represents the application configuration
type Config struct {
	// Path to the SQLite database file, relative paths resolve against the config file
	DatabasePath string `mapstructure:"database_path"`
	// LogLevel is "dev" or "prod"
	LogLevel  string          `mapstructure:"log_level"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Email     EmailConfig     `mapstructure:"email"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Digest    DigestConfig    `mapstructure:"digest"`
}

func defaults() map[string]any {
	return map[string]any{
		"database_path":              "stalewatch.db",
		"log_level":                  "prod",
		"github.client_id":           "",
		"github.client_secret":       "",
		"github.token_url":           "",
		"github.base_url":            "",
		"github.requests_per_second": 10.0,
		"email.from":                 "",
		"email.resend_api_key":       "",
		"email.resend_base_url":      "",
		"email.smtp_url":             "",
		"email.webhook_secret":       "",
		"email.dedup_window":         24 * time.Hour,
		"email.bounce_threshold":     3,
		"server.addr":                ":8080",
		"scheduler.interval":         time.Hour,
		"scheduler.batch_size":       5,
		"scheduler.batch_delay":      time.Second,
		"digest.hour":                9,
		"digest.weekday":             "monday",
		"digest.job_tick":            time.Minute,
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	return v
}

// LoadConfig reads the JSON file at path, then applies a .env file from the
// working directory and STALEWATCH_* environment overrides. A missing file
// is fine; every key has a default.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := newViper()
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Make database path absolute if it's relative
	if config.DatabasePath != ":memory:" && !filepath.IsAbs(config.DatabasePath) {
		config.DatabasePath = filepath.Join(filepath.Dir(path), config.DatabasePath)
	}

	if _, err := config.DigestWeekday(); err != nil {
		return nil, err
	}
	if config.Digest.Hour < 0 || config.Digest.Hour > 23 {
		return nil, fmt.Errorf("digest.hour must be between 0 and 23, got %d", config.Digest.Hour)
	}
	return &config, nil
}

// ValidateEmail checks the settings needed to send mail
func (c *Config) ValidateEmail() error {
	if c.Email.From == "" {
		return ErrNoSender
	}
	if c.Email.ResendAPIKey == "" && c.Email.SMTPURL == "" {
		return ErrNoEmailTransport
	}
	return nil
}

// DigestWeekday parses Digest.Weekday, e.g. "monday" or "Mon"
func (c *Config) DigestWeekday() (time.Weekday, error) {
	want := strings.ToLower(strings.TrimSpace(c.Digest.Weekday))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if want == name || want == name[:3] {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("invalid digest.weekday %q", c.Digest.Weekday)
}

// settings flattens the config into viper keys, with durations rendered as
// strings so the file stays hand-editable
func (c *Config) settings() map[string]any {
	return map[string]any{
		"database_path":              c.DatabasePath,
		"log_level":                  c.LogLevel,
		"github.client_id":           c.GitHub.ClientID,
		"github.client_secret":       c.GitHub.ClientSecret,
		"github.token_url":           c.GitHub.TokenURL,
		"github.base_url":            c.GitHub.BaseURL,
		"github.requests_per_second": c.GitHub.RequestsPerSecond,
		"email.from":                 c.Email.From,
		"email.resend_api_key":       c.Email.ResendAPIKey,
		"email.resend_base_url":      c.Email.ResendBaseURL,
		"email.smtp_url":             c.Email.SMTPURL,
		"email.webhook_secret":       c.Email.WebhookSecret,
		"email.dedup_window":         c.Email.DedupWindow.String(),
		"email.bounce_threshold":     c.Email.BounceThreshold,
		"server.addr":                c.Server.Addr,
		"scheduler.interval":         c.Scheduler.Interval.String(),
		"scheduler.batch_size":       c.Scheduler.BatchSize,
		"scheduler.batch_delay":      c.Scheduler.BatchDelay.String(),
		"digest.hour":                c.Digest.Hour,
		"digest.weekday":             c.Digest.Weekday,
		"digest.job_tick":            c.Digest.JobTick.String(),
	}
}

// SaveConfig saves the configuration to a JSON file
func SaveConfig(config *Config, path string) error {
	v := viper.New()
	v.SetConfigType("json")
	for key, value := range config.settings() {
		v.Set(key, value)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist
func CreateDefaultConfig(path string) error {
	// Check if the file already exists
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, don't overwrite
	}

	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return fmt.Errorf("failed to build default config: %w", err)
	}

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return SaveConfig(&config, path)
}
