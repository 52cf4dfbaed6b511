// Package config provides centralized configuration management for webprobe.
// Configuration is layered: an optional YAML file, then an optional .env
// file, then environment variables, and finally CLI flags applied by the
// caller. Validate reports every problem at once.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultEngine         = "playwright"
	defaultBrowser        = "chromium"
	defaultTimeout        = 5 * time.Second
	defaultPollInterval   = 100 * time.Millisecond
	defaultArtifactsDir   = "./artifacts"
	defaultResultsDB      = "./webprobe.db"
	defaultListenAddr     = ":8089"
	defaultS3Region       = "auto"
	defaultNotifyFrom     = "webprobe@localhost"
	defaultViewportWidth  = 1280
	defaultViewportHeight = 800
)

// Engines lists the accepted engine names.
var Engines = []string{"playwright", "rod", "selenium", "fake"}

// Config holds all webprobe configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Browser BrowserConfig `yaml:"browser"`
	Run     RunConfig     `yaml:"run"`

	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Results   ResultsConfig   `yaml:"results"`
	Notify    NotifyConfig    `yaml:"notify"`
	Serve     ServeConfig     `yaml:"serve"`
}

// BrowserConfig selects and tunes the automation engine.
type BrowserConfig struct {
	Engine           string        `yaml:"engine"`
	Browser          string        `yaml:"browser"`
	Headless         bool          `yaml:"headless"`
	RemoteURL        string        `yaml:"remote_url"` // Selenium hub or rod control URL
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ActionsPerSecond float64       `yaml:"actions_per_second"` // 0 = unthrottled
	ViewportWidth    int           `yaml:"viewport_width"`
	ViewportHeight   int           `yaml:"viewport_height"`
}

// RunConfig controls test execution.
type RunConfig struct {
	MaxAttempts int           `yaml:"max_attempts"` // 1 = no retry
	Parallel    int           `yaml:"parallel"`
	TestTimeout time.Duration `yaml:"test_timeout"`
	FailFast    bool          `yaml:"fail_fast"`
}

// ArtifactsConfig selects where screenshots are stored.
type ArtifactsConfig struct {
	Dir                string `yaml:"dir"`
	UseS3              bool   `yaml:"use_s3"`
	ThumbnailWidth     int    `yaml:"thumbnail_width"`
	ScreenshotOnRetry  bool   `yaml:"screenshot_on_retry"`
	AWSEndpointS3      string `yaml:"s3_endpoint"`
	AWSRegion          string `yaml:"s3_region"`
	AWSAccessKeyID     string `yaml:"-"`
	AWSSecretAccessKey string `yaml:"-"`
	AWSBucketName      string `yaml:"s3_bucket"`
	AWSPublicURL       string `yaml:"s3_public_url"`
	// S3Prefix is prepended to every object key.
	S3Prefix string `yaml:"s3_prefix"`
}

// ResultsConfig locates the results database.
type ResultsConfig struct {
	DatabasePath string `yaml:"database_path"`
	Key          string `yaml:"-"` // optional 64 hex chars; enables SQLCipher
	Disabled     bool   `yaml:"disabled"`
}

// NotifyConfig controls report emails.
type NotifyConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Always       bool     `yaml:"always"` // send even when every test passed
	UseMock      bool     `yaml:"use_mock"`
	ResendAPIKey string   `yaml:"-"`
	From         string   `yaml:"from"`
	To           []string `yaml:"to"`
}

// ServeConfig controls the MCP browser server.
type ServeConfig struct {
	ListenAddr     string  `yaml:"listen_addr"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	Token          string  `yaml:"-"` // optional bearer token required by /mcp
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Browser: BrowserConfig{
			Engine:         defaultEngine,
			Browser:        defaultBrowser,
			Headless:       true,
			Timeout:        defaultTimeout,
			PollInterval:   defaultPollInterval,
			ViewportWidth:  defaultViewportWidth,
			ViewportHeight: defaultViewportHeight,
		},
		Run: RunConfig{
			MaxAttempts: 1,
			Parallel:    1,
		},
		Artifacts: ArtifactsConfig{
			Dir:               defaultArtifactsDir,
			ThumbnailWidth:    320,
			ScreenshotOnRetry: true,
			AWSRegion:         defaultS3Region,
			S3Prefix:          "webprobe",
		},
		Results: ResultsConfig{
			DatabasePath: defaultResultsDB,
		},
		Notify: NotifyConfig{
			From: defaultNotifyFrom,
		},
		Serve: ServeConfig{
			ListenAddr:     defaultListenAddr,
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
	}
}

// Load reads configuration from the optional YAML file at path, the optional
// .env file at envFile, and environment variables. Either path may be empty.
// The result is not validated; call Validate after applying CLI overrides.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := cfg.decodeYAML(f); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if envFile != "" {
		// godotenv never overrides variables already present in the environment.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) decodeYAML(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnvOrDefault("WEBPROBE_LOG_LEVEL", c.LogLevel)

	// Browser
	c.Browser.Engine = getEnvOrDefault("WEBPROBE_ENGINE", c.Browser.Engine)
	c.Browser.Browser = getEnvOrDefault("WEBPROBE_BROWSER", c.Browser.Browser)
	c.Browser.Headless = parseBoolOrDefault("WEBPROBE_HEADLESS", c.Browser.Headless)
	c.Browser.RemoteURL = getEnvOrDefault("WEBPROBE_REMOTE_URL", c.Browser.RemoteURL)
	c.Browser.BaseURL = getEnvOrDefault("WEBPROBE_BASE_URL", c.Browser.BaseURL)
	c.Browser.Timeout = parseDurationOrDefault("WEBPROBE_TIMEOUT", c.Browser.Timeout)
	c.Browser.PollInterval = parseDurationOrDefault("WEBPROBE_POLL_INTERVAL", c.Browser.PollInterval)
	c.Browser.ActionsPerSecond = parseFloat64OrDefault("WEBPROBE_ACTIONS_PER_SECOND", c.Browser.ActionsPerSecond)

	// Run
	c.Run.MaxAttempts = parseIntOrDefault("WEBPROBE_MAX_ATTEMPTS", c.Run.MaxAttempts)
	c.Run.Parallel = parseIntOrDefault("WEBPROBE_PARALLEL", c.Run.Parallel)
	c.Run.TestTimeout = parseDurationOrDefault("WEBPROBE_TEST_TIMEOUT", c.Run.TestTimeout)

	// Artifacts (AWS_ names match what S3-compatible providers export)
	c.Artifacts.Dir = getEnvOrDefault("WEBPROBE_ARTIFACTS_DIR", c.Artifacts.Dir)
	c.Artifacts.UseS3 = parseBoolOrDefault("WEBPROBE_ARTIFACTS_S3", c.Artifacts.UseS3)
	c.Artifacts.AWSEndpointS3 = getEnvOrDefault("AWS_ENDPOINT_URL_S3", c.Artifacts.AWSEndpointS3)
	c.Artifacts.AWSRegion = getEnvOrDefault("AWS_REGION", c.Artifacts.AWSRegion)
	c.Artifacts.AWSAccessKeyID = strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
	c.Artifacts.AWSSecretAccessKey = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY"))
	c.Artifacts.AWSBucketName = getEnvOrDefault("BUCKET_NAME", c.Artifacts.AWSBucketName)
	c.Artifacts.AWSPublicURL = getEnvOrDefault("S3_PUBLIC_URL", c.Artifacts.AWSPublicURL)
	c.Artifacts.S3Prefix = getEnvOrDefault("WEBPROBE_ARTIFACTS_S3_PREFIX", c.Artifacts.S3Prefix)
	if c.Artifacts.AWSPublicURL == "" && c.Artifacts.AWSEndpointS3 != "" && c.Artifacts.AWSBucketName != "" {
		c.Artifacts.AWSPublicURL = strings.TrimRight(c.Artifacts.AWSEndpointS3, "/") + "/" + c.Artifacts.AWSBucketName
	}

	// Results
	c.Results.DatabasePath = getEnvOrDefault("WEBPROBE_RESULTS_DB", c.Results.DatabasePath)
	c.Results.Key = strings.TrimSpace(os.Getenv("WEBPROBE_RESULTS_KEY"))

	// Notify
	c.Notify.ResendAPIKey = strings.TrimSpace(os.Getenv("RESEND_API_KEY"))
	c.Notify.From = getEnvOrDefault("WEBPROBE_NOTIFY_FROM", c.Notify.From)
	if to := strings.TrimSpace(os.Getenv("WEBPROBE_NOTIFY_TO")); to != "" {
		c.Notify.To = splitList(to)
	}
	c.Notify.Enabled = parseBoolOrDefault("WEBPROBE_NOTIFY", c.Notify.Enabled)

	// Serve
	c.Serve.ListenAddr = getEnvOrDefault("WEBPROBE_LISTEN_ADDR", c.Serve.ListenAddr)
	c.Serve.RateLimitRPS = parseFloat64OrDefault("WEBPROBE_RATE_LIMIT_RPS", c.Serve.RateLimitRPS)
	c.Serve.RateLimitBurst = parseIntOrDefault("WEBPROBE_RATE_LIMIT_BURST", c.Serve.RateLimitBurst)
	c.Serve.Token = strings.TrimSpace(os.Getenv("WEBPROBE_SERVE_TOKEN"))
}

// Validate checks that all required configuration is present and valid.
func (c *Config) Validate() error {
	var errs []string

	if !contains(Engines, c.Browser.Engine) {
		errs = append(errs, fmt.Sprintf("engine %q is not one of %s", c.Browser.Engine, strings.Join(Engines, ", ")))
	}
	if c.Browser.Engine == "selenium" && c.Browser.RemoteURL == "" {
		errs = append(errs, "WEBPROBE_REMOTE_URL is required for the selenium engine")
	}
	if c.Browser.Timeout <= 0 {
		errs = append(errs, "WEBPROBE_TIMEOUT must be positive")
	}
	if c.Browser.PollInterval <= 0 {
		errs = append(errs, "WEBPROBE_POLL_INTERVAL must be positive")
	} else if c.Browser.Timeout > 0 && c.Browser.PollInterval > c.Browser.Timeout {
		errs = append(errs, "WEBPROBE_POLL_INTERVAL must not exceed WEBPROBE_TIMEOUT")
	}
	if c.Browser.ActionsPerSecond < 0 {
		errs = append(errs, "WEBPROBE_ACTIONS_PER_SECOND must not be negative")
	}
	if c.Run.MaxAttempts < 1 {
		errs = append(errs, "WEBPROBE_MAX_ATTEMPTS must be at least 1")
	}
	if c.Run.Parallel < 1 {
		errs = append(errs, "WEBPROBE_PARALLEL must be at least 1")
	}

	if c.Artifacts.UseS3 {
		if c.Artifacts.AWSEndpointS3 == "" {
			errs = append(errs, "AWS_ENDPOINT_URL_S3 is required when artifacts use S3")
		}
		if c.Artifacts.AWSBucketName == "" {
			errs = append(errs, "BUCKET_NAME is required when artifacts use S3")
		}
		if c.Artifacts.AWSAccessKeyID == "" || c.Artifacts.AWSSecretAccessKey == "" {
			errs = append(errs, "AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required when artifacts use S3")
		}
	} else if c.Artifacts.Dir == "" {
		errs = append(errs, "WEBPROBE_ARTIFACTS_DIR must not be empty")
	}

	if !c.Results.Disabled {
		if c.Results.DatabasePath == "" {
			errs = append(errs, "WEBPROBE_RESULTS_DB must not be empty")
		}
		if c.Results.Key != "" && len(c.Results.Key) != 64 {
			errs = append(errs, "WEBPROBE_RESULTS_KEY must be 64 hex characters (32 bytes)")
		}
	}

	if c.Notify.Enabled {
		if len(c.Notify.To) == 0 {
			errs = append(errs, "WEBPROBE_NOTIFY_TO is required when notifications are enabled")
		}
		if !c.Notify.UseMock && c.Notify.ResendAPIKey == "" {
			errs = append(errs, "RESEND_API_KEY is required when notifications are enabled (or set notify.use_mock)")
		}
	}

	if c.Serve.RateLimitRPS <= 0 {
		errs = append(errs, "WEBPROBE_RATE_LIMIT_RPS must be positive")
	}
	if c.Serve.RateLimitBurst <= 0 {
		errs = append(errs, "WEBPROBE_RATE_LIMIT_BURST must be positive")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// PrintStartupSummary prints a human-readable summary of the configuration.
func (c *Config) PrintStartupSummary(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "webprobe starting...")
	fmt.Fprintf(w, "  Engine:    %s (%s, headless=%t)\n", c.Browser.Engine, c.Browser.Browser, c.Browser.Headless)
	if c.Browser.BaseURL != "" {
		fmt.Fprintf(w, "  Base:      %s\n", c.Browser.BaseURL)
	}
	fmt.Fprintf(w, "  Timeouts:  wait=%s poll=%s\n", c.Browser.Timeout, c.Browser.PollInterval)
	fmt.Fprintf(w, "  Run:       attempts=%d parallel=%d\n", c.Run.MaxAttempts, c.Run.Parallel)
	if c.Artifacts.UseS3 {
		fmt.Fprintf(w, "  Artifacts: S3 (endpoint: %s, bucket: %s, prefix: %s)\n", c.Artifacts.AWSEndpointS3, c.Artifacts.AWSBucketName, c.Artifacts.S3Prefix)
	} else {
		fmt.Fprintf(w, "  Artifacts: %s\n", c.Artifacts.Dir)
	}
	if c.Results.Disabled {
		fmt.Fprintln(w, "  Results:   disabled")
	} else {
		fmt.Fprintf(w, "  Results:   %s (encrypted=%t)\n", c.Results.DatabasePath, c.Results.Key != "")
	}
	if c.Notify.Enabled {
		mode := "Resend"
		if c.Notify.UseMock {
			mode = "mock"
		}
		fmt.Fprintf(w, "  Notify:    %s -> %s\n", mode, strings.Join(c.Notify.To, ", "))
	}
	fmt.Fprintln(w, "")
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
