package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all SRE Sentinel configuration from environment variables.
type Config struct {
	// Docker connection
	DockerHost string

	// Discovery
	MonitorLabel      string
	ServiceLabel      string
	DiscoveryInterval time.Duration

	// Log ingestion
	LogLinesPerCheck int           // window size before a classifier check
	LogFlushInterval time.Duration // flush a partial window after this long
	LogCheckInterval time.Duration // metrics sampling period

	// Inference endpoints
	FastClassifierURL     string
	FastClassifierKey     string
	FastClassifierModel   string
	FastClassifierTimeout time.Duration
	DeepAnalyzerURL       string
	DeepAnalyzerKey       string
	DeepAnalyzerModel     string
	DeepAnalyzerTimeout   time.Duration

	// Remediation
	ToolGatewayURL  string
	AutoHealEnabled bool

	// Analyzer context
	ComposeFilePath string // optional compose file for service config context

	// External API
	APIPort string

	// Event bus
	EventBusQueueSize        int
	EventBusJournalPath      string // empty disables the durable journal
	EventBusJournalRetention time.Duration
	EventBusPruneSchedule    string // cron spec for journal pruning

	// Notifications
	NotifyURLs string // comma-separated provider endpoints

	// Observability
	MetricsTextfileDir string
	LogJSON            bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DockerHost:        envStr("DOCKER_HOST", "/var/run/docker.sock"),
		MonitorLabel:      envStr("MONITOR_LABEL", "sre-sentinel.monitor"),
		ServiceLabel:      envStr("SERVICE_LABEL", "sre-sentinel.service"),
		DiscoveryInterval: envDuration("DISCOVERY_INTERVAL", 15*time.Second),

		LogLinesPerCheck: envInt("LOG_LINES_PER_CHECK", 20),
		LogFlushInterval: envDuration("LOG_FLUSH_INTERVAL", 2*time.Second),
		LogCheckInterval: envDuration("LOG_CHECK_INTERVAL", 5*time.Second),

		FastClassifierURL:     envStr("FAST_CLASSIFIER_URL", ""),
		FastClassifierKey:     envStr("FAST_CLASSIFIER_KEY", ""),
		FastClassifierModel:   envStr("FAST_CLASSIFIER_MODEL", ""),
		FastClassifierTimeout: envDuration("FAST_CLASSIFIER_TIMEOUT", 3*time.Second),
		DeepAnalyzerURL:       envStr("DEEP_ANALYZER_URL", ""),
		DeepAnalyzerKey:       envStr("DEEP_ANALYZER_KEY", ""),
		DeepAnalyzerModel:     envStr("DEEP_ANALYZER_MODEL", ""),
		DeepAnalyzerTimeout:   envDuration("DEEP_ANALYZER_TIMEOUT", 45*time.Second),

		ToolGatewayURL:  envStr("TOOL_GATEWAY_URL", ""),
		AutoHealEnabled: envBool("AUTO_HEAL_ENABLED", true),

		ComposeFilePath: envStr("COMPOSE_FILE_PATH", ""),

		APIPort: envStr("API_PORT", "8000"),

		EventBusQueueSize:        envInt("EVENT_BUS_QUEUE_SIZE", 64),
		EventBusJournalPath:      envStr("EVENT_BUS_JOURNAL_PATH", ""),
		EventBusJournalRetention: envDuration("EVENT_BUS_JOURNAL_RETENTION", 24*time.Hour),
		EventBusPruneSchedule:    envStr("EVENT_BUS_PRUNE_SCHEDULE", "0 * * * *"),

		NotifyURLs: envStr("NOTIFY_URLS", ""),

		MetricsTextfileDir: envStr("METRICS_TEXTFILE_DIR", ""),
		LogJSON:            envBool("LOG_JSON", false),
	}
}

// Validate checks configuration for missing or invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.FastClassifierURL == "" {
		errs = append(errs, errors.New("FAST_CLASSIFIER_URL is required"))
	}
	if c.FastClassifierModel == "" {
		errs = append(errs, errors.New("FAST_CLASSIFIER_MODEL is required"))
	}
	if c.DeepAnalyzerURL == "" {
		errs = append(errs, errors.New("DEEP_ANALYZER_URL is required"))
	}
	if c.DeepAnalyzerModel == "" {
		errs = append(errs, errors.New("DEEP_ANALYZER_MODEL is required"))
	}
	if c.AutoHealEnabled && c.ToolGatewayURL == "" {
		errs = append(errs, errors.New("TOOL_GATEWAY_URL is required when AUTO_HEAL_ENABLED=true"))
	}
	if c.LogLinesPerCheck <= 0 {
		errs = append(errs, fmt.Errorf("LOG_LINES_PER_CHECK must be > 0, got %d", c.LogLinesPerCheck))
	}
	if c.LogCheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("LOG_CHECK_INTERVAL must be > 0, got %s", c.LogCheckInterval))
	}
	if c.LogFlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("LOG_FLUSH_INTERVAL must be > 0, got %s", c.LogFlushInterval))
	}
	if c.DiscoveryInterval <= 0 {
		errs = append(errs, fmt.Errorf("DISCOVERY_INTERVAL must be > 0, got %s", c.DiscoveryInterval))
	}
	if c.FastClassifierTimeout <= 0 {
		errs = append(errs, fmt.Errorf("FAST_CLASSIFIER_TIMEOUT must be > 0, got %s", c.FastClassifierTimeout))
	}
	if c.DeepAnalyzerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DEEP_ANALYZER_TIMEOUT must be > 0, got %s", c.DeepAnalyzerTimeout))
	}
	if c.EventBusQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_BUS_QUEUE_SIZE must be > 0, got %d", c.EventBusQueueSize))
	}
	if _, err := strconv.Atoi(c.APIPort); err != nil {
		errs = append(errs, fmt.Errorf("API_PORT must be numeric, got %q", c.APIPort))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
