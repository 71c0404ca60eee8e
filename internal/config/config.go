package config

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported STORE_DRIVER values.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all configuration for webhookd.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	// StoreDriver: "postgres" or "memory" (single process, state lost on restart).
	StoreDriver string `json:"store_driver"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`
	EventBusBufferSize        int           `json:"eventbus_buffer_size"`

	RetryInterval      time.Duration `json:"-"`
	RetryIntervalStr   string        `json:"retry_interval"`
	RetryBatchSize     int           `json:"retry_batch_size"`
	RetryClaimLease    time.Duration `json:"-"`
	RetryClaimLeaseStr string        `json:"retry_claim_lease"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`

	// ReconcileThreshold should exceed the longest a healthy first attempt
	// can take (webhook timeout plus store round trips).
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`
	ReconcileBatchSize    int           `json:"reconcile_batch_size"`

	// LeaderElection restricts the reconciler and pruner to one instance
	// per database. Requires the postgres store.
	LeaderElection bool `json:"leader_election"`

	PruneEnabled      bool          `json:"prune_enabled"`
	PruneSchedule     string        `json:"prune_schedule"`
	PruneRetention    time.Duration `json:"-"`
	PruneRetentionStr string        `json:"prune_retention"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	WebhookMaxResponseBody int `json:"webhook_max_response_body"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	AnalyticsWindow       time.Duration `json:"-"`
	AnalyticsWindowStr    string        `json:"analytics_window"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// loadErrors collects integer values that could not be parsed.
	loadErrors ValidationErrors
}

var defaults = map[string]any{
	"STORE_DRIVER":              "postgres",
	"DB_OP_TIMEOUT":             "5s",
	"DB_MAX_OPEN_CONNS":         25,
	"DB_MAX_IDLE_CONNS":         5,
	"DB_CONN_MAX_LIFETIME":      "30m",
	"DB_CONN_MAX_IDLE_TIME":     "5m",
	"HTTP_SHUTDOWN_TIMEOUT":     "10s",
	"DISPATCHER_DRAIN_TIMEOUT":  "30s",
	"EVENTBUS_BUFFER_SIZE":      100,
	"RETRY_INTERVAL":            "10s",
	"RETRY_BATCH_SIZE":          10,
	"RETRY_CLAIM_LEASE":         "2m",
	"RECONCILE_ENABLED":         false,
	"RECONCILE_INTERVAL":        "5m",
	"RECONCILE_THRESHOLD":       "10m",
	"RECONCILE_BATCH_SIZE":      100,
	"LEADER_ELECTION_ENABLED":   false,
	"PRUNE_ENABLED":             false,
	"PRUNE_SCHEDULE":            "0 3 * * *",
	"PRUNE_RETENTION":           "720h",
	"CIRCUIT_BREAKER_THRESHOLD": 5,
	"CIRCUIT_BREAKER_COOLDOWN":  "2m",
	"WEBHOOK_MAX_RESPONSE_BODY": 10000,
	"METRICS_ENABLED":           false,
	"METRICS_PATH":              "/metrics",
	"METRICS_PORT":              "9090",
	"ANALYTICS_WINDOW":          "1h",
	"ANALYTICS_RETENTION":       "168h",
	"LOG_LEVEL":                 "info",
	"LOG_FORMAT":                "json",
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	cfg := Config{
		DatabaseURL:               v.GetString("DATABASE_URL"),
		StoreDriver:               strings.ToLower(v.GetString("STORE_DRIVER")),
		RedisAddr:                 v.GetString("REDIS_ADDR"),
		HTTPAddr:                  v.GetString("HTTP_ADDR"),
		DBOpTimeoutStr:            v.GetString("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:      v.GetString("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:      v.GetString("DB_CONN_MAX_IDLE_TIME"),
		HTTPShutdownTimeoutStr:    v.GetString("HTTP_SHUTDOWN_TIMEOUT"),
		DispatcherDrainTimeoutStr: v.GetString("DISPATCHER_DRAIN_TIMEOUT"),
		RetryIntervalStr:          v.GetString("RETRY_INTERVAL"),
		RetryClaimLeaseStr:        v.GetString("RETRY_CLAIM_LEASE"),
		ReconcileEnabled:          v.GetBool("RECONCILE_ENABLED"),
		ReconcileIntervalStr:      v.GetString("RECONCILE_INTERVAL"),
		ReconcileThresholdStr:     v.GetString("RECONCILE_THRESHOLD"),
		LeaderElection:            v.GetBool("LEADER_ELECTION_ENABLED"),
		PruneEnabled:              v.GetBool("PRUNE_ENABLED"),
		PruneSchedule:             v.GetString("PRUNE_SCHEDULE"),
		PruneRetentionStr:         v.GetString("PRUNE_RETENTION"),
		CircuitBreakerCooldownStr: v.GetString("CIRCUIT_BREAKER_COOLDOWN"),
		MetricsEnabled:            v.GetBool("METRICS_ENABLED"),
		MetricsPath:               v.GetString("METRICS_PATH"),
		MetricsPort:               v.GetString("METRICS_PORT"),
		AnalyticsWindowStr:        v.GetString("ANALYTICS_WINDOW"),
		AnalyticsRetentionStr:     v.GetString("ANALYTICS_RETENTION"),
		LogLevel:                  strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:                 strings.ToLower(v.GetString("LOG_FORMAT")),
	}

	cfg.DBMaxOpenConns = cfg.positiveInt(v, "DB_MAX_OPEN_CONNS")
	cfg.DBMaxIdleConns = cfg.positiveInt(v, "DB_MAX_IDLE_CONNS")
	cfg.EventBusBufferSize = cfg.positiveInt(v, "EVENTBUS_BUFFER_SIZE")
	cfg.RetryBatchSize = cfg.positiveInt(v, "RETRY_BATCH_SIZE")
	cfg.ReconcileBatchSize = cfg.positiveInt(v, "RECONCILE_BATCH_SIZE")
	cfg.CircuitBreakerThreshold = cfg.nonNegativeInt(v, "CIRCUIT_BREAKER_THRESHOLD")
	cfg.WebhookMaxResponseBody = cfg.positiveInt(v, "WEBHOOK_MAX_RESPONSE_BODY")

	// Support the platform PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := v.GetString("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	// Parse durations; validation is handled separately by Validate().
	cfg.DBOpTimeout = parseDuration(cfg.DBOpTimeoutStr)
	cfg.DBConnMaxLifetime = parseDuration(cfg.DBConnMaxLifetimeStr)
	cfg.DBConnMaxIdleTime = parseDuration(cfg.DBConnMaxIdleTimeStr)
	cfg.HTTPShutdownTimeout = parseDuration(cfg.HTTPShutdownTimeoutStr)
	cfg.DispatcherDrainTimeout = parseDuration(cfg.DispatcherDrainTimeoutStr)
	cfg.RetryInterval = parseDuration(cfg.RetryIntervalStr)
	cfg.RetryClaimLease = parseDuration(cfg.RetryClaimLeaseStr)
	cfg.ReconcileInterval = parseDuration(cfg.ReconcileIntervalStr)
	cfg.ReconcileThreshold = parseDuration(cfg.ReconcileThresholdStr)
	cfg.PruneRetention = parseDuration(cfg.PruneRetentionStr)
	cfg.CircuitBreakerCooldown = parseDuration(cfg.CircuitBreakerCooldownStr)
	cfg.AnalyticsWindow = parseDuration(cfg.AnalyticsWindowStr)
	cfg.AnalyticsRetention = parseDuration(cfg.AnalyticsRetentionStr)

	return cfg
}

func parseDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// positiveInt reads key, falling back to its default when the value is not
// a positive integer.
func (c *Config) positiveInt(v *viper.Viper, key string) int {
	return c.intValue(v, key, 1, "must be a positive integer")
}

func (c *Config) nonNegativeInt(v *viper.Viper, key string) int {
	return c.intValue(v, key, 0, "must be a non-negative integer")
}

func (c *Config) intValue(v *viper.Viper, key string, floor int, msg string) int {
	def := defaults[key].(int)
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err == nil && n >= floor {
		return n
	}
	slog.Warn("config: invalid integer, using default", "key", key, "value", raw, "default", def)
	c.loadErrors = append(c.loadErrors, ValidationError{Field: key, Message: msg + ", got " + strconv.Quote(raw)})
	return def
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.RedisAddr = maskSecret(c.RedisAddr)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "redis://", "rediss://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	if !strings.Contains(s, "@") {
		// Plain host:port carries no credentials.
		return s
	}
	return "***"
}
