package config

import (
	"fmt"
	"time"

	"github.com/BetterDB-inc/monitor-sub000/internal/cron"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	errs := append(ValidationErrors(nil), cfg.loadErrors...)

	switch cfg.StoreDriver {
	case "", StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, ValidationError{
				Field:   "DATABASE_URL",
				Message: "required",
			})
		}
	case StoreDriverMemory:
		if cfg.LeaderElection {
			errs = append(errs, ValidationError{
				Field:   "LEADER_ELECTION_ENABLED",
				Message: "requires STORE_DRIVER=postgres",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "STORE_DRIVER",
			Message: fmt.Sprintf("must be 'postgres' or 'memory', got %q", cfg.StoreDriver),
		})
	}

	durations := []struct {
		field string
		value string
	}{
		{"DB_OP_TIMEOUT", cfg.DBOpTimeoutStr},
		{"DB_CONN_MAX_LIFETIME", cfg.DBConnMaxLifetimeStr},
		{"DB_CONN_MAX_IDLE_TIME", cfg.DBConnMaxIdleTimeStr},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr},
		{"DISPATCHER_DRAIN_TIMEOUT", cfg.DispatcherDrainTimeoutStr},
		{"RETRY_INTERVAL", cfg.RetryIntervalStr},
		{"RETRY_CLAIM_LEASE", cfg.RetryClaimLeaseStr},
		{"RECONCILE_INTERVAL", cfg.ReconcileIntervalStr},
		{"RECONCILE_THRESHOLD", cfg.ReconcileThresholdStr},
		{"PRUNE_RETENTION", cfg.PruneRetentionStr},
		{"CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr},
		{"ANALYTICS_WINDOW", cfg.AnalyticsWindowStr},
		{"ANALYTICS_RETENTION", cfg.AnalyticsRetentionStr},
	}
	for _, d := range durations {
		if err := validateDuration(d.field, d.value); err != nil {
			errs = append(errs, *err)
		}
	}

	if cfg.AnalyticsWindowStr != "" {
		if w, err := time.ParseDuration(cfg.AnalyticsWindowStr); err == nil &&
			w != time.Minute && w != 5*time.Minute && w != time.Hour {
			errs = append(errs, ValidationError{
				Field:   "ANALYTICS_WINDOW",
				Message: fmt.Sprintf("must be 1m, 5m or 1h, got %q", cfg.AnalyticsWindowStr),
			})
		}
	}

	if cfg.PruneEnabled {
		if _, err := cron.NewParser().Parse(cfg.PruneSchedule, "UTC"); err != nil {
			errs = append(errs, ValidationError{
				Field:   "PRUNE_SCHEDULE",
				Message: fmt.Sprintf("invalid cron expression %q", cfg.PruneSchedule),
			})
		}
	}

	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "LOG_LEVEL",
			Message: fmt.Sprintf("must be one of debug, info, warn, error; got %q", cfg.LogLevel),
		})
	}

	switch cfg.LogFormat {
	case "", "json", "text":
	default:
		errs = append(errs, ValidationError{
			Field:   "LOG_FORMAT",
			Message: fmt.Sprintf("must be 'json' or 'text', got %q", cfg.LogFormat),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// validateDuration accepts an empty value; Load always fills defaults.
func validateDuration(field, value string) *ValidationError {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return &ValidationError{Field: field, Message: fmt.Sprintf("invalid duration: %v", err)}
	}
	if d <= 0 {
		return &ValidationError{Field: field, Message: "must be positive"}
	}
	return nil
}
