package domain

import "time"

// AnalyticsConfig controls the per-event-type delivery counters.
type AnalyticsConfig struct {
	Enabled   bool
	Window    time.Duration // 1m, 5m, 1h
	Retention time.Duration // TTL, must be >= Window
}

func DefaultAnalyticsConfig() AnalyticsConfig {
	return AnalyticsConfig{
		Enabled:   true,
		Window:    time.Hour,
		Retention: 7 * 24 * time.Hour,
	}
}
