package wait

import (
	"math"
	"time"
)

// BackoffConfig defines the delay between attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// Fixed returns a config that always waits d.
func Fixed(d time.Duration) BackoffConfig {
	return BackoffConfig{InitialDelay: d, Multiplier: 1}
}

// NextDelay returns the delay before attempt N (1-based).
func NextDelay(cfg BackoffConfig, attempt int) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}
