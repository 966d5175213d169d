package resilience

import "time"

// Config tunes retries and circuit breaking for calls to the AI collaborators.
type Config struct {
	RetryMaxAttempts    int           `json:"retry_max_attempts" env:"PLANTDEX_RETRY_MAX_ATTEMPTS" env-default:"2"`
	RetryInitialBackoff time.Duration `json:"retry_initial_backoff" env:"PLANTDEX_RETRY_INITIAL_BACKOFF" env-default:"200ms"`
	RetryMaxBackoff     time.Duration `json:"retry_max_backoff" env:"PLANTDEX_RETRY_MAX_BACKOFF" env-default:"1s"`
	RetryMultiplier     float64       `json:"retry_multiplier" env:"PLANTDEX_RETRY_MULTIPLIER" env-default:"2"`

	BreakerEnabled          bool          `json:"breaker_enabled" env:"PLANTDEX_BREAKER_ENABLED" env-default:"true"`
	BreakerMinRequests      uint32        `json:"breaker_min_requests" env:"PLANTDEX_BREAKER_MIN_REQUESTS" env-default:"5"`
	BreakerFailureRatio     float64       `json:"breaker_failure_ratio" env:"PLANTDEX_BREAKER_FAILURE_RATIO" env-default:"0.6"`
	BreakerOpenTimeout      time.Duration `json:"breaker_open_timeout" env:"PLANTDEX_BREAKER_OPEN_TIMEOUT" env-default:"30s"`
	BreakerHalfOpenMaxCalls uint32        `json:"breaker_half_open_max_calls" env:"PLANTDEX_BREAKER_HALF_OPEN_MAX_CALLS" env-default:"1"`
}

func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: 200 * time.Millisecond,
		RetryMaxBackoff:     time.Second,
		RetryMultiplier:     2.0,

		BreakerEnabled:          true,
		BreakerMinRequests:      5,
		BreakerFailureRatio:     0.6,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 1,
	}
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	if out.RetryMaxAttempts <= 0 {
		out.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if out.RetryInitialBackoff <= 0 {
		out.RetryInitialBackoff = def.RetryInitialBackoff
	}
	if out.RetryMaxBackoff <= 0 {
		out.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if out.RetryMaxBackoff < out.RetryInitialBackoff {
		out.RetryMaxBackoff = out.RetryInitialBackoff
	}
	if out.RetryMultiplier < 1.0 {
		out.RetryMultiplier = def.RetryMultiplier
	}

	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenMaxCalls == 0 {
		out.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}

	return out
}
