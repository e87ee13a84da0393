// Package config provides centralized configuration loaded from environment
// variables. Shared by both cmd/gateway and cmd/pulsectl.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// WildcardSubject is the reserved subscription token meaning "all subjects".
const WildcardSubject = "all"

// --------------------------------------------------------------------------
// Config struct, populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// API server
	APIHost     string
	APIPort     int
	Environment string // development, staging, production
	Debug       bool

	// CORS
	CORSAllowOrigins []string

	// HTTP rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Per-connection inbound message limit (messages per second).
	// Protects the single event loop from a chatty client.
	MessageRateLimit float64
	MessageRateBurst int

	// Audit sink (optional). Empty disables the critical-alert audit trail.
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration

	// Monitoring periods
	HeartbeatInterval  time.Duration
	SweepInterval      time.Duration
	StalenessThreshold time.Duration
	// StalenessRepeat preserves the observed behavior of re-alerting a
	// stale subject on every sweep. False fires once per staleness episode.
	StalenessRepeat bool

	// Subject eviction: entries idle longer than
	// StalenessThreshold * SubjectTTLFactor are dropped; SubjectCapacity
	// bounds the map with oldest-first eviction.
	SubjectTTLFactor int
	SubjectCapacity  int

	// Anomaly detector collaborator
	AnomalyTimeout time.Duration

	// Metric thresholds
	HeartRateMin      float64
	HeartRateMax      float64
	HeartRateCritical float64
	StepsWarnFloor    float64
	StepsGoal         float64
	SleepWarnFloor    float64
	SleepTarget       float64
	WeightMaxChange   float64

	// Outbound session buffer (messages queued per connection)
	SendBuffer int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	return &Config{
		APIHost:     envOr("API_HOST", "0.0.0.0"),
		APIPort:     envInt("API_PORT", envInt("PORT", 8090)),
		Environment: envOr("ENVIRONMENT", "development"),
		Debug:       envBool("DEBUG", false),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   envDuration("RATE_LIMIT_WINDOW", time.Minute),

		MessageRateLimit: envFloat("MESSAGE_RATE_LIMIT", 20),
		MessageRateBurst: envInt("MESSAGE_RATE_BURST", 40),

		DatabaseURL:    envOr("DATABASE_URL", ""),
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 1),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 4),
		DBPoolMaxLife:  envDuration("DB_POOL_MAX_LIFE", 30*time.Minute),

		HeartbeatInterval:  envDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		SweepInterval:      envDuration("SWEEP_INTERVAL", 30*time.Second),
		StalenessThreshold: envDuration("STALENESS_THRESHOLD", time.Hour),
		StalenessRepeat:    envBool("STALENESS_REPEAT", true),

		SubjectTTLFactor: envInt("SUBJECT_TTL_FACTOR", 3),
		SubjectCapacity:  envInt("SUBJECT_CAPACITY", 10000),

		AnomalyTimeout: envDuration("ANOMALY_TIMEOUT", 5*time.Second),

		HeartRateMin:      envFloat("HEART_RATE_MIN", 50),
		HeartRateMax:      envFloat("HEART_RATE_MAX", 100),
		HeartRateCritical: envFloat("HEART_RATE_CRITICAL", 120),
		StepsWarnFloor:    envFloat("STEPS_WARN_FLOOR", 3000),
		StepsGoal:         envFloat("STEPS_GOAL", 5000),
		SleepWarnFloor:    envFloat("SLEEP_WARN_FLOOR", 5),
		SleepTarget:       envFloat("SLEEP_TARGET", 6),
		WeightMaxChange:   envFloat("WEIGHT_MAX_CHANGE", 5),

		SendBuffer: envInt("SEND_BUFFER", 256),
	}, nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SubjectTTL is the idle duration after which a subject entry is evicted.
func (c *Config) SubjectTTL() time.Duration {
	factor := c.SubjectTTLFactor
	if factor < 1 {
		factor = 1
	}
	return time.Duration(factor) * c.StalenessThreshold
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
