package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Core holds the tuning knobs of the relay pool and aggregation core
type Core struct {
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	EOSETimeout    time.Duration
	PublishTimeout time.Duration
	CacheHorizon   time.Duration
	CacheCapacity  int

	RedisURL    string
	SecretKey   string
	BunkerURL   string
	MetricsAddr string
}

// DefaultCore returns the built-in tuning
func DefaultCore() Core {
	return Core{
		BackoffBase:    time.Second,
		BackoffMax:     5 * time.Minute,
		DialTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		EOSETimeout:    4 * time.Second,
		PublishTimeout: 8 * time.Second,
		CacheHorizon:   30 * time.Minute,
		CacheCapacity:  10000,
		MetricsAddr:    ":8080",
	}
}

// CoreFromEnv starts from DefaultCore and applies environment overrides:
// BACKOFF_BASE, BACKOFF_MAX, EOSE_TIMEOUT, PUBLISH_TIMEOUT, CACHE_HORIZON
// (durations), CACHE_CAPACITY, REDIS_URL, NOSTR_SECRET_KEY, BUNKER_URL, PORT
func CoreFromEnv() Core {
	c := DefaultCore()
	envDuration("BACKOFF_BASE", &c.BackoffBase)
	envDuration("BACKOFF_MAX", &c.BackoffMax)
	envDuration("EOSE_TIMEOUT", &c.EOSETimeout)
	envDuration("PUBLISH_TIMEOUT", &c.PublishTimeout)
	envDuration("CACHE_HORIZON", &c.CacheHorizon)
	if v := os.Getenv("CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.CacheCapacity = n
		} else {
			slog.Warn("ignoring invalid CACHE_CAPACITY", "value", v)
		}
	}
	c.RedisURL = os.Getenv("REDIS_URL")
	c.SecretKey = os.Getenv("NOSTR_SECRET_KEY")
	c.BunkerURL = os.Getenv("BUNKER_URL")
	if port := os.Getenv("PORT"); port != "" {
		c.MetricsAddr = ":" + port
	}
	return c
}

func envDuration(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("ignoring invalid duration", "env", name, "value", v)
		return
	}
	*dst = d
}
