// Package config loads environment variables and provides a typed Config used
// across the service. Every knob has a usable default; the Twitch app
// credentials are the only hard requirement.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	// HTTP. HTTP_ADDR wins over the PORT shorthand when both are set.
	HTTPAddr string `env:"HTTP_ADDR"`
	Port     string `env:"PORT" default:"8080"`

	// Twitch app credentials for the client credentials flow
	TwitchClientID     string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string `env:"TWITCH_CLIENT_SECRET"`

	// Feed assembly and caching
	FeedCacheTTL    time.Duration `env:"FEED_CACHE_TTL" default:"10m"`
	UserCacheTTL    time.Duration `env:"USER_CACHE_TTL" default:"10m"`
	FeedMaxItems    int           `env:"FEED_MAX_ITEMS" default:"20"`
	FeedMaxPages    int           `env:"FEED_MAX_PAGES" default:"5"`
	FeedIncludeLive bool          `env:"FEED_INCLUDE_LIVE" default:"true"`
	CacheMaxEntries int           `env:"FEED_CACHE_MAX_ENTRIES" default:"0"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" default:"10s"`
}

// Load reads a .env file when present, then the environment, and validates the
// result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"TWITCH_CLIENT_ID":     cfg.TwitchClientID,
		"TWITCH_CLIENT_SECRET": cfg.TwitchClientSecret,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if cfg.FeedCacheTTL <= 0 {
		return fmt.Errorf("FEED_CACHE_TTL must be positive")
	}
	if cfg.UserCacheTTL <= 0 {
		return fmt.Errorf("USER_CACHE_TTL must be positive")
	}
	if cfg.FeedMaxItems <= 0 {
		return fmt.Errorf("FEED_MAX_ITEMS must be positive")
	}
	if cfg.FeedMaxPages <= 0 {
		return fmt.Errorf("FEED_MAX_PAGES must be positive")
	}
	if cfg.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}
	return nil
}

// Addr returns the HTTP bind address.
func (c *Config) Addr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return ":" + c.Port
}
