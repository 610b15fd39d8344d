// Package config loads the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"chartfeed/internal/model"
	"chartfeed/internal/wire"
)

// Config is the top-level daemon configuration.
type Config struct {
	// Feed configures the WebSocket tick transport.
	Feed FeedConf `yaml:"feed" validate:"required"`

	// History configures the REST price-history backend.
	History HistoryConf `yaml:"history" validate:"required"`

	// Symbols lists the venue-qualified symbols to display.
	Symbols []string `yaml:"symbols" validate:"required,min=1,dive,required"`

	// Timeframe is the initial chart bucket width ("5m" ... "1d").
	// Defaults to 5m.
	Timeframe string `yaml:"timeframe,omitempty"`

	// TickBuffer caps retained ticks per symbol; 0 means the store
	// default.
	TickBuffer int `yaml:"tick_buffer,omitempty" validate:"gte=0"`

	// LogFile, when set, mirrors logs to a size-rotated file.
	LogFile string `yaml:"log_file,omitempty"`
}

// FeedConf holds tick transport settings.
type FeedConf struct {
	// Endpoint is the WebSocket URL. Required.
	Endpoint string `yaml:"endpoint" validate:"required,url"`

	// Format selects the binary frame layout: "standard" (default) or
	// "legacy". The layouts are byte-ambiguous, so the choice lives in
	// configuration, never in content sniffing.
	Format string `yaml:"format,omitempty"`

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool `yaml:"tls_insecure_skip,omitempty"`
}

// HistoryConf holds REST backend settings.
type HistoryConf struct {
	// BaseURL is the REST backend root. Required.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// Token is the static bearer token.
	Token string `yaml:"token,omitempty"`

	// Secret switches to per-request signed JWTs when set.
	Secret string `yaml:"secret,omitempty"`

	// Subject is the JWT "sub" claim used with Secret.
	Subject string `yaml:"subject,omitempty"`

	// RateLimit caps requests per second; 0 means the client default.
	RateLimit int `yaml:"rate_limit,omitempty" validate:"gte=0"`
}

// Load reads, parses and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse YAML: %w", err)
	}

	if cfg.Timeframe == "" {
		cfg.Timeframe = model.Timeframe5m.String()
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := model.ParseTimeframe(cfg.Timeframe); err != nil {
		return nil, err
	}
	if _, err := wire.ParseFormat(cfg.Feed.Format); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ParsedTimeframe returns the configured initial timeframe.
func (c *Config) ParsedTimeframe() model.Timeframe {
	tf, _ := model.ParseTimeframe(c.Timeframe)
	return tf
}

// FrameFormat returns the configured binary frame layout.
func (c *Config) FrameFormat() wire.Format {
	f, _ := wire.ParseFormat(c.Feed.Format)
	return f
}
