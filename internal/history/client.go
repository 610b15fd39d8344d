// Package history fetches historical price rows from the REST backend.
//
// The client covers the two endpoints the live series reconciler
// seeds from: daily rows for the daily timeframe and intraday rows for
// everything finer. It performs authenticated, rate-limited GETs and
// returns the rows exactly as the backend sent them; caching strategy
// belongs to the caller (the reconciler keeps its own one-symbol
// intraday cache).
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"chartfeed/internal/model"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultRateLimit = 5 // requests per second

	dailyPath    = "/price-history/daily"
	intradayPath = "/price-history/intraday"
)

// ErrRequestFailed indicates a non-2xx response from the backend.
var ErrRequestFailed = errors.New("history request failed")

// Config holds settings for the history client.
type Config struct {
	// BaseURL is the REST backend root, e.g. "https://api.example.com".
	// Required.
	BaseURL string

	// Token is the static bearer token attached to every request.
	// Ignored when Secret is set.
	Token string

	// Secret, when non-empty, switches the client to per-request signed
	// JWTs (HS256) instead of the static token.
	Secret string

	// Subject is the "sub" claim of signed JWTs, typically the API key.
	Subject string

	// Timeout bounds each request; defaults to 15s.
	Timeout time.Duration

	// RateLimit caps requests per second; defaults to 5.
	RateLimit int
}

// Client issues authenticated requests against the price-history API.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewClient returns a history client for the configured backend.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
		logger:  log.With().Str("component", "history").Logger(),
	}, nil
}

// Daily fetches the symbol's daily price-history rows.
func (c *Client) Daily(ctx context.Context, symbol string) ([]model.PriceHistoryRow, error) {
	return c.fetch(ctx, dailyPath, symbol)
}

// Intraday fetches the symbol's intraday price-history rows at the
// backend's base granularity.
func (c *Client) Intraday(ctx context.Context, symbol string) ([]model.PriceHistoryRow, error) {
	return c.fetch(ctx, intradayPath, symbol)
}

// fetch performs one rate-limited, authenticated GET and decodes the
// row payload.
func (c *Client) fetch(ctx context.Context, path, symbol string) ([]model.PriceHistoryRow, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.cfg.BaseURL + path + "?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(req); err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("path", path).
			Str("symbol", symbol).
			Msg("history request rejected")
		return nil, fmt.Errorf("%w: http %d: %s", ErrRequestFailed, resp.StatusCode, body)
	}

	var rows []model.PriceHistoryRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: decoding rows: %v", ErrRequestFailed, err)
	}

	c.logger.Debug().
		Str("path", path).
		Str("symbol", symbol).
		Int("rows", len(rows)).
		Msg("history fetched")
	return rows, nil
}

// authorize attaches the bearer credential: a freshly signed
// short-lived JWT when a signing secret is configured, otherwise the
// static token.
func (c *Client) authorize(req *http.Request) error {
	switch {
	case c.cfg.Secret != "":
		now := time.Now().UTC()
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iat": now.Unix(),
			"exp": now.Add(2 * time.Minute).Unix(),
			"sub": c.cfg.Subject,
		})
		signed, err := token.SignedString([]byte(c.cfg.Secret))
		if err != nil {
			return fmt.Errorf("signing request token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+signed)
	case c.cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return nil
}
