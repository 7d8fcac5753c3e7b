// Package ratelimit enforces per-agent write admission over a sliding
// window. Checking the window and recording the new write happen as one
// atomic step in every implementation, so concurrent writers cannot slip
// past the limit between a check and a record.
package ratelimit

import (
	"context"
	"time"
)

const (
	DefaultLimit  = 20
	DefaultWindow = time.Hour
)

// Config sets the admission policy. Zero values take the defaults.
type Config struct {
	Limit  int           `json:"limit" mapstructure:"limit"`
	Window time.Duration `json:"window" mapstructure:"window"`
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Limiter admits or rejects one write for an agent. A denial is reported
// as *discovery.RateLimitError; any other error means the limiter backend
// itself failed.
type Limiter interface {
	Allow(ctx context.Context, agentID string) error
}

// Unlimited admits everything, used when rate limiting is disabled.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) error { return nil }
