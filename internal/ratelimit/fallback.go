package ratelimit

import (
	"context"
	"errors"
	"log"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
)

// Fallback tries the primary limiter and, when it fails for any reason
// other than an actual denial, falls through to the secondary. A redis
// outage then degrades to the SQL limiter instead of blocking writes.
type Fallback struct {
	Primary   Limiter
	Secondary Limiter
	Logger    *log.Logger
}

func (f *Fallback) Allow(ctx context.Context, agentID string) error {
	err := f.Primary.Allow(ctx, agentID)
	if err == nil {
		return nil
	}
	var denied *discovery.RateLimitError
	if errors.As(err, &denied) {
		return err
	}
	if f.Logger != nil {
		f.Logger.Printf("warn: primary rate limiter failed, using fallback: %v", err)
	}
	return f.Secondary.Allow(ctx, agentID)
}
