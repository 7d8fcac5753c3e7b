package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
)

// MemoryLimiter keeps per-agent write timestamps in process. Check and
// record run under one mutex hold, which is the whole race-safety story.
type MemoryLimiter struct {
	cfg Config

	mu     sync.Mutex
	events map[string][]time.Time
	now    func() time.Time
}

func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:    cfg.withDefaults(),
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)

	kept := l.events[agentID][:0]
	for _, ts := range l.events[agentID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.cfg.Limit {
		l.events[agentID] = kept
		return &discovery.RateLimitError{
			AgentID: agentID,
			Count:   len(kept),
			Limit:   l.cfg.Limit,
			Window:  l.cfg.Window,
		}
	}
	l.events[agentID] = append(kept, now)
	return nil
}
