package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
)

// SQLLimiter records write events in PostgreSQL. An advisory lock keyed by
// agent serializes concurrent admission checks for the same agent without
// blocking other agents.
type SQLLimiter struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

func NewSQLLimiter(db *sql.DB, cfg Config) *SQLLimiter {
	return &SQLLimiter{db: db, cfg: cfg.withDefaults(), now: time.Now}
}

func (l *SQLLimiter) Allow(ctx context.Context, agentID string) (err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rate limit tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, "ratelimit:"+agentID); err != nil {
		return fmt.Errorf("acquire rate limit lock: %w", err)
	}

	cutoff := l.now().Add(-l.cfg.Window)
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM rate_limit_events WHERE agent_id = $1 AND occurred_at < $2`,
		agentID, cutoff); err != nil {
		return fmt.Errorf("prune rate limit events: %w", err)
	}

	var count int
	if err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limit_events WHERE agent_id = $1`,
		agentID).Scan(&count); err != nil {
		return fmt.Errorf("count rate limit events: %w", err)
	}
	if count >= l.cfg.Limit {
		// Returned through the named error so the deferred commit turns
		// into a rollback.
		err = &discovery.RateLimitError{
			AgentID: agentID,
			Count:   count,
			Limit:   l.cfg.Limit,
			Window:  l.cfg.Window,
		}
		return err
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO rate_limit_events (agent_id, occurred_at) VALUES ($1, $2)`,
		agentID, l.now()); err != nil {
		return fmt.Errorf("record rate limit event: %w", err)
	}
	return nil
}
