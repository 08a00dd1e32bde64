// Package warm is a typed wrapper over the durable, spatially-capable
// relational store: CRUD on ski_sessions, append on location_pings,
// CRUD on messages, and read-only friendship/group/display-name lookups.
// Backed by PostgreSQL with a spatial extension.
package warm

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"slopestream-core/internal/apperrors"
)

// Pool wraps a pgxpool.Pool with a bounded timeout applied to every
// WARM call.
type Pool struct {
	db      *pgxpool.Pool
	Timeout time.Duration
}

// NewPool connects to WARM and verifies connectivity.
func NewPool(ctx context.Context, dsn string, timeout time.Duration) (*Pool, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apperrors.Transient("warm: connect", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		return nil, apperrors.Transient("warm: ping", err)
	}
	return &Pool{db: db, Timeout: timeout}, nil
}

// Close releases the pool.
func (p *Pool) Close() {
	p.db.Close()
}

func (p *Pool) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.Timeout)
}
