package warm

import (
	"context"

	"github.com/jackc/pgx/v5"

	"slopestream-core/internal/apperrors"
	"slopestream-core/internal/models"
)

// PingRepository owns the append-only location_pings table.
type PingRepository struct {
	pool *Pool
}

// NewPingRepository builds a PingRepository bound to pool.
func NewPingRepository(pool *Pool) *PingRepository {
	return &PingRepository{pool: pool}
}

// InsertBatch appends every ping in one WARM call, materializing the
// WGS84 point from (lon, lat) via the spatial extension's point
// constructor.
func (r *PingRepository) InsertBatch(ctx context.Context, pings []models.LocationPing) error {
	if len(pings) == 0 {
		return nil
	}

	ctx, cancel := r.pool.withTimeout(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, p := range pings {
		batch.Queue(`
			INSERT INTO location_pings
				(session_id, user_id, point, altitude_meters, speed_mps, accuracy_meters, heading_degrees, captured_at)
			VALUES ($1, $2, ST_SetSRID(ST_MakePoint($3, $4), 4326), $5, $6, $7, $8, $9)
		`, p.SessionID, p.UserID, p.Lon, p.Lat, p.AltitudeMeters, p.SpeedMps, p.AccuracyMeters, p.HeadingDegrees, p.CapturedAt)
	}

	br := r.pool.db.SendBatch(ctx, batch)
	defer br.Close()

	for range pings {
		if _, err := br.Exec(); err != nil {
			return apperrors.Transient("warm: insert ping batch", err)
		}
	}
	return nil
}
