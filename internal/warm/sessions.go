package warm

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/google/uuid"

	"slopestream-core/internal/apperrors"
	"slopestream-core/internal/models"
)

// SessionRepository owns ski_sessions.
type SessionRepository struct {
	pool *Pool
}

// NewSessionRepository builds a SessionRepository bound to pool.
func NewSessionRepository(pool *Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// StartSession closes any prior active session for userID and inserts a
// new one, as a single atomic transaction. This serializes concurrent
// session:start calls from two connections of the same user without any
// in-process lock.
func (r *SessionRepository) StartSession(ctx context.Context, userID string, resortID *string) (*models.Session, error) {
	ctx, cancel := r.pool.withTimeout(ctx)
	defer cancel()

	tx, err := r.pool.db.Begin(ctx)
	if err != nil {
		return nil, apperrors.Transient("warm: begin start-session tx", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		UPDATE ski_sessions
		SET active = false, end_time = $2
		WHERE user_id = $1 AND active = true
	`, userID, now)
	if err != nil {
		return nil, apperrors.Transient("warm: close prior session", err)
	}

	session := &models.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		ResortID:  resortID,
		StartTime: now,
		Active:    true,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ski_sessions (id, user_id, resort_id, start_time, end_time, active,
			total_vertical_meters, total_distance_meters, max_speed_mps)
		VALUES ($1, $2, $3, $4, NULL, true, 0, 0, 0)
	`, session.ID, session.UserID, session.ResortID, session.StartTime)
	if err != nil {
		return nil, apperrors.Transient("warm: insert session", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.Transient("warm: commit start-session tx", err)
	}

	return session, nil
}

// GetByID loads a session by id.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	ctx, cancel := r.pool.withTimeout(ctx)
	defer cancel()

	var s models.Session
	err := r.pool.db.QueryRow(ctx, `
		SELECT id, user_id, resort_id, start_time, end_time, active,
			total_vertical_meters, total_distance_meters, max_speed_mps
		FROM ski_sessions WHERE id = $1
	`, id).Scan(&s.ID, &s.UserID, &s.ResortID, &s.StartTime, &s.EndTime, &s.Active,
		&s.TotalVerticalMeters, &s.TotalDistanceMeters, &s.MaxSpeedMps)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("session not found")
	}
	if err != nil {
		return nil, apperrors.Transient("warm: get session", err)
	}
	return &s, nil
}

// EndSession marks a session inactive and stamps its end time, returning
// the updated row. It does not verify ownership — callers (LocationEngine)
// check that separately so the failure surfaces as Forbidden, not NotFound.
func (r *SessionRepository) EndSession(ctx context.Context, id string) (*models.Session, error) {
	ctx, cancel := r.pool.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	var s models.Session
	err := r.pool.db.QueryRow(ctx, `
		UPDATE ski_sessions
		SET active = false, end_time = $2
		WHERE id = $1
		RETURNING id, user_id, resort_id, start_time, end_time, active,
			total_vertical_meters, total_distance_meters, max_speed_mps
	`, id, now).Scan(&s.ID, &s.UserID, &s.ResortID, &s.StartTime, &s.EndTime, &s.Active,
		&s.TotalVerticalMeters, &s.TotalDistanceMeters, &s.MaxSpeedMps)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("session not found")
	}
	if err != nil {
		return nil, apperrors.Transient("warm: end session", err)
	}
	return &s, nil
}

// AccumulateAggregates adds the given deltas to a session's running totals
// and raises max speed if the observed value is larger, in one WARM
// update.
func (r *SessionRepository) AccumulateAggregates(ctx context.Context, sessionID string, additionalDistance, verticalDescent, observedMaxSpeed float64) error {
	ctx, cancel := r.pool.withTimeout(ctx)
	defer cancel()

	_, err := r.pool.db.Exec(ctx, `
		UPDATE ski_sessions
		SET total_distance_meters = total_distance_meters + $2,
			total_vertical_meters = total_vertical_meters + $3,
			max_speed_mps = GREATEST(max_speed_mps, $4)
		WHERE id = $1
	`, sessionID, additionalDistance, verticalDescent, observedMaxSpeed)
	if err != nil {
		return apperrors.Transient("warm: accumulate aggregates", err)
	}
	return nil
}
