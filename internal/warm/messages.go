package warm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"slopestream-core/internal/apperrors"
	"slopestream-core/internal/models"
)

// MessageRepository owns the messages table.
type MessageRepository struct {
	pool *Pool
}

// NewMessageRepository builds a MessageRepository bound to pool.
func NewMessageRepository(pool *Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Insert durably writes a message, stamping a server-assigned, monotonic
// sentAt. The database clock, combined with WARM's single-writer-per-insert
// nature, gives a safe source of a non-decreasing timestamp per room.
func (r *MessageRepository) Insert(ctx context.Context, msg *models.Message) error {
	ctx, cancel := r.pool.withTimeout(ctx)
	defer cancel()

	msg.ID = uuid.New().String()

	var metaJSON []byte
	if msg.Metadata != nil {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return apperrors.Validation("invalid message metadata")
		}
		metaJSON = b
	}

	err := r.pool.db.QueryRow(ctx, `
		INSERT INTO messages (id, sender_id, group_id, recipient_id, content, metadata, read_by, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, ARRAY[]::text[], now())
		RETURNING sent_at
	`, msg.ID, msg.SenderID, msg.GroupID, msg.RecipientID, msg.Content, metaJSON).Scan(&msg.SentAt)
	if err != nil {
		return apperrors.Transient("warm: insert message", err)
	}
	msg.ReadBy = []string{}
	return nil
}

// MarkRead idempotently adds userID to a message's readBy set: calling it
// twice leaves readBy unchanged.
func (r *MessageRepository) MarkRead(ctx context.Context, messageID, userID string) (time.Time, error) {
	ctx, cancel := r.pool.withTimeout(ctx)
	defer cancel()

	var readAt time.Time
	err := r.pool.db.QueryRow(ctx, `
		UPDATE messages
		SET read_by = CASE WHEN $2 = ANY(read_by) THEN read_by ELSE array_append(read_by, $2) END
		WHERE id = $1
		RETURNING sent_at
	`, messageID, userID).Scan(&readAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, apperrors.NotFound("message not found")
	}
	if err != nil {
		return time.Time{}, apperrors.Transient("warm: mark read", err)
	}
	return time.Now().UTC(), nil
}

// History returns up to limit messages for a room, newest first.
func (r *MessageRepository) History(ctx context.Context, room RoomKey, limit int) ([]models.Message, error) {
	ctx, cancel := r.pool.withTimeout(ctx)
	defer cancel()

	var rows pgx.Rows
	var err error
	if room.GroupID != "" {
		rows, err = r.pool.db.Query(ctx, `
			SELECT id, sender_id, group_id, recipient_id, content, metadata, read_by, sent_at
			FROM messages WHERE group_id = $1
			ORDER BY sent_at DESC LIMIT $2
		`, room.GroupID, limit)
	} else {
		rows, err = r.pool.db.Query(ctx, `
			SELECT id, sender_id, group_id, recipient_id, content, metadata, read_by, sent_at
			FROM messages
			WHERE (sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1)
			ORDER BY sent_at DESC LIMIT $3
		`, room.DMUserA, room.DMUserB, limit)
	}
	if err != nil {
		return nil, apperrors.Transient("warm: history query", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var metaJSON []byte
		if err := rows.Scan(&m.ID, &m.SenderID, &m.GroupID, &m.RecipientID, &m.Content, &metaJSON, &m.ReadBy, &m.SentAt); err != nil {
			return nil, apperrors.Transient("warm: scan message", err)
		}
		if len(metaJSON) > 0 {
			var meta models.MessageMetadata
			if err := json.Unmarshal(metaJSON, &meta); err == nil {
				m.Metadata = &meta
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RoomKey identifies a room for WARM queries without importing the chat
// package (which itself imports warm for access checks), avoiding an
// import cycle.
type RoomKey struct {
	GroupID string
	DMUserA string
	DMUserB string
}
