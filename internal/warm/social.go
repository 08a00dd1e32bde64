package warm

import (
	"context"

	"slopestream-core/internal/apperrors"
)

// SocialRepository holds the read-only lookups the core needs against
// tables it does not own: friendships, group membership, display names.
// The seeded schema (users, friendships, groups) is assumed pre-existing.
type SocialRepository struct {
	pool *Pool
}

// NewSocialRepository builds a SocialRepository bound to pool.
func NewSocialRepository(pool *Pool) *SocialRepository {
	return &SocialRepository{pool: pool}
}

// AcceptedFriendIDs lists every user with an ACCEPTED, direction-agnostic
// friendship with userID. No node-local cache is kept here: every
// authorization-sensitive read goes straight to WARM so a revoked
// friendship takes effect on the very next check.
func (r *SocialRepository) AcceptedFriendIDs(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := r.pool.withTimeout(ctx)
	defer cancel()

	rows, err := r.pool.db.Query(ctx, `
		SELECT CASE WHEN user_a_id = $1 THEN user_b_id ELSE user_a_id END
		FROM friendships
		WHERE (user_a_id = $1 OR user_b_id = $1) AND status = 'accepted'
	`, userID)
	if err != nil {
		return nil, apperrors.Transient("warm: accepted friend ids", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var friendID string
		if err := rows.Scan(&friendID); err != nil {
			return nil, apperrors.Transient("warm: scan friend id", err)
		}
		out = append(out, friendID)
	}
	return out, rows.Err()
}

// IsAcceptedFriend checks a single direction-agnostic friendship, used by
// the DM room access check.
func (r *SocialRepository) IsAcceptedFriend(ctx context.Context, a, b string) (bool, error) {
	ctx, cancel := r.pool.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := r.pool.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM friendships
			WHERE status = 'accepted'
				AND ((user_a_id = $1 AND user_b_id = $2) OR (user_a_id = $2 AND user_b_id = $1))
		)
	`, a, b).Scan(&exists)
	if err != nil {
		return false, apperrors.Transient("warm: is accepted friend", err)
	}
	return exists, nil
}

// IsGroupMember checks the group-room access rule.
func (r *SocialRepository) IsGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	ctx, cancel := r.pool.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := r.pool.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)
	`, groupID, userID).Scan(&exists)
	if err != nil {
		return false, apperrors.Transient("warm: is group member", err)
	}
	return exists, nil
}

// DisplayName looks up a user's display name, used to enrich NearbyFriends
// results. Returns ok=false if the user does not exist.
func (r *SocialRepository) DisplayName(ctx context.Context, userID string) (string, bool, error) {
	ctx, cancel := r.pool.withTimeout(ctx)
	defer cancel()

	var name string
	err := r.pool.db.QueryRow(ctx, `SELECT display_name FROM users WHERE id = $1`, userID).Scan(&name)
	if err != nil {
		return "", false, nil
	}
	return name, true, nil
}

// DeviceToken looks up a user's last-registered APNs device token, used
// by the chat push worker. Returns ok=false if no token is on file.
func (r *SocialRepository) DeviceToken(ctx context.Context, userID string) (string, bool, error) {
	ctx, cancel := r.pool.withTimeout(ctx)
	defer cancel()

	var token *string
	err := r.pool.db.QueryRow(ctx, `SELECT device_token FROM users WHERE id = $1`, userID).Scan(&token)
	if err != nil || token == nil || *token == "" {
		return "", false, nil
	}
	return *token, true, nil
}
