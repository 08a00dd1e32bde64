// Package location implements the live location engine: session
// lifecycle, ping ingestion with throttle and validation, the hot geo
// index, and friend-proximity fan-out.
package location

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"slopestream-core/internal/apperrors"
	"slopestream-core/internal/backplane"
	"slopestream-core/internal/hot"
	"slopestream-core/internal/jobqueue"
	"slopestream-core/internal/models"
	"slopestream-core/internal/registry"
	"slopestream-core/internal/warm"
	"slopestream-core/internal/wire"
)

const pingJobTopic = "location-ping"

// Config carries the operator-tunable knobs relevant to this engine.
type Config struct {
	ThrottleInterval      time.Duration
	ProximityRadiusMeters float64
	PresenceTTL           time.Duration
}

// Engine drives session lifecycle, ping ingestion, and friend-proximity
// fan-out.
type Engine struct {
	sessions  *warm.SessionRepository
	social    *warm.SocialRepository
	hotClient *hot.Client
	registry  *registry.Registry
	backplane *backplane.Backplane
	jobs      *jobqueue.Queue
	cfg       Config
}

// New builds a LocationEngine.
func New(sessions *warm.SessionRepository, social *warm.SocialRepository, hotClient *hot.Client,
	reg *registry.Registry, bp *backplane.Backplane, jobs *jobqueue.Queue, cfg Config) *Engine {
	return &Engine{
		sessions:  sessions,
		social:    social,
		hotClient: hotClient,
		registry:  reg,
		backplane: bp,
		jobs:      jobs,
		cfg:       cfg,
	}
}

// SessionStart handles `session:start`: opens a new tracking session,
// closing any prior open one for the same user.
func (e *Engine) SessionStart(ctx context.Context, userID string, resortID *string) (*models.Session, error) {
	if userID == "" {
		return nil, apperrors.Unauthenticated("no user bound to connection")
	}
	session, err := e.sessions.StartSession(ctx, userID, resortID)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// SessionEnd handles `session:end`. On WARM failure, hot presence is
// deliberately left alone so the client may retry.
func (e *Engine) SessionEnd(ctx context.Context, userID, sessionID string) (*models.SessionSummary, error) {
	if userID == "" {
		return nil, apperrors.Unauthenticated("no user bound to connection")
	}

	existing, err := e.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if existing.UserID != userID {
		return nil, apperrors.Forbidden("session does not belong to caller")
	}

	updated, err := e.sessions.EndSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	e.ClearPresence(ctx, userID)

	return &models.SessionSummary{
		TotalVertical:   updated.TotalVerticalMeters,
		TotalDistance:   updated.TotalDistanceMeters,
		MaxSpeed:        updated.MaxSpeedMps,
		DurationSeconds: durationSeconds(updated),
	}, nil
}

func durationSeconds(s *models.Session) int64 {
	if s.EndTime == nil {
		return 0
	}
	return int64(s.EndTime.Sub(s.StartTime).Seconds())
}

// Subscribe records a declared interest in friendIDs for `location:subscribe`.
// This is accepted but is NOT the authoritative fan-out gate — friendship is.
func (e *Engine) Subscribe(ctx context.Context, userID string, friendIDs []string) error {
	if userID == "" {
		return apperrors.Unauthenticated("no user bound to connection")
	}
	key := "subscribe:" + userID
	fields := make(map[string]interface{}, len(friendIDs))
	for _, id := range friendIDs {
		fields[id] = true
	}
	if len(fields) == 0 {
		return nil
	}
	return e.hotClient.HSet(ctx, key, fields)
}

// PingResult is returned from Ping, carrying the ack envelope fields.
type PingResult struct {
	Throttled bool `json:"throttled,omitempty"`
}

// Ping handles `location:ping`: throttles, validates, refreshes hot
// presence, enqueues durable persistence, and fans the position out to
// nearby friends.
func (e *Engine) Ping(ctx context.Context, handle, userID string, ping models.LocationPing) (PingResult, error) {
	if userID == "" {
		return PingResult{}, apperrors.Unauthenticated("no user bound to connection")
	}

	// Step 2: throttle. In-memory only, must not suspend.
	now := time.Now()
	if last, ok := e.registry.LastPing(handle); ok {
		if now.Sub(last) < e.cfg.ThrottleInterval {
			return PingResult{Throttled: true}, nil
		}
	}
	e.registry.SetLastPing(handle, now)

	// Step 3: validate.
	ping.UserID = userID
	if !ping.Validate() {
		return PingResult{}, apperrors.Validation("invalid ping payload")
	}

	// Step 4: HOT geo + hash + TTL refresh.
	if err := e.refreshPresence(ctx, ping); err != nil {
		return PingResult{}, err
	}

	// Step 5: enqueue persistence job. Failure is logged but does not fail
	// the ping — the hot path is the contract.
	if err := e.jobs.Enqueue(ctx, pingJobTopic, ping, jobqueue.DefaultOptions()); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to enqueue ping persistence job")
	}

	// Step 6: fan-out to nearby friends.
	e.fanOut(ctx, userID, ping)

	return PingResult{}, nil
}

// refreshPresence writes a user's latest position into the shared geo
// index and their own location hash, then refreshes only the per-user
// hash's TTL. geo:users is one sorted set shared by every user, so EXPIRE
// on it would set one TTL for the whole set rather than per member — it
// never expires a single stale user while anyone else keeps pinging.
// PresenceReaper (reaper.go) is what actually ages a user out of geo:users,
// using this hash's own TTL as the source of truth for staleness.
func (e *Engine) refreshPresence(ctx context.Context, ping models.LocationPing) error {
	if err := e.hotClient.GeoAdd(ctx, geoUsersKey, ping.Lon, ping.Lat, ping.UserID); err != nil {
		return err
	}
	if err := e.hotClient.HSet(ctx, locationKey(ping.UserID), map[string]interface{}{
		"lat":       ping.Lat,
		"lon":       ping.Lon,
		"altitude":  ping.AltitudeMeters,
		"speed":     ping.SpeedMps,
		"accuracy":  ping.AccuracyMeters,
		"timestamp": ping.CapturedAt.Unix(),
		"sessionId": ping.SessionID,
	}); err != nil {
		return err
	}
	return e.hotClient.Expire(ctx, locationKey(ping.UserID), e.cfg.PresenceTTL)
}

func (e *Engine) fanOut(ctx context.Context, userID string, ping models.LocationPing) {
	nearby, err := e.NearbyFriends(ctx, userID, ping.Lon, ping.Lat)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("nearby friends query failed")
		return
	}

	updatePayload, err := wire.Encode("location:update", map[string]interface{}{
		"userId":    userID,
		"lat":       ping.Lat,
		"lon":       ping.Lon,
		"speed":     ping.SpeedMps,
		"timestamp": ping.CapturedAt.Unix(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode location:update frame")
		return
	}

	for _, friend := range nearby {
		if err := e.backplane.PublishUser(ctx, friend.FriendID, updatePayload); err != nil {
			log.Error().Err(err).Str("friend_id", friend.FriendID).Msg("failed to publish location:update")
		}

		if friend.DistanceM < 100 {
			proxPayload, err := wire.Encode("location:proximity", map[string]interface{}{
				"friendId":   friend.FriendID,
				"friendName": friend.FriendName,
				"distance":   friend.DistanceM,
				"lat":        friend.Lat,
				"lon":        friend.Lon,
			})
			if err != nil {
				log.Error().Err(err).Msg("failed to encode location:proximity frame")
				continue
			}
			if err := e.backplane.PublishUser(ctx, userID, proxPayload); err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("failed to publish location:proximity")
			}
		}
	}
}

// NearbyFriends is friendship-gated, radius-bounded, and ordered by
// distance ascending with member-id tie-break.
func (e *Engine) NearbyFriends(ctx context.Context, userID string, lon, lat float64) ([]models.NearbyFriend, error) {
	friendIDs, err := e.social.AcceptedFriendIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(friendIDs) == 0 {
		return nil, nil
	}
	friendSet := make(map[string]bool, len(friendIDs))
	for _, id := range friendIDs {
		friendSet[id] = true
	}

	members, err := e.hotClient.GeoRadius(ctx, geoUsersKey, lon, lat, e.cfg.ProximityRadiusMeters)
	if err != nil {
		return nil, err
	}

	var out []models.NearbyFriend
	for _, m := range members {
		if m.Member == userID || !friendSet[m.Member] {
			continue
		}
		name, ok, err := e.social.DisplayName(ctx, m.Member)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, models.NearbyFriend{
			FriendID:   m.Member,
			FriendName: name,
			DistanceM:  m.DistanceM,
			Lat:        m.Lat,
			Lon:        m.Lon,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceM != out[j].DistanceM {
			return out[i].DistanceM < out[j].DistanceM
		}
		return out[i].FriendID < out[j].FriendID
	})

	return out, nil
}

// ClearPresence implements registry.PresenceCleaner: it removes a user
// from the hot geo index and location hash without ending their session,
// invoked when their last connection anywhere in the fleet closes.
func (e *Engine) ClearPresence(ctx context.Context, userID string) {
	if err := e.hotClient.Del(ctx, locationKey(userID)); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to clear location hash")
	}
	// geo:users has no per-member delete primitive in the abstract HOT
	// interface; ZREM on the backing sorted set achieves it without
	// adding a new HOT operation.
	if err := e.hotClient.Raw().ZRem(ctx, geoUsersKey, userID).Err(); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to clear geo presence")
	}
}

const geoUsersKey = "geo:users"

func locationKey(userID string) string {
	return "location:" + userID
}
