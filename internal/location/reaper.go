package location

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"slopestream-core/internal/hot"
)

// PresenceReaper periodically removes stale members from the shared
// geo:users set. Redis GEO sets carry one TTL for the whole key, so
// relying on EXPIRE alone never ages out a single quiet user while anyone
// else keeps pinging — the reaper is what actually enforces the sliding
// presence window per member, using each user's own location:{userId}
// hash TTL as the source of truth for staleness.
type PresenceReaper struct {
	hotClient *hot.Client
	interval  time.Duration
}

// NewPresenceReaper builds a PresenceReaper that sweeps on interval.
func NewPresenceReaper(hotClient *hot.Client, interval time.Duration) *PresenceReaper {
	return &PresenceReaper{hotClient: hotClient, interval: interval}
}

// Run sweeps on a timer until ctx is cancelled.
func (r *PresenceReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *PresenceReaper) sweep(ctx context.Context) {
	members, err := r.hotClient.GeoMembers(ctx, geoUsersKey)
	if err != nil {
		log.Error().Err(err).Msg("presence reaper: failed to list geo:users members")
		return
	}

	var reaped int
	for _, userID := range members {
		exists, err := r.hotClient.Exists(ctx, locationKey(userID))
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("presence reaper: exists check failed")
			continue
		}
		if exists {
			continue
		}
		if err := r.hotClient.Raw().ZRem(ctx, geoUsersKey, userID).Err(); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("presence reaper: failed to remove stale geo member")
			continue
		}
		reaped++
	}
	if reaped > 0 {
		log.Debug().Int("count", reaped).Msg("presence reaper: removed stale geo members")
	}
}
