// Package registry maintains the mapping from userId to the set of
// connection handles that user currently holds, both locally (for direct
// delivery) and cross-node in HOT (for presence and fan-out targeting).
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"slopestream-core/internal/hot"
)

// UserChannelSubscriber subscribes/unsubscribes this node's per-user
// backplane channel, letting Registry own the "subscribe while a user has
// at least one local connection" lifecycle in one place.
type UserChannelSubscriber interface {
	SubscribeUser(userID string)
	UnsubscribeUser(userID string)
}

// PresenceCleaner is notified when a user's last connection anywhere in
// the fleet closes, so hot presence (geo set + location hash) can be
// cleared without ending their session.
type PresenceCleaner interface {
	ClearPresence(ctx context.Context, userID string)
}

// LocalConn is the in-process record for one connection handle.
type LocalConn struct {
	Handle   string
	UserID   string
	Rooms    map[string]bool
	LastPing time.Time
}

// Registry tracks every live connection's handle, user binding, and room
// memberships, and mediates presence accounting across them.
type Registry struct {
	hotClient *hot.Client
	backplane UserChannelSubscriber
	cleaner   PresenceCleaner

	mu    sync.RWMutex
	local map[string]*LocalConn // handle -> conn
}

// New builds a Registry. SetPresenceCleaner must be called before Remove
// can clear hot presence (LocationEngine and Registry are mutually
// dependent at construction time).
func New(hotClient *hot.Client, backplane UserChannelSubscriber) *Registry {
	return &Registry{
		hotClient: hotClient,
		backplane: backplane,
		local:     make(map[string]*LocalConn),
	}
}

// SetPresenceCleaner wires the LocationEngine callback.
func (r *Registry) SetPresenceCleaner(c PresenceCleaner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleaner = c
}

// Add registers a new connection handle for userID.
func (r *Registry) Add(ctx context.Context, handle, userID string) error {
	r.mu.Lock()
	r.local[handle] = &LocalConn{
		Handle: handle,
		UserID: userID,
		Rooms:  make(map[string]bool),
	}
	r.mu.Unlock()

	if r.backplane != nil {
		r.backplane.SubscribeUser(userID)
	}

	return r.hotClient.SAdd(ctx, connectionsKey(userID), handle)
}

// Remove unregisters a connection handle. If the user now has zero
// handles globally, the registered PresenceCleaner is invoked.
func (r *Registry) Remove(ctx context.Context, handle string) {
	r.mu.Lock()
	conn, ok := r.local[handle]
	if ok {
		delete(r.local, handle)
	}
	cleaner := r.cleaner
	r.mu.Unlock()

	if !ok {
		return
	}

	if r.backplane != nil {
		r.backplane.UnsubscribeUser(conn.UserID)
	}

	if err := r.hotClient.SRem(ctx, connectionsKey(conn.UserID), handle); err != nil {
		log.Error().Err(err).Str("user_id", conn.UserID).Msg("failed to remove connection from HOT")
	}

	count, err := r.hotClient.SCard(ctx, connectionsKey(conn.UserID))
	if err != nil {
		log.Error().Err(err).Str("user_id", conn.UserID).Msg("failed to count connections")
		return
	}

	if count == 0 && cleaner != nil {
		cleaner.ClearPresence(ctx, conn.UserID)
	}
}

// Get returns the local record for a handle, if any.
func (r *Registry) Get(handle string) (*LocalConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.local[handle]
	return conn, ok
}

// JoinRoom marks a room as joined on the connection's local record.
func (r *Registry) JoinRoom(handle, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.local[handle]; ok {
		conn.Rooms[roomID] = true
	}
}

// LeaveRoom unmarks a room on the connection's local record.
func (r *Registry) LeaveRoom(handle, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.local[handle]; ok {
		delete(conn.Rooms, roomID)
	}
}

// RoomsOf returns the set of rooms joined by a connection, for cleanup on
// disconnect.
func (r *Registry) RoomsOf(handle string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.local[handle]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(conn.Rooms))
	for room := range conn.Rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// LocalHandlesInRoom returns every locally-held connection handle that has
// joined roomID, used by the gateway to deliver a Backplane room fan-out
// to the right local sockets.
func (r *Registry) LocalHandlesInRoom(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for handle, conn := range r.local {
		if conn.Rooms[roomID] {
			out = append(out, handle)
		}
	}
	return out
}

// SetLastPing updates the per-connection throttle timestamp.
func (r *Registry) SetLastPing(handle string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.local[handle]; ok {
		conn.LastPing = t
	}
}

// LastPing reads the per-connection throttle timestamp.
func (r *Registry) LastPing(handle string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.local[handle]
	if !ok {
		return time.Time{}, false
	}
	return conn.LastPing, true
}

// HandlesForUser resolves a user's connection handles from HOT, used to
// fan local delivery out across the fleet: only the handles this node
// actually holds result in a local write.
func (r *Registry) HandlesForUser(ctx context.Context, userID string) ([]string, error) {
	return r.hotClient.SMembers(ctx, connectionsKey(userID))
}

// LocalHandlesFor filters a user's handles to the ones this node holds
// locally.
func (r *Registry) LocalHandlesFor(handles []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(handles))
	for _, h := range handles {
		if _, ok := r.local[h]; ok {
			out = append(out, h)
		}
	}
	return out
}

// IsOnline reports whether a user has at least one connection anywhere in
// the fleet.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.hotClient.SCard(ctx, connectionsKey(userID))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func connectionsKey(userID string) string {
	return "connections:" + userID
}
