// Package chat implements room membership, message send/read/history and
// the ephemeral typing indicator.
package chat

import (
	"context"
	"encoding/json"
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

// PushJobTopic is the after-write job topic consumed by the push worker
// (see push.go).
const PushJobTopic = "chat-push"

// Config carries the cache/typing tunables relevant to chat.
type Config struct {
	HistoryCacheSize int
	HistoryCacheTTL  time.Duration
	TypingTTL        time.Duration
}

// Engine is the ChatEngine.
type Engine struct {
	messages *warm.MessageRepository
	social   *warm.SocialRepository
	hotClient *hot.Client
	registry  *registry.Registry
	backplane *backplane.Backplane
	jobs      *jobqueue.Queue
	cfg       Config
}

// New builds a ChatEngine.
func New(messages *warm.MessageRepository, social *warm.SocialRepository, hotClient *hot.Client,
	reg *registry.Registry, bp *backplane.Backplane, jobs *jobqueue.Queue, cfg Config) *Engine {
	return &Engine{
		messages:  messages,
		social:    social,
		hotClient: hotClient,
		registry:  reg,
		backplane: bp,
		jobs:      jobs,
		cfg:       cfg,
	}
}

// PushJob is the payload enqueued for offline recipients on chat:send.
type PushJob struct {
	RecipientID string `json:"recipient_id"`
	SenderID    string `json:"sender_id"`
	Preview     string `json:"preview"`
}

// Join handles `chat:join`: it authorizes the caller against the
// requested room and subscribes this node's backplane to it.
func (e *Engine) Join(ctx context.Context, handle, userID, groupID, recipientID string) (Room, error) {
	if userID == "" {
		return Room{}, apperrors.Unauthenticated("no user bound to connection")
	}
	room, err := resolveRoom(groupID, recipientID, userID)
	if err != nil {
		return Room{}, err
	}
	if err := e.authorize(ctx, room, userID); err != nil {
		return Room{}, err
	}

	e.backplane.SubscribeRoom(room.ID())
	e.registry.JoinRoom(handle, room.ID())
	return room, nil
}

// Leave handles `chat:leave`.
func (e *Engine) Leave(handle string, room Room) {
	e.registry.LeaveRoom(handle, room.ID())
	e.backplane.UnsubscribeRoom(room.ID())
}

// LeaveAll is called by the gateway on disconnect to unwind every room a
// connection had joined: it also clears the user's typing flag in each
// room and announces isTyping=false so peers don't see a stuck
// "typing..." indicator.
func (e *Engine) LeaveAll(ctx context.Context, userID, handle string) {
	for _, roomID := range e.registry.RoomsOf(handle) {
		e.registry.LeaveRoom(handle, roomID)
		e.backplane.UnsubscribeRoom(roomID)
		e.announceStoppedTyping(ctx, roomID, userID)
	}
}

func (e *Engine) announceStoppedTyping(ctx context.Context, roomID, userID string) {
	if userID == "" {
		return
	}
	if err := e.hotClient.Del(ctx, typingKey(roomID, userID)); err != nil {
		log.Error().Err(err).Str("room", roomID).Msg("chat: failed to clear typing flag on disconnect")
	}
	payload, err := wire.Encode("chat:typing", map[string]interface{}{
		"userId":   userID,
		"roomId":   roomID,
		"isTyping": false,
	})
	if err != nil {
		return
	}
	if err := e.backplane.PublishRoom(ctx, roomID, payload, ""); err != nil {
		log.Error().Err(err).Str("room", roomID).Msg("chat: failed to publish stopped-typing on disconnect")
	}
}

func (e *Engine) authorize(ctx context.Context, room Room, userID string) error {
	switch room.Kind {
	case RoomGroup:
		ok, err := e.social.IsGroupMember(ctx, room.GroupID, userID)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Forbidden("not a member of this group")
		}
	case RoomDM:
		other := room.DMUserA
		if other == userID {
			other = room.DMUserB
		}
		ok, err := e.social.IsAcceptedFriend(ctx, userID, other)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Forbidden("not friends with dm recipient")
		}
	}
	return nil
}

// Send handles `chat:send`: persist, cache, publish, and queue an
// after-write push for an offline recipient.
func (e *Engine) Send(ctx context.Context, userID, groupID, recipientID, content string, metadata *models.MessageMetadata) (*models.Message, error) {
	if userID == "" {
		return nil, apperrors.Unauthenticated("no user bound to connection")
	}
	if content == "" && metadata == nil {
		return nil, apperrors.Validation("message must carry content or metadata")
	}

	room, err := resolveRoom(groupID, recipientID, userID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, room, userID); err != nil {
		return nil, err
	}

	msg := &models.Message{
		SenderID: userID,
		Content:  content,
		Metadata: metadata,
	}
	if room.Kind == RoomGroup {
		gid := room.GroupID
		msg.GroupID = &gid
	} else {
		other := room.DMUserA
		if other == userID {
			other = room.DMUserB
		}
		msg.RecipientID = &other
	}

	if err := e.messages.Insert(ctx, msg); err != nil {
		return nil, err
	}

	e.cacheMessage(ctx, room, *msg)
	_ = e.hotClient.Del(ctx, typingKey(room.ID(), userID))

	payload, err := wire.Encode("chat:message", msg)
	if err != nil {
		return nil, apperrors.Validation("failed to encode chat message")
	}
	if err := e.backplane.PublishRoom(ctx, room.ID(), payload, ""); err != nil {
		log.Error().Err(err).Str("room", room.ID()).Msg("chat: failed to publish message")
	}

	e.queuePushIfOffline(ctx, room, userID, content)

	return msg, nil
}

func (e *Engine) queuePushIfOffline(ctx context.Context, room Room, senderID, content string) {
	var recipients []string
	if room.Kind == RoomDM {
		other := room.DMUserA
		if other == senderID {
			other = room.DMUserB
		}
		recipients = []string{other}
	}
	// Group rooms fan out push via group membership, which this core does
	// not enumerate (no group-roster endpoint in scope); DM push covers
	// the push case this core handles.
	for _, recipientID := range recipients {
		online, err := e.registry.IsOnline(ctx, recipientID)
		if err != nil {
			log.Error().Err(err).Str("recipient_id", recipientID).Msg("chat: presence check failed")
			continue
		}
		if online {
			continue
		}
		job := PushJob{RecipientID: recipientID, SenderID: senderID, Preview: preview(content)}
		if err := e.jobs.Enqueue(ctx, PushJobTopic, job, jobqueue.DefaultOptions()); err != nil {
			log.Error().Err(err).Str("recipient_id", recipientID).Msg("chat: failed to enqueue push job")
		}
	}
}

func preview(content string) string {
	const maxLen = 120
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen]
}

// Typing handles `chat:typing`: a fire-and-forget, TTL-bounded presence
// flag with no ack.
func (e *Engine) Typing(ctx context.Context, handle, userID, groupID, recipientID string, isTyping bool) error {
	if userID == "" {
		return apperrors.Unauthenticated("no user bound to connection")
	}
	room, err := resolveRoom(groupID, recipientID, userID)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, room, userID); err != nil {
		return err
	}

	if isTyping {
		if err := e.hotClient.SetEX(ctx, typingKey(room.ID(), userID), "1", e.cfg.TypingTTL); err != nil {
			return err
		}
	} else {
		if err := e.hotClient.Del(ctx, typingKey(room.ID(), userID)); err != nil {
			return err
		}
	}

	payload, err := wire.Encode("chat:typing", map[string]interface{}{
		"userId":   userID,
		"roomId":   room.ID(),
		"isTyping": isTyping,
	})
	if err != nil {
		return apperrors.Validation("failed to encode typing frame")
	}
	return e.backplane.PublishRoom(ctx, room.ID(), payload, handle)
}

// Read handles `chat:read`: idempotent read-receipt with a publish so
// other room members see the update.
func (e *Engine) Read(ctx context.Context, userID string, room Room, messageID string) (time.Time, error) {
	if userID == "" {
		return time.Time{}, apperrors.Unauthenticated("no user bound to connection")
	}
	if err := e.authorize(ctx, room, userID); err != nil {
		return time.Time{}, err
	}

	readAt, err := e.messages.MarkRead(ctx, messageID, userID)
	if err != nil {
		return time.Time{}, err
	}

	payload, err := wire.Encode("chat:read", map[string]string{
		"messageId": messageID,
		"userId":    userID,
	})
	if err == nil {
		if err := e.backplane.PublishRoom(ctx, room.ID(), payload, ""); err != nil {
			log.Error().Err(err).Str("room", room.ID()).Msg("chat: failed to publish read receipt")
		}
	}

	return readAt, nil
}

// MaxHistoryLimit is the wire-contract ceiling a client may request on
// chat:history (limit≤100, default 50), distinct from
// cfg.HistoryCacheSize which bounds the HOT cache list itself (capped
// at 50).
const MaxHistoryLimit = 100

// resolveHistoryLimit applies the default/ceiling rule (limit≤100,
// default 50) to the client-requested value, and separately caps how
// much is read from the HOT cache list to its own bound
// (cfg.HistoryCacheSize), since that list never holds more than 50
// entries regardless of what the client asked WARM to return.
func resolveHistoryLimit(requested, cacheSize int) (limit, cacheLimit int) {
	limit = requested
	if limit <= 0 {
		limit = cacheSize
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	cacheLimit = limit
	if cacheLimit > cacheSize {
		cacheLimit = cacheSize
	}
	return limit, cacheLimit
}

// chronological reverses a newest-first slice (as returned by WARM's
// `ORDER BY sent_at DESC`) into oldest-first order.
func chronological(newestFirst []models.Message) []models.Message {
	out := make([]models.Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(newestFirst)-1-i] = m
	}
	return out
}

// History handles `chat:history`: HOT-first with WARM fallback and
// cache refill.
func (e *Engine) History(ctx context.Context, userID string, room Room, limit int) ([]models.Message, error) {
	if userID == "" {
		return nil, apperrors.Unauthenticated("no user bound to connection")
	}
	if err := e.authorize(ctx, room, userID); err != nil {
		return nil, err
	}
	limit, cacheLimit := resolveHistoryLimit(limit, e.cfg.HistoryCacheSize)

	cached, err := e.hotClient.LRange(ctx, historyKey(room.ID()), 0, int64(cacheLimit-1))
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 {
		out := make([]models.Message, 0, len(cached))
		for _, raw := range cached {
			var m models.Message
			if err := json.Unmarshal([]byte(raw), &m); err == nil {
				out = append(out, m)
			}
		}
		return out, nil
	}

	roomKey := warm.RoomKey{GroupID: room.GroupID, DMUserA: room.DMUserA, DMUserB: room.DMUserB}
	fromWarm, err := e.messages.History(ctx, roomKey, limit)
	if err != nil {
		return nil, err
	}

	// e.messages.History returns newest-first. cacheMessage LPUSHes, so the
	// cache is primed oldest-first (walking fromWarm backwards) to leave the
	// newest message at the cache's head; the caller gets chronological
	// order.
	for i := len(fromWarm) - 1; i >= 0; i-- {
		e.cacheMessage(ctx, room, fromWarm[i])
	}

	return chronological(fromWarm), nil
}

func (e *Engine) cacheMessage(ctx context.Context, room Room, msg models.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	key := historyKey(room.ID())
	if err := e.hotClient.LPush(ctx, key, string(raw)); err != nil {
		log.Error().Err(err).Str("room", room.ID()).Msg("chat: failed to cache message")
		return
	}
	_ = e.hotClient.LTrim(ctx, key, 0, int64(e.cfg.HistoryCacheSize-1))
	_ = e.hotClient.Expire(ctx, key, e.cfg.HistoryCacheTTL)
}

func historyKey(roomID string) string {
	return "chat:history:" + roomID
}

func typingKey(roomID, userID string) string {
	return "typing:" + roomID + ":" + userID
}
