// Package gateway terminates the WebSocket connection, authenticates the
// handshake, demultiplexes frames to the LocationEngine and ChatEngine,
// and implements backplane.Dispatcher to turn bus deliveries back into
// local socket writes.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"slopestream-core/internal/apperrors"
	"slopestream-core/internal/auth"
	"slopestream-core/internal/chat"
	"slopestream-core/internal/location"
	"slopestream-core/internal/models"
	"slopestream-core/internal/registry"
	"slopestream-core/internal/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// bearerToken extracts the handshake bearer token: an `Authorization:
// Bearer <token>` header first, falling back to the `token` query
// parameter.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

// Gateway wires one WebSocket endpoint to the core's engines.
type Gateway struct {
	verifier auth.TokenVerifier
	registry *registry.Registry
	location *location.Engine
	chat     *chat.Engine

	mu    sync.RWMutex
	conns map[string]*safeConn // handle -> connection
}

// New builds a Gateway.
func New(verifier auth.TokenVerifier, reg *registry.Registry, loc *location.Engine, chatEngine *chat.Engine) *Gateway {
	return &Gateway{
		verifier: verifier,
		registry: reg,
		location: loc,
		chat:     chatEngine,
		conns:    make(map[string]*safeConn),
	}
}

// HandleWebSocket upgrades and services one client connection. Auth is
// carried in a bearer `Authorization` header, falling back to a `token`
// query parameter when no header is present.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}

	identity, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("gateway: failed to upgrade connection")
		return
	}

	handle := uuid.New().String()
	conn := &safeConn{conn: wsConn}

	g.mu.Lock()
	g.conns[handle] = conn
	g.mu.Unlock()

	ctx := context.Background()
	if err := g.registry.Add(ctx, handle, identity.UserID); err != nil {
		log.Error().Err(err).Str("user_id", identity.UserID).Msg("gateway: failed to register connection")
		conn.close()
		return
	}

	log.Info().Str("user_id", identity.UserID).Str("handle", handle).Msg("gateway: connection established")

	defer g.cleanup(ctx, handle, identity.UserID)

	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("user_id", identity.UserID).Msg("gateway: unexpected close")
			}
			return
		}

		var frame wire.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			g.sendError(handle, "", apperrors.Validation("malformed frame"))
			continue
		}

		g.dispatch(ctx, handle, identity.UserID, frame)
	}
}

func (g *Gateway) cleanup(ctx context.Context, handle, userID string) {
	g.chat.LeaveAll(ctx, userID, handle)
	g.registry.Remove(ctx, handle)

	g.mu.Lock()
	conn, ok := g.conns[handle]
	delete(g.conns, handle)
	g.mu.Unlock()

	if ok {
		conn.close()
	}
	log.Info().Str("user_id", userID).Str("handle", handle).Msg("gateway: connection closed")
}

func (g *Gateway) dispatch(ctx context.Context, handle, userID string, frame wire.Frame) {
	switch frame.Event {
	case "session:start":
		g.handleSessionStart(ctx, handle, userID, frame)
	case "session:end":
		g.handleSessionEnd(ctx, handle, userID, frame)
	case "location:ping":
		g.handleLocationPing(ctx, handle, userID, frame)
	case "location:subscribe":
		g.handleLocationSubscribe(ctx, handle, userID, frame)
	case "chat:join":
		g.handleChatJoin(ctx, handle, userID, frame)
	case "chat:leave":
		g.handleChatLeave(ctx, handle, userID, frame)
	case "chat:send":
		g.handleChatSend(ctx, handle, userID, frame)
	case "chat:typing":
		g.handleChatTyping(ctx, handle, userID, frame)
	case "chat:read":
		g.handleChatRead(ctx, handle, userID, frame)
	case "chat:history":
		g.handleChatHistory(ctx, handle, userID, frame)
	default:
		g.sendError(handle, frame.Event, apperrors.Validation("unknown event"))
	}
}

type sessionStartRequest struct {
	ResortID *string `json:"resort_id,omitempty"`
}

func (g *Gateway) handleSessionStart(ctx context.Context, handle, userID string, frame wire.Frame) {
	var req sessionStartRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		g.sendError(handle, frame.Event, apperrors.Validation("malformed session:start payload"))
		return
	}

	session, err := g.location.SessionStart(ctx, userID, req.ResortID)
	if err != nil {
		g.sendError(handle, frame.Event, err)
		return
	}
	g.send(handle, "session:started", session)
}

type sessionEndRequest struct {
	SessionID string `json:"session_id"`
}

func (g *Gateway) handleSessionEnd(ctx context.Context, handle, userID string, frame wire.Frame) {
	var req sessionEndRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		g.sendError(handle, frame.Event, apperrors.Validation("malformed session:end payload"))
		return
	}

	summary, err := g.location.SessionEnd(ctx, userID, req.SessionID)
	if err != nil {
		g.sendError(handle, frame.Event, err)
		return
	}
	g.send(handle, "session:ended", summary)
}

type locationPingRequest struct {
	SessionID      string     `json:"session_id"`
	Lat            float64    `json:"lat"`
	Lon            float64    `json:"lon"`
	AltitudeMeters float64    `json:"altitude"`
	SpeedMps       float64    `json:"speed"`
	AccuracyMeters float64    `json:"accuracy"`
	HeadingDegrees *float64   `json:"heading,omitempty"`
	CapturedAt     *time.Time `json:"timestamp,omitempty"`
}

func (g *Gateway) handleLocationPing(ctx context.Context, handle, userID string, frame wire.Frame) {
	var req locationPingRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		g.sendError(handle, frame.Event, apperrors.Validation("malformed location:ping payload"))
		return
	}

	capturedAt := time.Now().UTC()
	if req.CapturedAt != nil {
		capturedAt = *req.CapturedAt
	}

	result, err := g.location.Ping(ctx, handle, userID, models.LocationPing{
		SessionID:      req.SessionID,
		Lat:            req.Lat,
		Lon:            req.Lon,
		AltitudeMeters: req.AltitudeMeters,
		SpeedMps:       req.SpeedMps,
		AccuracyMeters: req.AccuracyMeters,
		HeadingDegrees: req.HeadingDegrees,
		CapturedAt:     capturedAt,
	})
	if err != nil {
		g.sendError(handle, frame.Event, err)
		return
	}
	g.send(handle, "location:ack", result)
}

type locationSubscribeRequest struct {
	FriendIDs []string `json:"friend_ids"`
}

func (g *Gateway) handleLocationSubscribe(ctx context.Context, handle, userID string, frame wire.Frame) {
	var req locationSubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		g.sendError(handle, frame.Event, apperrors.Validation("malformed location:subscribe payload"))
		return
	}
	if err := g.location.Subscribe(ctx, userID, req.FriendIDs); err != nil {
		g.sendError(handle, frame.Event, err)
	}
}

type roomRequest struct {
	GroupID     string `json:"group_id,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
}

func (g *Gateway) handleChatJoin(ctx context.Context, handle, userID string, frame wire.Frame) {
	var req roomRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		g.sendError(handle, frame.Event, apperrors.Validation("malformed chat:join payload"))
		return
	}
	room, err := g.chat.Join(ctx, handle, userID, req.GroupID, req.RecipientID)
	if err != nil {
		g.sendError(handle, frame.Event, err)
		return
	}
	g.send(handle, "chat:joined", map[string]string{"room_id": room.ID()})
}

func (g *Gateway) handleChatLeave(ctx context.Context, handle, userID string, frame wire.Frame) {
	var req roomRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		g.sendError(handle, frame.Event, apperrors.Validation("malformed chat:leave payload"))
		return
	}
	room, err := chat.ResolveRoom(req.GroupID, req.RecipientID, userID)
	if err != nil {
		g.sendError(handle, frame.Event, err)
		return
	}
	g.chat.Leave(handle, room)
}

type chatSendRequest struct {
	roomRequest
	Content  string                   `json:"content"`
	Metadata *models.MessageMetadata  `json:"metadata,omitempty"`
}

func (g *Gateway) handleChatSend(ctx context.Context, handle, userID string, frame wire.Frame) {
	var req chatSendRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		g.sendError(handle, frame.Event, apperrors.Validation("malformed chat:send payload"))
		return
	}
	msg, err := g.chat.Send(ctx, userID, req.GroupID, req.RecipientID, req.Content, req.Metadata)
	if err != nil {
		g.sendError(handle, frame.Event, err)
		return
	}
	g.send(handle, "chat:sent", msg)
}

type chatTypingRequest struct {
	roomRequest
	IsTyping bool `json:"is_typing"`
}

func (g *Gateway) handleChatTyping(ctx context.Context, handle, userID string, frame wire.Frame) {
	var req chatTypingRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return
	}
	if err := g.chat.Typing(ctx, handle, userID, req.GroupID, req.RecipientID, req.IsTyping); err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("gateway: chat:typing rejected")
	}
}

type chatReadRequest struct {
	roomRequest
	MessageID string `json:"message_id"`
}

func (g *Gateway) handleChatRead(ctx context.Context, handle, userID string, frame wire.Frame) {
	var req chatReadRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		g.sendError(handle, frame.Event, apperrors.Validation("malformed chat:read payload"))
		return
	}
	room, err := chat.ResolveRoom(req.GroupID, req.RecipientID, userID)
	if err != nil {
		g.sendError(handle, frame.Event, err)
		return
	}
	readAt, err := g.chat.Read(ctx, userID, room, req.MessageID)
	if err != nil {
		g.sendError(handle, frame.Event, err)
		return
	}
	g.send(handle, "chat:read:ack", map[string]interface{}{"message_id": req.MessageID, "read_at": readAt})
}

type chatHistoryRequest struct {
	roomRequest
	Limit int `json:"limit,omitempty"`
}

func (g *Gateway) handleChatHistory(ctx context.Context, handle, userID string, frame wire.Frame) {
	var req chatHistoryRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		g.sendError(handle, frame.Event, apperrors.Validation("malformed chat:history payload"))
		return
	}
	room, err := chat.ResolveRoom(req.GroupID, req.RecipientID, userID)
	if err != nil {
		g.sendError(handle, frame.Event, err)
		return
	}
	messages, err := g.chat.History(ctx, userID, room, req.Limit)
	if err != nil {
		g.sendError(handle, frame.Event, err)
		return
	}
	g.send(handle, "chat:history", map[string]interface{}{"room_id": room.ID(), "messages": messages})
}

// send delivers a successful acknowledgement. Every ack envelope carries
// a literal `success` field, merged alongside whatever event-specific
// fields data contributes.
func (g *Gateway) send(handle, event string, data interface{}) {
	merged, err := mergeSuccess(data, true)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("gateway: failed to encode outbound frame")
		return
	}
	payload, err := wire.Encode(event, merged)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("gateway: failed to encode outbound frame")
		return
	}
	g.writeToHandle(handle, payload)
}

func (g *Gateway) sendError(handle, event string, err error) {
	payload, encErr := wire.Encode("error", map[string]interface{}{
		"success":        false,
		"in_response_to": event,
		"code":           string(apperrors.CodeOf(err)),
		"message":        err.Error(),
	})
	if encErr != nil {
		return
	}
	g.writeToHandle(handle, payload)
}

// mergeSuccess marshals data (a struct, map, or nil) to JSON and merges in
// a literal `success` field, so every ack envelope carries the same
// `{success, ...}` shape regardless of which Go type built it.
func mergeSuccess(data interface{}, success bool) (map[string]interface{}, error) {
	m := map[string]interface{}{}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		if len(raw) > 0 && raw[0] == '{' {
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, err
			}
		}
	}
	m["success"] = success
	return m, nil
}

func (g *Gateway) writeToHandle(handle string, payload []byte) {
	g.mu.RLock()
	conn, ok := g.conns[handle]
	g.mu.RUnlock()
	if !ok {
		return
	}
	if err := conn.writeRaw(payload); err != nil {
		log.Debug().Err(err).Str("handle", handle).Msg("gateway: write failed")
	}
}

// DeliverRoom implements backplane.Dispatcher: fan a room broadcast out
// to every local connection that has joined it, other than excludeHandle.
func (g *Gateway) DeliverRoom(roomID string, payload []byte, excludeHandle string) {
	for _, handle := range g.registry.LocalHandlesInRoom(roomID) {
		if handle == excludeHandle {
			continue
		}
		g.writeToHandle(handle, payload)
	}
}

// DeliverUser implements backplane.Dispatcher: deliver to every local
// connection held by userID.
func (g *Gateway) DeliverUser(userID string, payload []byte) {
	ctx := context.Background()
	handles, err := g.registry.HandlesForUser(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("gateway: failed to resolve user handles")
		return
	}
	for _, handle := range g.registry.LocalHandlesFor(handles) {
		g.writeToHandle(handle, payload)
	}
}
