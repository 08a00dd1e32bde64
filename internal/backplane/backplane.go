// Package backplane lets any node broadcast to any subscriber. A node
// never holds connections for a user it does not locally host, so to
// reach one it publishes on `user:{userId}` and relies on whichever node
// currently subscribes that channel to deliver locally.
package backplane

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"slopestream-core/internal/hot"
)

// Dispatcher delivers a payload received from the bus to whatever local
// connections care about it. excludeHandle, when non-empty, is skipped by
// the delivery (e.g. a typing indicator must not echo back to its own
// sender). The Gateway implements this.
type Dispatcher interface {
	DeliverRoom(roomID string, payload []byte, excludeHandle string)
	DeliverUser(userID string, payload []byte)
}

// roomEnvelope carries a room broadcast across the bus alongside the
// originating handle to exclude from local delivery. It never reaches a
// client directly; Payload is unwrapped before being written to a socket.
type roomEnvelope struct {
	Exclude string          `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

const (
	roomChannelPrefix = "room:"
	userChannelPrefix = "user:"
)

type subscription struct {
	refCount int
	cancel   context.CancelFunc
}

// Backplane is shared by reference across ChatEngine and LocationEngine.
type Backplane struct {
	hotClient  *hot.Client
	dispatcher Dispatcher

	mu   sync.Mutex
	subs map[string]*subscription // channel name -> subscription
}

// New builds a Backplane. SetDispatcher must be called before any publish
// can be usefully delivered locally.
func New(hotClient *hot.Client) *Backplane {
	return &Backplane{
		hotClient: hotClient,
		subs:      make(map[string]*subscription),
	}
}

// SetDispatcher wires the local delivery target (the Gateway), which is
// constructed after the Backplane due to their mutual dependency.
func (b *Backplane) SetDispatcher(d Dispatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatcher = d
}

// SubscribeRoom node-globally reference-counts a subscription to a room's
// channel: only the first local subscriber causes an actual bus
// subscription.
func (b *Backplane) SubscribeRoom(roomID string) {
	b.subscribe(roomChannelPrefix+roomID, func(raw []byte) {
		var env roomEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Error().Err(err).Str("room", roomID).Msg("backplane: malformed room envelope")
			return
		}
		b.mu.Lock()
		d := b.dispatcher
		b.mu.Unlock()
		if d != nil {
			d.DeliverRoom(roomID, env.Payload, env.Exclude)
		}
	})
}

// UnsubscribeRoom decrements the reference count, closing the bus
// subscription when it reaches zero.
func (b *Backplane) UnsubscribeRoom(roomID string) {
	b.unsubscribe(roomChannelPrefix + roomID)
}

// SubscribeUser mirrors SubscribeRoom for the per-user fan-out channel
// used by location updates and proximity alerts.
func (b *Backplane) SubscribeUser(userID string) {
	b.subscribe(userChannelPrefix+userID, func(payload []byte) {
		b.mu.Lock()
		d := b.dispatcher
		b.mu.Unlock()
		if d != nil {
			d.DeliverUser(userID, payload)
		}
	})
}

// UnsubscribeUser mirrors UnsubscribeRoom.
func (b *Backplane) UnsubscribeUser(userID string) {
	b.unsubscribe(userChannelPrefix + userID)
}

// PublishRoom publishes a framed message to every node with a local
// subscriber for roomID. excludeHandle, when non-empty, is skipped at
// delivery time on whichever node hosts it, so a sender never receives
// its own broadcast back.
func (b *Backplane) PublishRoom(ctx context.Context, roomID string, payload []byte, excludeHandle string) error {
	raw, err := json.Marshal(roomEnvelope{Exclude: excludeHandle, Payload: payload})
	if err != nil {
		return err
	}
	return b.hotClient.Publish(ctx, roomChannelPrefix+roomID, raw)
}

// PublishUser publishes to whichever node currently hosts userID's
// connections.
func (b *Backplane) PublishUser(ctx context.Context, userID string, payload []byte) error {
	return b.hotClient.Publish(ctx, userChannelPrefix+userID, payload)
}

func (b *Backplane) subscribe(channel string, onMessage func([]byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[channel]; ok {
		sub.refCount++
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{refCount: 1, cancel: cancel}
	b.subs[channel] = sub

	pubsub := b.hotClient.Subscribe(ctx, channel)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				onMessage([]byte(msg.Payload))
			}
		}
	}()
}

func (b *Backplane) unsubscribe(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[channel]
	if !ok {
		log.Warn().Str("channel", channel).Msg("unsubscribe on unknown channel")
		return
	}

	sub.refCount--
	if sub.refCount <= 0 {
		sub.cancel()
		delete(b.subs, channel)
	}
}
