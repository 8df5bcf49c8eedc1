// Package broadcast fans evaluation and intervention messages out to widget,
// dashboard, and demo subscribers. Delivery is best-effort: a subscriber that
// cannot keep up is dropped, never waited on.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Channel names the three fan-out surfaces.
type Channel string

const (
	ChannelWidget    Channel = "widget"
	ChannelDashboard Channel = "dashboard"
	ChannelDemo      Channel = "demo"
)

// Envelope is the wire shape of every broadcast message.
type Envelope struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// sendBuffer is the per-subscriber outbound queue. A full queue marks the
// subscriber dead on the next publish.
const sendBuffer = 64

// Subscriber is one attached listener. Send is owned by the hub; the
// transport drains it and must stop reading after Done closes.
type Subscriber struct {
	id        uint64
	channel   Channel
	sessionID string // non-empty restricts delivery to one session
	Send      chan []byte
	Done      chan struct{}
	once      sync.Once
}

// Close marks the subscriber finished. Safe to call from any goroutine,
// any number of times.
func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.Done) })
}

// Hub routes messages to subscribers by channel and optional session filter.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscriber
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscriber)}
}

// Subscribe attaches a listener to a channel. A non-empty sessionID limits
// delivery to messages tagged with that session; dashboard subscribers
// normally pass "" to see everything.
func (h *Hub) Subscribe(channel Channel, sessionID string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{
		id:        h.nextID,
		channel:   channel,
		sessionID: sessionID,
		Send:      make(chan []byte, sendBuffer),
		Done:      make(chan struct{}),
	}
	h.subs[sub.id] = sub

	log.Debug().
		Str("channel", string(channel)).
		Str("session", sessionID).
		Int("subscribers", len(h.subs)).
		Msg("broadcast subscriber attached")
	return sub
}

// Unsubscribe detaches and closes the subscriber.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
	sub.Close()
}

// Publish delivers the envelope to every matching live subscriber. The
// subscriber set is snapshotted under the lock; the sends happen outside it
// so one slow transport cannot stall the hub. Dead or saturated subscribers
// are reaped.
func (h *Hub) Publish(channel Channel, sessionID string, msgType string, data interface{}) {
	payload, err := json.Marshal(Envelope{
		Type:      msgType,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("broadcast marshal failed")
		return
	}

	h.mu.Lock()
	targets := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.channel != channel {
			continue
		}
		if sub.sessionID != "" && sub.sessionID != sessionID {
			continue
		}
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	var dead []*Subscriber
	for _, sub := range targets {
		select {
		case <-sub.Done:
			dead = append(dead, sub)
		case sub.Send <- payload:
		default:
			// Buffer full: the transport stopped draining.
			dead = append(dead, sub)
		}
	}

	for _, sub := range dead {
		log.Warn().
			Str("channel", string(sub.channel)).
			Str("session", sub.sessionID).
			Msg("dropping stalled broadcast subscriber")
		h.Unsubscribe(sub)
	}
}

// SubscriberCount reports attached subscribers, optionally per channel.
func (h *Hub) SubscriberCount(channel Channel) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if channel == "" {
		return len(h.subs)
	}
	n := 0
	for _, sub := range h.subs {
		if sub.channel == channel {
			n++
		}
	}
	return n
}
