package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avaplatform/ava/internal/broadcast"
	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/persistence"
)

// inboundMessage is the widget's wire frame. Track frames carry the session
// identity on every message so a reconnect needs no handshake.
type inboundMessage struct {
	Type string `json:"type"`

	// track fields
	VisitorKey      string        `json:"visitorKey,omitempty"`
	SessionKey      string        `json:"sessionKey,omitempty"`
	SiteURL         string        `json:"siteUrl,omitempty"`
	DeviceType      string        `json:"deviceType,omitempty"`
	ReferrerType    string        `json:"referrerType,omitempty"`
	IsLoggedIn      bool          `json:"isLoggedIn,omitempty"`
	IsRepeatVisitor bool          `json:"isRepeatVisitor,omitempty"`
	Event           *inboundEvent `json:"event,omitempty"`

	// intervention_outcome fields
	InterventionID   string    `json:"intervention_id,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	Status           string    `json:"status,omitempty"`
	ConversionAction *string   `json:"conversion_action,omitempty"`
	Timestamp        time.Time `json:"timestamp,omitempty"`
}

type inboundEvent struct {
	EventID     string                 `json:"event_id"`
	FrictionID  *string                `json:"friction_id,omitempty"`
	Category    string                 `json:"category"`
	EventType   string                 `json:"event_type"`
	RawSignals  map[string]interface{} `json:"raw_signals,omitempty"`
	PageContext pageContext            `json:"page_context"`
	Timestamp   time.Time              `json:"timestamp"`
}

type pageContext struct {
	PageType       string  `json:"page_type"`
	PageURL        string  `json:"page_url"`
	TimeOnPageMs   int64   `json:"time_on_page_ms"`
	ScrollDepthPct float64 `json:"scroll_depth_pct"`
}

type trackAck struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// widgetClient is one widget connection. session and sub are nil until the
// first track frame resolves the session.
type widgetClient struct {
	server  *Server
	conn    *websocket.Conn
	direct  chan []byte
	session *domain.Session
	sub     *broadcast.Subscriber
}

func (c *widgetClient) readPump(ctx context.Context) {
	defer func() {
		if c.sub != nil {
			c.server.hub.Unsubscribe(c.sub)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("widget connection dropped")
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn().Err(err).Msg("widget frame rejected")
			continue
		}

		switch msg.Type {
		case "track":
			c.handleTrack(ctx, &msg)
		case "intervention_outcome":
			c.handleOutcome(ctx, &msg)
		case "ping":
			// Application-level keepalive: the session stays warm for the
			// idle sweep even when no events flow.
			if c.session != nil {
				if err := c.server.repo.Sessions.TouchLastSeen(ctx, c.session.ID, time.Now().UTC()); err != nil {
					log.Warn().Err(err).Str("session", c.session.ID).Msg("keepalive touch failed")
				}
			}
		default:
			log.Warn().Str("type", msg.Type).Msg("widget frame with unknown type")
		}
	}
}

func (c *widgetClient) handleTrack(ctx context.Context, msg *inboundMessage) {
	if msg.Event == nil {
		return
	}

	first := c.session == nil
	if first {
		if err := c.resolveSession(ctx, msg); err != nil {
			log.Error().Err(err).Str("visitor", msg.VisitorKey).Msg("session resolution failed")
			return
		}
		c.sub = c.server.hub.Subscribe(broadcast.ChannelWidget, c.session.ID)
		go writePump(c.conn, c.sub, c.direct)
	}

	e := &domain.TrackEvent{
		ID:             msg.Event.EventID,
		Timestamp:      msg.Event.Timestamp,
		Category:       domain.EventCategory(msg.Event.Category),
		EventType:      msg.Event.EventType,
		PageType:       normalizePageType(msg.Event.PageContext.PageType),
		RawSignals:     msg.Event.RawSignals,
		FrictionID:     msg.Event.FrictionID,
		PageURL:        msg.Event.PageContext.PageURL,
		ScrollDepthPct: msg.Event.PageContext.ScrollDepthPct,
		TimeOnPageMs:   msg.Event.PageContext.TimeOnPageMs,
		DeviceType:     msg.DeviceType,
		ReferrerType:   msg.ReferrerType,
	}
	if err := c.server.eval.Ingest(ctx, c.session, e); err != nil {
		log.Error().Err(err).Str("session", c.session.ID).Msg("event ingest failed")
		return
	}
	c.server.hub.Publish(broadcast.ChannelDashboard, c.session.ID, "track_event", e)

	if first {
		if ack, err := json.Marshal(trackAck{Type: "track_ack", SessionID: c.session.ID}); err == nil {
			select {
			case c.direct <- ack:
			default:
			}
		}
	}
}

// resolveSession finds the session by its widget keys or creates it.
func (c *widgetClient) resolveSession(ctx context.Context, msg *inboundMessage) error {
	s, err := c.server.repo.Sessions.LookupByKeys(ctx, msg.VisitorKey, msg.SessionKey)
	if err == nil {
		c.session = s
		return nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	c.session = &domain.Session{
		ID:              uuid.NewString(),
		VisitorKey:      msg.VisitorKey,
		SessionKey:      msg.SessionKey,
		SiteURL:         msg.SiteURL,
		StartedAt:       now,
		LastSeenAt:      now,
		Status:          domain.SessionActive,
		DeviceType:      msg.DeviceType,
		ReferrerType:    msg.ReferrerType,
		IsLoggedIn:      msg.IsLoggedIn,
		IsRepeatVisitor: msg.IsRepeatVisitor,
	}
	return c.server.repo.Sessions.Upsert(ctx, c.session)
}

func (c *widgetClient) handleOutcome(ctx context.Context, msg *inboundMessage) {
	status := domain.InterventionStatus(msg.Status)
	switch status {
	case domain.StatusDelivered, domain.StatusDismissed, domain.StatusConverted, domain.StatusIgnored:
	default:
		log.Warn().Str("status", msg.Status).Msg("outcome frame with unknown status")
		return
	}
	_, err := c.server.outcomes.Record(ctx, domain.Outcome{
		InterventionID:   msg.InterventionID,
		SessionID:        msg.SessionID,
		Status:           status,
		ConversionAction: msg.ConversionAction,
		Timestamp:        msg.Timestamp,
	})
	if err != nil {
		log.Warn().Err(err).Str("intervention", msg.InterventionID).Msg("outcome record failed")
	}
}

func normalizePageType(raw string) domain.PageType {
	switch pt := domain.PageType(raw); pt {
	case domain.PageLanding, domain.PageCategory, domain.PageSearchResults,
		domain.PagePDP, domain.PageCart, domain.PageCheckout, domain.PageAccount:
		return pt
	default:
		return domain.PageOther
	}
}
