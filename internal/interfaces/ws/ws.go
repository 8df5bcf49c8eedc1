// Package ws exposes the two streaming surfaces: the bidirectional widget
// channel (track events in, interventions out) and the read-only dashboard
// feed. One goroutine owns all writes per connection; the read pump never
// writes except through the outbound queue.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avaplatform/ava/internal/broadcast"
	"github.com/avaplatform/ava/internal/evaluator"
	"github.com/avaplatform/ava/internal/outcome"
	"github.com/avaplatform/ava/internal/persistence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
)

// Server holds the dependencies of both channels.
type Server struct {
	repo     *persistence.Repository
	eval     *evaluator.Evaluator
	hub      *broadcast.Hub
	outcomes *outcome.Recorder
	upgrader websocket.Upgrader
}

// NewServer creates the websocket server.
func NewServer(repo *persistence.Repository, eval *evaluator.Evaluator, hub *broadcast.Hub, rec *outcome.Recorder) *Server {
	return &Server{
		repo:     repo,
		eval:     eval,
		hub:      hub,
		outcomes: rec,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The widget runs on arbitrary storefront origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWidget upgrades a widget connection and runs its pumps.
func (s *Server) HandleWidget(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("widget upgrade failed")
		return
	}
	c := &widgetClient{
		server: s,
		conn:   conn,
		direct: make(chan []byte, 16),
	}
	// The hijacked connection outlives the request, so its pump cannot use
	// r.Context().
	go c.readPump(context.Background())
}

// HandleDashboard upgrades a read-only dashboard connection. An optional
// ?session_id= filter narrows the feed to one session.
func (s *Server) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	s.handleFeed(w, r, broadcast.ChannelDashboard)
}

// HandleDemo serves the demo feed, same shape as the dashboard.
func (s *Server) HandleDemo(w http.ResponseWriter, r *http.Request) {
	s.handleFeed(w, r, broadcast.ChannelDemo)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request, channel broadcast.Channel) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("feed upgrade failed")
		return
	}
	sub := s.hub.Subscribe(channel, r.URL.Query().Get("session_id"))

	go writePump(conn, sub, nil)
	go discardPump(conn, sub)
}

// writePump owns the connection's write side: hub messages, direct messages,
// and keepalive pings. It exits when the subscriber closes.
func writePump(conn *websocket.Conn, sub *broadcast.Subscriber, direct <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	write := func(messageType int, payload []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, payload) == nil
	}

	for {
		select {
		case <-sub.Done:
			write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case payload := <-sub.Send:
			if !write(websocket.TextMessage, payload) {
				sub.Close()
				return
			}
		case payload, ok := <-direct:
			if !ok {
				return
			}
			if !write(websocket.TextMessage, payload) {
				sub.Close()
				return
			}
		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				sub.Close()
				return
			}
		}
	}
}

// discardPump drains inbound frames on read-only feeds so pongs and client
// closes are processed.
func discardPump(conn *websocket.Conn, sub *broadcast.Subscriber) {
	defer sub.Close()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
