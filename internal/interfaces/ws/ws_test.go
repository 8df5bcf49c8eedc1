package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaplatform/ava/internal/broadcast"
	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/evaluator"
	"github.com/avaplatform/ava/internal/llm"
	"github.com/avaplatform/ava/internal/mswim"
	"github.com/avaplatform/ava/internal/outcome"
	"github.com/avaplatform/ava/internal/persistence"
	"github.com/avaplatform/ava/internal/persistence/memory"
)

type staticConfigs struct{}

func (staticConfigs) Load(context.Context, string, string) (domain.ScoringConfig, error) {
	return mswim.DefaultScoringConfig(), nil
}

type wsHarness struct {
	repo *persistence.Repository
	hub  *broadcast.Hub
	srv  *httptest.Server
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	repo := memory.NewStore().Repository()
	hub := broadcast.NewHub()
	eval := evaluator.New(repo, staticConfigs{}, &llm.StubClient{}, hub, evaluator.Options{
		BatchInterval:  time.Hour,
		BatchMaxEvents: 50,
		Engine:         domain.EngineFast,
	})
	server := NewServer(repo, eval, hub, outcome.NewRecorder(repo, hub))

	r := mux.NewRouter()
	r.HandleFunc("/ws/widget", server.HandleWidget)
	r.HandleFunc("/ws/dashboard", server.HandleDashboard)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &wsHarness{repo: repo, hub: hub, srv: srv}
}

func (h *wsHarness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func trackFrame(eventType, pageType string) map[string]interface{} {
	return map[string]interface{}{
		"type":       "track",
		"visitorKey": "v-1",
		"sessionKey": "k-1",
		"siteUrl":    "https://shop.example.com",
		"deviceType": "desktop",
		"event": map[string]interface{}{
			"event_id":   "",
			"category":   "navigation",
			"event_type": eventType,
			"page_context": map[string]interface{}{
				"page_type": pageType,
			},
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func TestWidgetTrackAckAndSessionCreation(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, "/ws/widget")

	require.NoError(t, conn.WriteJSON(trackFrame("page_view", "landing")))

	ack := readFrame(t, conn)
	assert.Equal(t, "track_ack", ack["type"])
	sessionID, _ := ack["session_id"].(string)
	require.NotEmpty(t, sessionID)

	require.Eventually(t, func() bool {
		s, err := h.repo.Sessions.LookupByKeys(context.Background(), "v-1", "k-1")
		return err == nil && s.ID == sessionID
	}, 2*time.Second, 10*time.Millisecond)

	// Later frames carry no ack; the event still lands.
	require.NoError(t, conn.WriteJSON(trackFrame("scroll", "landing")))
	require.Eventually(t, func() bool {
		evs, err := h.repo.Events.ListBySession(context.Background(), sessionID, 0)
		return err == nil && len(evs) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWidgetOutcomeFrameUpdatesIntervention(t *testing.T) {
	h := newWSHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, h.repo.Sessions.Upsert(ctx, &domain.Session{ID: "sess-1", StartedAt: now, LastSeenAt: now}))
	require.NoError(t, h.repo.Evaluations.Create(ctx, &domain.Evaluation{ID: "eval-1", SessionID: "sess-1", CreatedAt: now}))
	require.NoError(t, h.repo.Interventions.Create(ctx, &domain.Intervention{
		ID: "iv-1", SessionID: "sess-1", EvaluationID: "eval-1",
		Status: domain.StatusSent, CreatedAt: now, StatusUpdatedAt: now,
	}))

	conn := h.dial(t, "/ws/widget")
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":            "intervention_outcome",
		"intervention_id": "iv-1",
		"session_id":      "sess-1",
		"status":          "delivered",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}))

	require.Eventually(t, func() bool {
		iv, err := h.repo.Interventions.GetByID(ctx, "iv-1")
		return err == nil && iv.Status == domain.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWidgetRejectsUnknownOutcomeStatus(t *testing.T) {
	h := newWSHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, h.repo.Interventions.Create(ctx, &domain.Intervention{
		ID: "iv-1", SessionID: "sess-1", EvaluationID: "eval-1",
		Status: domain.StatusSent, CreatedAt: now, StatusUpdatedAt: now,
	}))

	conn := h.dial(t, "/ws/widget")
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":            "intervention_outcome",
		"intervention_id": "iv-1",
		"status":          "exploded",
	}))
	// Give the read pump a beat, then confirm nothing changed.
	time.Sleep(100 * time.Millisecond)
	iv, err := h.repo.Interventions.GetByID(ctx, "iv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, iv.Status)
}

func TestDashboardReceivesPublishedFrames(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, "/ws/dashboard")

	// Subscription races the dial; publish until the frame arrives.
	require.Eventually(t, func() bool {
		return h.hub.SubscriberCount(broadcast.ChannelDashboard) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.hub.Publish(broadcast.ChannelDashboard, "sess-9", "evaluation", map[string]string{"hello": "world"})

	frame := readFrame(t, conn)
	assert.Equal(t, "evaluation", frame["type"])
	assert.Equal(t, "sess-9", frame["session_id"])
}

func TestNormalizePageType(t *testing.T) {
	assert.Equal(t, domain.PageCheckout, normalizePageType("checkout"))
	assert.Equal(t, domain.PageOther, normalizePageType("blog"))
	assert.Equal(t, domain.PageOther, normalizePageType(""))
}
