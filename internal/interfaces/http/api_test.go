package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaplatform/ava/internal/broadcast"
	"github.com/avaplatform/ava/internal/config"
	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/drift"
	"github.com/avaplatform/ava/internal/jobs"
	"github.com/avaplatform/ava/internal/mswim"
	"github.com/avaplatform/ava/internal/outcome"
	"github.com/avaplatform/ava/internal/persistence"
	"github.com/avaplatform/ava/internal/persistence/memory"
	"github.com/avaplatform/ava/internal/rollout"
)

type countingInvalidator struct{ calls int }

func (c *countingInvalidator) Invalidate(context.Context) { c.calls++ }

type apiHarness struct {
	api         *API
	repo        *persistence.Repository
	invalidator *countingInvalidator
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	repo := memory.NewStore().Repository()
	inv := &countingInvalidator{}
	cfg := config.Default()
	detector := drift.NewDetector(repo, cfg.Drift, broadcast.NewHub())
	controller := rollout.NewController(repo, inv)
	recorder := outcome.NewRecorder(repo, nil)
	runner := jobs.NewRunner(repo, cfg.Jobs, detector, controller, recorder, nil)
	return &apiHarness{
		api:         NewAPI(repo, inv, controller, detector, runner),
		repo:        repo,
		invalidator: inv,
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.api.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestConfigLifecycle(t *testing.T) {
	h := newAPIHarness(t)

	cfg := mswim.DefaultScoringConfig()
	cfg.ID = ""
	cfg.Name = "aggressive nudges"

	rec := h.do(t, http.MethodPost, "/api/v1/configs", cfg)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created domain.ScoringConfig
	decodeBody(t, rec, &created)
	require.NotEmpty(t, created.ID)
	assert.False(t, created.IsActive, "creation never activates")

	// No active config yet.
	rec = h.do(t, http.MethodGet, "/api/v1/configs/active", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/configs/"+created.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.invalidator.calls)

	rec = h.do(t, http.MethodGet, "/api/v1/configs/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var active domain.ScoringConfig
	decodeBody(t, rec, &active)
	assert.Equal(t, created.ID, active.ID)
	assert.True(t, active.IsActive)

	rec = h.do(t, http.MethodGet, "/api/v1/configs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.ScoringConfig
	decodeBody(t, rec, &list)
	assert.Len(t, list, 1)
}

func TestConfigCreateRejectsBadThresholds(t *testing.T) {
	h := newAPIHarness(t)
	cfg := mswim.DefaultScoringConfig()
	cfg.Name = "broken"
	cfg.Thresholds.Passive = 90 // above nudge

	rec := h.do(t, http.MethodPost, "/api/v1/configs", cfg)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExperimentValidationAndLifecycle(t *testing.T) {
	h := newAPIHarness(t)

	exp := domain.Experiment{
		Name:           "engine split",
		TrafficPercent: 50,
		Variants: []domain.Variant{
			{ID: "a", Name: "control", Weight: 0.5},
			{ID: "b", Name: "treatment", Weight: 0.6},
		},
	}
	rec := h.do(t, http.MethodPost, "/api/v1/experiments", exp)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "weights sum")

	exp.Variants[1].Weight = 0.5
	rec = h.do(t, http.MethodPost, "/api/v1/experiments", exp)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created domain.Experiment
	decodeBody(t, rec, &created)
	assert.Equal(t, domain.ExperimentDraft, created.Status)

	rec = h.do(t, http.MethodPost, "/api/v1/experiments/"+created.ID+"/status",
		experimentStatusRequest{Status: domain.ExperimentRunning})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/experiments/"+created.ID+"/status",
		experimentStatusRequest{Status: domain.ExperimentEnded})
	require.Equal(t, http.StatusOK, rec.Code)

	// Ended is terminal.
	rec = h.do(t, http.MethodPost, "/api/v1/experiments/"+created.ID+"/status",
		experimentStatusRequest{Status: domain.ExperimentRunning})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func testRolloutBody() domain.Rollout {
	cfgID := "cfg-new"
	return domain.Rollout{
		Name:        "tighter gates",
		SiteURL:     "https://shop.example.com",
		ChangeType:  domain.ChangeScoringConfig,
		NewConfigID: &cfgID,
		Stages: []domain.RolloutStage{
			{Percent: 10, DurationHours: 1},
			{Percent: 100, DurationHours: 1},
		},
		HealthCriteria: domain.HealthCriteria{
			MinSampleSize:     10,
			MinConversionRate: 0.1,
			MaxDismissalRate:  0.3,
		},
	}
}

func TestRolloutCommands(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	newCfg := mswim.DefaultScoringConfig()
	newCfg.ID = "cfg-new"
	newCfg.Name = "candidate"
	require.NoError(t, h.repo.ScoringConfigs.Create(ctx, &newCfg))

	rec := h.do(t, http.MethodPost, "/api/v1/rollouts", testRolloutBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var ro domain.Rollout
	decodeBody(t, rec, &ro)
	require.Equal(t, domain.RolloutPending, ro.Status)

	// Pause before start is a state conflict.
	rec = h.do(t, http.MethodPost, "/api/v1/rollouts/"+ro.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/rollouts/"+ro.ID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &ro)
	assert.Equal(t, domain.RolloutRolling, ro.Status)
	require.NotNil(t, ro.ExperimentID)

	rec = h.do(t, http.MethodGet, "/api/v1/rollouts/"+ro.ID+"/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report domain.HealthReport
	decodeBody(t, rec, &report)
	assert.Equal(t, domain.HealthHold, report.Recommendation)

	rec = h.do(t, http.MethodPost, "/api/v1/rollouts/"+ro.ID+"/rollback",
		rollbackRequest{Reason: "bad conversion"})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &ro)
	assert.Equal(t, domain.RolloutRolledBack, ro.Status)

	rec = h.do(t, http.MethodPost, "/api/v1/rollouts/unknown/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlertListAndAcknowledge(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	require.NoError(t, h.repo.DriftAlerts.Create(ctx, &domain.DriftAlert{
		ID:         "al-1",
		Severity:   domain.SeverityWarning,
		AlertType:  domain.AlertTierAgreementLow,
		Message:    "tier agreement 0.62 below 0.85",
		DetectedAt: time.Now().UTC(),
	}))

	rec := h.do(t, http.MethodGet, "/api/v1/alerts?acknowledged=false", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []domain.DriftAlert
	decodeBody(t, rec, &alerts)
	require.Len(t, alerts, 1)

	rec = h.do(t, http.MethodPost, "/api/v1/alerts/al-1/ack", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/alerts?acknowledged=false", nil)
	decodeBody(t, rec, &alerts)
	assert.Empty(t, alerts)
}

func TestJobTrigger(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/jobs/hourly_snapshot/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jr domain.JobRun
	decodeBody(t, rec, &jr)
	assert.Equal(t, "hourly_snapshot", jr.JobName)
	assert.Equal(t, "api", jr.TriggeredBy)

	rec = h.do(t, http.MethodPost, "/api/v1/jobs/make_coffee/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/jobs/hourly_snapshot/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []domain.JobRun
	decodeBody(t, rec, &runs)
	assert.Len(t, runs, 1)
}

func seedDatapoint(t *testing.T, h *apiHarness, id, interventionID string, outc domain.InterventionStatus) {
	t.Helper()
	_, err := h.repo.Datapoints.Create(context.Background(), &domain.TrainingDatapoint{
		ID:             id,
		InterventionID: interventionID,
		EvaluationID:   "eval-" + id,
		SessionID:      "sess-" + id,
		SiteURL:        "https://shop.example.com",
		PageType:       domain.PageCart,
		EventCount:     5,
		Narrative:      "hesitating at cart",
		FrictionsFound: []string{"F068"},
		Signals:        domain.MSWIMSignals{Intent: 63, Friction: 20, Clarity: 57, Receptivity: 77, Value: 50},
		CompositeScore: 52.2,
		Tier:           domain.TierNudge,
		Decision:       domain.DecisionFire,
		Outcome:        outc,
		OutcomeDelayMs: 42000,
		SessionAgeSec:  90,
		CreatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestTrainingEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	seedDatapoint(t, h, "dp-1", "iv-1", domain.StatusConverted)
	seedDatapoint(t, h, "dp-2", "iv-2", domain.StatusDismissed)

	rec := h.do(t, http.MethodGet, "/api/v1/training/datapoints?outcome=converted", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Datapoints []domain.TrainingDatapoint `json:"datapoints"`
		Total      int64                      `json:"total"`
	}
	decodeBody(t, rec, &page)
	require.Len(t, page.Datapoints, 1)
	assert.Equal(t, int64(1), page.Total)

	rec = h.do(t, http.MethodGet, "/api/v1/training/datapoints/iv-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Quality domain.QualityAssessment `json:"quality"`
	}
	decodeBody(t, rec, &detail)
	assert.NotEmpty(t, detail.Quality.Grade)

	rec = h.do(t, http.MethodGet, "/api/v1/training/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":2`)

	rec = h.do(t, http.MethodGet, "/api/v1/training/export?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 3) // header + 2 rows
	assert.True(t, strings.HasPrefix(lines[0], "id,createdAt,"))

	rec = h.do(t, http.MethodGet, "/api/v1/training/export?format=vhs", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionDrilldown(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, h.repo.Sessions.Upsert(ctx, &domain.Session{
		ID: "sess-1", SiteURL: "https://shop.example.com",
		StartedAt: now, LastSeenAt: now, Status: domain.SessionActive,
	}))
	require.NoError(t, h.repo.Evaluations.Create(ctx, &domain.Evaluation{
		ID: "eval-1", SessionID: "sess-1", CreatedAt: now,
	}))

	rec := h.do(t, http.MethodGet, "/api/v1/sessions/sess-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Session     domain.Session      `json:"session"`
		Evaluations []domain.Evaluation `json:"evaluations"`
	}
	decodeBody(t, rec, &detail)
	assert.Equal(t, "sess-1", detail.Session.ID)
	assert.Len(t, detail.Evaluations, 1)

	rec = h.do(t, http.MethodGet, "/api/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalyticsRequiresSite(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/analytics/funnel", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
