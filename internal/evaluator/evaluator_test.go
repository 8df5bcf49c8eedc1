package evaluator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaplatform/ava/internal/broadcast"
	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/llm"
	"github.com/avaplatform/ava/internal/metrics"
	"github.com/avaplatform/ava/internal/mswim"
	"github.com/avaplatform/ava/internal/persistence"
	"github.com/avaplatform/ava/internal/persistence/memory"
)

type staticConfigs struct{ cfg domain.ScoringConfig }

func (s staticConfigs) Load(context.Context, string, string) (domain.ScoringConfig, error) {
	return s.cfg, nil
}

type harness struct {
	ev    *Evaluator
	repo  *persistence.Repository
	stub  *llm.StubClient
	store *memory.Store
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store := memory.NewStore()
	repo := store.Repository()
	stub := &llm.StubClient{
		Hints: domain.Hints{Intent: 70, Friction: 60, Clarity: 65, Receptivity: 70, Value: 55, Narrative: "model hints"},
	}
	ev := New(repo, staticConfigs{cfg: mswim.DefaultScoringConfig()}, stub, broadcast.NewHub(), opts)
	return &harness{ev: ev, repo: repo, stub: stub, store: store}
}

// cartSession is a 90 second old session sitting on the cart page. With six
// buffered events, a 129.99 cart, and 20s idle, the rules engine lands it in
// the nudge band.
func cartSession() *domain.Session {
	now := time.Now().UTC()
	return &domain.Session{
		ID:         "sess-cart",
		VisitorKey: "v-1",
		SessionKey: "k-1",
		SiteURL:    "https://shop.example.com",
		StartedAt:  now.Add(-90 * time.Second),
		LastSeenAt: now,
		Status:     domain.SessionActive,
		DeviceType: "desktop",
	}
}

// coldSession is a fresh landing-page visit that should evaluate well below
// every threshold.
func coldSession() *domain.Session {
	now := time.Now().UTC()
	return &domain.Session{
		ID:         "sess-cold",
		VisitorKey: "v-2",
		SessionKey: "k-2",
		SiteURL:    "https://shop.example.com",
		StartedAt:  now.Add(-15 * time.Second),
		LastSeenAt: now,
		Status:     domain.SessionActive,
	}
}

func cartEvents(n int) []*domain.TrackEvent {
	evs := make([]*domain.TrackEvent, n)
	for i := range evs {
		evs[i] = &domain.TrackEvent{
			Category:  domain.CategoryCart,
			EventType: "cart_view",
			PageType:  domain.PageCart,
		}
	}
	// The last event carries the cart and idle signals the widget reports.
	evs[n-1].RawSignals = map[string]interface{}{
		"cart_value":      129.99,
		"cart_item_count": 2,
		"idle_seconds":    20,
	}
	return evs
}

func ingestAll(t *testing.T, h *harness, s *domain.Session, events []*domain.TrackEvent) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, h.ev.Ingest(context.Background(), s, e))
	}
}

func evaluations(t *testing.T, h *harness, sessionID string) []domain.Evaluation {
	t.Helper()
	evals, err := h.repo.Evaluations.ListBySession(context.Background(), sessionID, 0)
	require.NoError(t, err)
	return evals
}

func TestIngestBuffersUntilBatchFull(t *testing.T) {
	h := newHarness(t, Options{BatchInterval: time.Hour, BatchMaxEvents: 3, Engine: domain.EngineFast})
	s := coldSession()

	ingestAll(t, h, s, []*domain.TrackEvent{
		{Category: domain.CategoryNavigation, EventType: "page_view", PageType: domain.PageLanding},
		{Category: domain.CategoryNavigation, EventType: "scroll", PageType: domain.PageLanding},
	})
	assert.Empty(t, evaluations(t, h, s.ID), "no flush before the batch fills")

	ingestAll(t, h, s, []*domain.TrackEvent{
		{Category: domain.CategoryNavigation, EventType: "page_view", PageType: domain.PageLanding},
	})
	evals := evaluations(t, h, s.ID)
	require.Len(t, evals, 1)
	assert.Equal(t, 3, evals[0].EventCount)
	assert.Equal(t, domain.EngineFast, evals[0].Engine)
}

func TestFlushIsExactlyOnce(t *testing.T) {
	h := newHarness(t, Options{BatchInterval: time.Hour, BatchMaxEvents: 50, Engine: domain.EngineFast})
	s := coldSession()

	ingestAll(t, h, s, []*domain.TrackEvent{
		{Category: domain.CategoryNavigation, EventType: "page_view", PageType: domain.PageLanding},
		{Category: domain.CategoryNavigation, EventType: "scroll", PageType: domain.PageLanding},
	})

	h.ev.FlushSession(context.Background(), s.ID)
	h.ev.FlushSession(context.Background(), s.ID)

	assert.Len(t, evaluations(t, h, s.ID), 1, "second flush with nothing pending is a no-op")
}

// stallingEvalRepo parks every Create on the release channel and tracks how
// many writes are in flight at once.
type stallingEvalRepo struct {
	persistence.EvaluationRepo

	release chan struct{}

	mu       sync.Mutex
	inFlight int
	maxSeen  int
}

func (r *stallingEvalRepo) Create(ctx context.Context, e *domain.Evaluation) error {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.maxSeen {
		r.maxSeen = r.inFlight
	}
	r.mu.Unlock()

	<-r.release

	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()
	return r.EvaluationRepo.Create(ctx, e)
}

func (r *stallingEvalRepo) max() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxSeen
}

func (r *stallingEvalRepo) writing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight > 0
}

func TestConcurrentFlushesForOneSessionSerialize(t *testing.T) {
	// A wide nudge band keeps both evaluations at the nudge tier, so the
	// only thing deciding the second fire is the cooldown bookkeeping.
	cfg := mswim.DefaultScoringConfig()
	cfg.Thresholds = domain.TierThresholds{Monitor: 29, Passive: 49, Nudge: 98, Active: 99}

	store := memory.NewStore()
	repo := store.Repository()
	h := &harness{
		ev:    New(repo, staticConfigs{cfg: cfg}, nil, broadcast.NewHub(), Options{BatchInterval: time.Hour, BatchMaxEvents: 50, Engine: domain.EngineFast}),
		repo:  repo,
		store: store,
	}
	s := cartSession()

	stalled := &stallingEvalRepo{EvaluationRepo: h.repo.Evaluations, release: make(chan struct{})}
	h.repo.Evaluations = stalled

	ingestAll(t, h, s, cartEvents(6))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.ev.FlushSession(context.Background(), s.ID)
	}()
	require.Eventually(t, stalled.writing, time.Second, 2*time.Millisecond)

	// More events arrive while the first flush is stalled in the store, then
	// a second flush races it for the same session.
	ingestAll(t, h, s, cartEvents(6))
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.ev.FlushSession(context.Background(), s.ID)
	}()
	time.Sleep(50 * time.Millisecond)

	close(stalled.release)
	wg.Wait()

	assert.Equal(t, 1, stalled.max(), "one evaluation write in the store at a time")
	require.Len(t, evaluations(t, h, s.ID), 2, "both flushes still evaluate their events")

	// The second flush sees the counters the first fire updated, so the
	// nudge cooldown holds it back instead of firing back to back.
	ivs, err := h.repo.Interventions.ListBySession(context.Background(), s.ID, 0)
	require.NoError(t, err)
	assert.Len(t, ivs, 1)
}

// failingEvalRepo refuses every write.
type failingEvalRepo struct {
	persistence.EvaluationRepo
}

func (failingEvalRepo) Create(context.Context, *domain.Evaluation) error {
	return errors.New("connection refused")
}

func TestEvaluationPersistFailureIsCounted(t *testing.T) {
	h := newHarness(t, Options{BatchInterval: time.Hour, BatchMaxEvents: 50, Engine: domain.EngineFast})
	s := coldSession()
	h.repo.Evaluations = failingEvalRepo{EvaluationRepo: h.repo.Evaluations}

	before := testutil.ToFloat64(metrics.PersistFailures.WithLabelValues("evaluation"))

	ingestAll(t, h, s, []*domain.TrackEvent{
		{Category: domain.CategoryNavigation, EventType: "page_view", PageType: domain.PageLanding},
	})
	h.ev.FlushSession(context.Background(), s.ID)

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PersistFailures.WithLabelValues("evaluation")))
}

func TestFlushUnknownSessionIsNoOp(t *testing.T) {
	h := newHarness(t, Options{Engine: domain.EngineFast})
	h.ev.FlushSession(context.Background(), "never-seen")
	assert.Empty(t, h.ev.SessionIDs())
}

func TestColdSessionSuppresses(t *testing.T) {
	h := newHarness(t, Options{BatchInterval: time.Hour, BatchMaxEvents: 50, Engine: domain.EngineFast})
	s := coldSession()

	ingestAll(t, h, s, []*domain.TrackEvent{
		{Category: domain.CategoryNavigation, EventType: "page_view", PageType: domain.PageLanding},
		{Category: domain.CategoryNavigation, EventType: "scroll", PageType: domain.PageLanding},
	})
	h.ev.FlushSession(context.Background(), s.ID)

	evals := evaluations(t, h, s.ID)
	require.Len(t, evals, 1)
	assert.NotEqual(t, domain.DecisionFire, evals[0].Decision)

	ivs, err := h.repo.Interventions.ListBySession(context.Background(), s.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, ivs)
}

func TestFireCreatesInterventionAndUpdatesCounters(t *testing.T) {
	h := newHarness(t, Options{BatchInterval: time.Hour, BatchMaxEvents: 6, Engine: domain.EngineFast})
	s := cartSession()

	ingestAll(t, h, s, cartEvents(6)) // sixth event triggers the size flush

	evals := evaluations(t, h, s.ID)
	require.Len(t, evals, 1)
	assert.Equal(t, domain.DecisionFire, evals[0].Decision)
	assert.Equal(t, domain.TierNudge, evals[0].Tier)

	ivs, err := h.repo.Interventions.ListBySession(context.Background(), s.ID, 0)
	require.NoError(t, err)
	require.Len(t, ivs, 1)
	assert.Equal(t, domain.StatusSent, ivs[0].Status)
	assert.Equal(t, domain.InterventionNudge, ivs[0].Type)
	assert.Equal(t, evals[0].ID, ivs[0].EvaluationID)

	stored, err := h.repo.Sessions.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Counters.TotalInterventionsFired)
	assert.Equal(t, 1, stored.Counters.TotalNudges)
	assert.Equal(t, 1, stored.Counters.TotalNonPassive)
	require.NotNil(t, stored.Counters.LastNudgeAt)
}

func TestWidgetReceivesFiredIntervention(t *testing.T) {
	h := newHarness(t, Options{BatchInterval: time.Hour, BatchMaxEvents: 6, Engine: domain.EngineFast})
	s := cartSession()

	sub := h.ev.hub.Subscribe(broadcast.ChannelWidget, s.ID)
	defer h.ev.hub.Unsubscribe(sub)

	ingestAll(t, h, s, cartEvents(6))

	select {
	case raw := <-sub.Send:
		assert.Contains(t, string(raw), `"intervention"`)
	case <-time.After(time.Second):
		t.Fatal("no widget message after fire")
	}
}

func TestAutoEngineStaysFastWhenCold(t *testing.T) {
	h := newHarness(t, Options{BatchInterval: time.Hour, BatchMaxEvents: 50, Engine: domain.EngineAuto})
	s := coldSession()

	ingestAll(t, h, s, []*domain.TrackEvent{
		{Category: domain.CategoryNavigation, EventType: "page_view", PageType: domain.PageLanding},
	})
	h.ev.FlushSession(context.Background(), s.ID)

	evals := evaluations(t, h, s.ID)
	require.Len(t, evals, 1)
	assert.Equal(t, domain.EngineFast, evals[0].Engine)
	assert.Zero(t, h.stub.Calls, "cold sessions never spend a model call")
}

func TestAutoEngineEscalatesToModelWhenHot(t *testing.T) {
	h := newHarness(t, Options{BatchInterval: time.Hour, BatchMaxEvents: 50, Engine: domain.EngineAuto})
	s := cartSession()

	ingestAll(t, h, s, cartEvents(6))
	h.ev.FlushSession(context.Background(), s.ID)

	evals := evaluations(t, h, s.ID)
	require.Len(t, evals, 1)
	assert.Equal(t, domain.EngineLLM, evals[0].Engine)
	assert.Equal(t, 1, h.stub.Calls)
	assert.Equal(t, "model hints", evals[0].Narrative)
}

func TestAutoEngineThrottlesRepeatModelCalls(t *testing.T) {
	h := newHarness(t, Options{BatchInterval: time.Hour, BatchMaxEvents: 50, Engine: domain.EngineAuto})
	s := cartSession()

	ingestAll(t, h, s, cartEvents(6))
	h.ev.FlushSession(context.Background(), s.ID)
	require.Equal(t, 1, h.stub.Calls)

	// A second hot flush inside the reeval window stays on the fast engine.
	ingestAll(t, h, s, cartEvents(6))
	h.ev.FlushSession(context.Background(), s.ID)

	evals := evaluations(t, h, s.ID)
	require.Len(t, evals, 2)
	assert.Equal(t, 1, h.stub.Calls)
}

func TestLLMEngineFallsBackToFastOnError(t *testing.T) {
	h := newHarness(t, Options{BatchInterval: time.Hour, BatchMaxEvents: 50, Engine: domain.EngineLLM})
	h.stub.Err = errors.New("model endpoint down")
	s := cartSession()

	ingestAll(t, h, s, cartEvents(6))
	h.ev.FlushSession(context.Background(), s.ID)

	evals := evaluations(t, h, s.ID)
	require.Len(t, evals, 1)
	assert.Equal(t, domain.EngineFast, evals[0].Engine)
	assert.Equal(t, 1, h.stub.Calls)
}

func TestShadowRecordedForModelEvaluations(t *testing.T) {
	h := newHarness(t, Options{BatchInterval: time.Hour, BatchMaxEvents: 50, Engine: domain.EngineLLM, ShadowEnabled: true})
	s := cartSession()

	ingestAll(t, h, s, cartEvents(6))
	h.ev.FlushSession(context.Background(), s.ID)

	shadows, err := h.repo.Shadows.List(context.Background(), persistence.ShadowFilter{SessionID: s.ID})
	require.NoError(t, err)
	require.Len(t, shadows, 1)
	assert.Equal(t, evaluations(t, h, s.ID)[0].ID, shadows[0].EvaluationID)
}

func TestShadowSkippedForSyntheticHints(t *testing.T) {
	h := newHarness(t, Options{BatchInterval: time.Hour, BatchMaxEvents: 50, Engine: domain.EngineFast, ShadowEnabled: true})
	s := cartSession()

	ingestAll(t, h, s, cartEvents(6))
	h.ev.FlushSession(context.Background(), s.ID)

	shadows, err := h.repo.Shadows.List(context.Background(), persistence.ShadowFilter{SessionID: s.ID})
	require.NoError(t, err)
	assert.Empty(t, shadows, "comparing the fast engine against itself is meaningless")
}

func TestExperimentVariantOverridesEngine(t *testing.T) {
	h := newHarness(t, Options{BatchInterval: time.Hour, BatchMaxEvents: 50, Engine: domain.EngineFast})
	s := cartSession()

	engineLLM := domain.EngineLLM
	exp := &domain.Experiment{
		ID:             "exp-engine",
		Name:           "model engine holdout",
		Status:         domain.ExperimentRunning,
		TrafficPercent: 100,
		Variants: []domain.Variant{
			{ID: "treatment", Weight: 1.0, EvalEngine: &engineLLM},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, h.repo.Experiments.Create(context.Background(), exp))

	ingestAll(t, h, s, cartEvents(6))
	h.ev.FlushSession(context.Background(), s.ID)

	evals := evaluations(t, h, s.ID)
	require.Len(t, evals, 1)
	assert.Equal(t, domain.EngineLLM, evals[0].Engine)
	require.NotNil(t, evals[0].VariantID)
	assert.Equal(t, "treatment", *evals[0].VariantID)
}

func TestReleaseDropsSessionState(t *testing.T) {
	h := newHarness(t, Options{BatchInterval: time.Hour, BatchMaxEvents: 50, Engine: domain.EngineFast})
	s := coldSession()

	ingestAll(t, h, s, []*domain.TrackEvent{
		{Category: domain.CategoryNavigation, EventType: "page_view", PageType: domain.PageLanding},
	})
	require.Contains(t, h.ev.SessionIDs(), s.ID)

	h.ev.Release(s.ID)
	assert.Empty(t, h.ev.SessionIDs())

	// Pending events are gone with the state; a forced flush finds nothing.
	h.ev.FlushSession(context.Background(), s.ID)
	assert.Empty(t, evaluations(t, h, s.ID))
}

func TestApplyEventRaisesStickyFlags(t *testing.T) {
	s := coldSession()

	applyEventToSession(s, &domain.TrackEvent{EventType: "payment_failure", Timestamp: time.Now().UTC()})
	applyEventToSession(s, &domain.TrackEvent{EventType: "help_search", Timestamp: time.Now().UTC()})
	applyEventToSession(s, &domain.TrackEvent{EventType: "widget_open", Timestamp: time.Now().UTC()})
	applyEventToSession(s, &domain.TrackEvent{EventType: "login", Timestamp: time.Now().UTC()})
	applyEventToSession(s, &domain.TrackEvent{
		EventType:  "cart_update",
		RawSignals: map[string]interface{}{"cart_value": 59.5, "cart_item_count": 3, "idle_seconds": 12},
		Timestamp:  time.Now().UTC(),
	})

	assert.True(t, s.Counters.Flags.HasPaymentFailure)
	assert.True(t, s.Counters.Flags.HasHelpSearch)
	assert.True(t, s.Counters.WidgetOpenedVoluntarily)
	assert.True(t, s.IsLoggedIn)
	assert.Equal(t, 59.5, s.CartValue)
	assert.Equal(t, 3, s.CartItemCount)
	assert.Equal(t, 12.0, s.Counters.IdleSeconds)
}

func TestApplyEventKeepsLastSeenMonotonic(t *testing.T) {
	s := coldSession()
	seen := s.LastSeenAt

	applyEventToSession(s, &domain.TrackEvent{EventType: "page_view", Timestamp: seen.Add(-time.Minute)})
	assert.Equal(t, seen, s.LastSeenAt, "late-arriving events never rewind last-seen")

	applyEventToSession(s, &domain.TrackEvent{EventType: "page_view", Timestamp: seen.Add(time.Minute)})
	assert.Equal(t, seen.Add(time.Minute), s.LastSeenAt)
}

func TestBuildSessionContextCollectsFrictions(t *testing.T) {
	s := cartSession()
	events := []domain.TrackEvent{
		{EventType: "page_view", PageType: domain.PagePDP},
		{EventType: "friction", PageType: domain.PagePDP, FrictionID: strPtr("F068")},
		{EventType: "friction", PageType: domain.PageCheckout, FrictionID: strPtr("F089")},
		{EventType: "friction", PageType: "", FrictionID: strPtr("F068")},
	}

	ctx := buildSessionContext(s, events)
	assert.Equal(t, domain.PageCheckout, ctx.PageType, "latest non-empty page wins")
	assert.Equal(t, []string{"F068", "F089"}, ctx.FrictionIDs, "distinct ids in first-seen order")
	assert.Equal(t, 4, ctx.EventCount)
}

func TestRecordFiredInterventionBookkeeping(t *testing.T) {
	now := time.Now().UTC()
	var c domain.SessionCounters

	recordFiredIntervention(&c, domain.TierNudge, strPtr("F068"), now)
	recordFiredIntervention(&c, domain.TierActive, strPtr("F068"), now)
	recordFiredIntervention(&c, domain.TierEscalate, nil, now)
	recordFiredIntervention(&c, domain.TierPassive, nil, now)

	assert.Equal(t, 4, c.TotalInterventionsFired)
	assert.Equal(t, 1, c.TotalNudges)
	assert.Equal(t, 1, c.TotalActive)
	assert.Equal(t, 3, c.TotalNonPassive, "passive fires carry no pressure")
	assert.Equal(t, []string{"F068"}, c.FrictionIDsIntervened, "no duplicate friction entries")
	require.NotNil(t, c.LastInterventionAt)
}
