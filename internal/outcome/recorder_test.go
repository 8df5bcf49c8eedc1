package outcome

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaplatform/ava/internal/broadcast"
	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/persistence"
	"github.com/avaplatform/ava/internal/persistence/memory"
)

func seedFiredIntervention(t *testing.T, repo *persistence.Repository) *domain.Intervention {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Sessions.Upsert(ctx, &domain.Session{
		ID:         "sess-1",
		SiteURL:    "https://shop.example.com",
		DeviceType: "mobile",
		StartedAt:  now.Add(-5 * time.Minute),
		LastSeenAt: now,
		Status:     domain.SessionActive,
		CartValue:  129.99,
	}))

	require.NoError(t, repo.Evaluations.Create(ctx, &domain.Evaluation{
		ID:                "eval-1",
		SessionID:         "sess-1",
		SiteURL:           "https://shop.example.com",
		Engine:            domain.EngineFast,
		Signals:           domain.MSWIMSignals{Intent: 63, Friction: 20, Clarity: 57, Receptivity: 77, Value: 50},
		CompositeScore:    52.2,
		Tier:              domain.TierNudge,
		Decision:          domain.DecisionFire,
		Narrative:         "hesitating at cart",
		DetectedFrictions: []string{"F068"},
		EventCount:        6,
		SessionAgeSec:     90,
		PageType:          domain.PageCart,
		Events:            []domain.TrackEvent{{EventType: "cart_view"}},
		CreatedAt:         now.Add(-2 * time.Minute),
	}))

	iv := &domain.Intervention{
		ID:              "iv-1",
		SessionID:       "sess-1",
		EvaluationID:    "eval-1",
		Type:            domain.InterventionNudge,
		ActionCode:      "nudge_size_guide",
		MSWIMScore:      52.2,
		TierAtFire:      domain.TierNudge,
		Status:          domain.StatusSent,
		CreatedAt:       now.Add(-2 * time.Minute),
		StatusUpdatedAt: now.Add(-2 * time.Minute),
	}
	require.NoError(t, repo.Interventions.Create(ctx, iv))
	return iv
}

func TestRecordDeliveredThenConverted(t *testing.T) {
	repo := memory.NewStore().Repository()
	rec := NewRecorder(repo, broadcast.NewHub())
	iv := seedFiredIntervention(t, repo)
	ctx := context.Background()

	got, err := rec.Record(ctx, domain.Outcome{InterventionID: iv.ID, Status: domain.StatusDelivered})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusDelivered, got.Status)

	// Delivery is not terminal: no datapoint yet.
	_, err = repo.Datapoints.GetByInterventionID(ctx, iv.ID)
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	action := "completed_checkout"
	got, err = rec.Record(ctx, domain.Outcome{
		InterventionID:   iv.ID,
		Status:           domain.StatusConverted,
		ConversionAction: &action,
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusConverted, got.Status)

	dp, err := repo.Datapoints.GetByInterventionID(ctx, iv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConverted, dp.Outcome)
	require.NotNil(t, dp.ConversionAction)
	assert.Equal(t, "completed_checkout", *dp.ConversionAction)
	assert.Equal(t, "eval-1", dp.EvaluationID)
	assert.Equal(t, domain.TierNudge, dp.TierAtFire)
	assert.Equal(t, "hesitating at cart", dp.Narrative)
	assert.Greater(t, dp.OutcomeDelayMs, int64(0))

	s, err := repo.Sessions.GetByID(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Counters.TotalConversions)
}

func TestRecordDropsStaleTransition(t *testing.T) {
	repo := memory.NewStore().Repository()
	rec := NewRecorder(repo, broadcast.NewHub())
	iv := seedFiredIntervention(t, repo)
	ctx := context.Background()

	got, err := rec.Record(ctx, domain.Outcome{InterventionID: iv.ID, Status: domain.StatusDismissed})
	require.NoError(t, err)
	require.NotNil(t, got)

	// Late delivery report after the terminal outcome: dropped, not errored.
	got, err = rec.Record(ctx, domain.Outcome{InterventionID: iv.ID, Status: domain.StatusDelivered})
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := repo.Interventions.GetByID(ctx, iv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDismissed, stored.Status)

	s, err := repo.Sessions.GetByID(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Counters.TotalDismissals)
}

func TestRecordUnknownInterventionErrors(t *testing.T) {
	rec := NewRecorder(memory.NewStore().Repository(), nil)
	_, err := rec.Record(context.Background(), domain.Outcome{InterventionID: "nope", Status: domain.StatusDelivered})
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestDatapointAssemblyIsIdempotent(t *testing.T) {
	repo := memory.NewStore().Repository()
	rec := NewRecorder(repo, nil)
	iv := seedFiredIntervention(t, repo)
	ctx := context.Background()

	_, err := rec.Record(ctx, domain.Outcome{InterventionID: iv.ID, Status: domain.StatusIgnored})
	require.NoError(t, err)

	first, err := repo.Datapoints.GetByInterventionID(ctx, iv.ID)
	require.NoError(t, err)

	// A duplicate terminal report is dropped by the state machine, so the
	// datapoint is never reassembled.
	got, err := rec.Record(ctx, domain.Outcome{InterventionID: iv.ID, Status: domain.StatusConverted})
	require.NoError(t, err)
	assert.Nil(t, got)

	again, err := repo.Datapoints.GetByInterventionID(ctx, iv.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, domain.StatusIgnored, again.Outcome)
}
