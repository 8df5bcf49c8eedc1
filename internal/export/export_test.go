package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaplatform/ava/internal/domain"
)

func sampleDatapoints() []domain.TrainingDatapoint {
	fid := "F089"
	action := "completed_checkout"
	return []domain.TrainingDatapoint{
		{
			ID:             "dp-1",
			InterventionID: "iv-1",
			EvaluationID:   "eval-1",
			SessionID:      "sess-1",
			SiteURL:        "https://shop.example.com",
			DeviceType:     "mobile",
			ReferrerType:   "paid, search", // exercises RFC 4180 quoting
			IsLoggedIn:     true,
			CartValue:      129.99,
			CartItemCount:  2,
			SessionAgeSec:  310,
			PageType:       domain.PageCheckout,
			EventCount:     8,
			Narrative:      "payment declined twice, visitor retrying",
			FrictionsFound: []string{"F089", "F068"},
			Signals:        domain.MSWIMSignals{Intent: 93, Friction: 90, Clarity: 67, Receptivity: 77, Value: 50},
			CompositeScore: 78.7,
			Tier:           domain.TierActive,
			Decision:       domain.DecisionFire,

			InterventionType: domain.InterventionActive,
			ActionCode:       "active_checkout_rescue",
			FrictionID:       &fid,
			MSWIMScoreAtFire: 78.7,
			TierAtFire:       domain.TierActive,

			Outcome:          domain.StatusConverted,
			ConversionAction: &action,
			OutcomeDelayMs:   42000,

			TotalInterventionsFired: 1,
			CreatedAt:               time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC),
		},
		{
			ID:         "dp-2",
			SessionID:  "sess-2",
			SiteURL:    "https://shop.example.com",
			PageType:   domain.PageCart,
			EventCount: 4,
			Signals:    domain.MSWIMSignals{Intent: 40, Friction: 20, Clarity: 50, Receptivity: 60, Value: 35},
			Tier:       domain.TierNudge,
			Decision:   domain.DecisionFire,
			Outcome:    domain.StatusDismissed,
			CreatedAt:  time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC),
		},
	}
}

func TestJSONLRoundTrips(t *testing.T) {
	dps := sampleDatapoints()
	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, dps))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	for i, line := range lines {
		var got domain.TrainingDatapoint
		require.NoError(t, json.Unmarshal([]byte(line), &got))
		assert.Equal(t, dps[i].ID, got.ID)
		assert.Equal(t, dps[i].Signals, got.Signals)
		assert.Equal(t, dps[i].Outcome, got.Outcome)
		assert.Equal(t, dps[i].FrictionsFound, got.FrictionsFound)
		assert.True(t, dps[i].CreatedAt.Equal(got.CreatedAt))
	}
}

func TestCSVColumnOrderAndEscaping(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleDatapoints()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3) // header + 2 records

	require.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "id", rows[0][0])
	assert.Equal(t, "frictionsFound", rows[0][len(rows[0])-1])

	first := rows[1]
	require.Len(t, first, len(csvHeader))
	assert.Equal(t, "dp-1", first[0])
	assert.Equal(t, "2026-08-20T14:30:00Z", first[1])
	assert.Equal(t, "paid, search", first[5], "embedded comma survives quoting")
	assert.Equal(t, "true", first[6])
	assert.Equal(t, "129.99", first[8])
	assert.Equal(t, "93", first[12])
	assert.Equal(t, "78.7", first[17])
	assert.Equal(t, "ACTIVE", first[18])
	assert.Equal(t, "converted", first[26])
	assert.Equal(t, "F089|F068", first[32])

	second := rows[2]
	assert.Equal(t, "", second[23], "nil friction id is empty")
	assert.Equal(t, "", second[27], "nil conversion action is empty")
}

func TestFineTuneJSONLShape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFineTuneJSONL(&buf, sampleDatapoints()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var rec fineTuneRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Len(t, rec.Messages, 3)
	assert.Equal(t, "system", rec.Messages[0].Role)
	assert.Equal(t, "user", rec.Messages[1].Role)
	assert.Equal(t, "assistant", rec.Messages[2].Role)

	var user fineTuneUser
	require.NoError(t, json.Unmarshal([]byte(rec.Messages[1].Content), &user))
	assert.Equal(t, domain.PageCheckout, user.PageType)
	assert.Equal(t, 129.99, user.CartValue)

	var assistant fineTuneAssistant
	require.NoError(t, json.Unmarshal([]byte(rec.Messages[2].Content), &assistant))
	assert.Equal(t, []string{"F089", "F068"}, assistant.DetectedFrictions)
	assert.Equal(t, 93, assistant.Signals.Intent)
	assert.Equal(t, "active_checkout_rescue", assistant.RecommendedAction)
	assert.Contains(t, assistant.Reasoning, "78.7")

	// Empty frictions serialize as [], not null.
	var second fineTuneRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Contains(t, second.Messages[2].Content, `"detected_frictions":[]`)
}
