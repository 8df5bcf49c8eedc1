// Package export serializes training datapoints for downstream consumers:
// raw JSONL for analysis, CSV for spreadsheets, and chat-format JSONL for
// model fine-tuning.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/avaplatform/ava/internal/domain"
)

// csvHeader is the fixed column order. Consumers key on position, so this
// list only ever grows at the end.
var csvHeader = []string{
	"id", "createdAt", "sessionId", "siteUrl", "deviceType", "referrerType",
	"isLoggedIn", "isRepeatVisitor", "cartValue", "cartItemCount",
	"sessionAgeSec", "pageType",
	"intentScore", "frictionScore", "clarityScore", "receptivityScore",
	"valueScore", "compositeScore",
	"tier", "decision", "gateOverride",
	"interventionType", "actionCode", "frictionId", "mswimScoreAtFire",
	"tierAtFire",
	"outcome", "conversionAction", "outcomeDelayMs",
	"totalInterventionsFired", "totalDismissals", "totalConversions",
	"frictionsFound",
}

// WriteJSONL writes one JSON record per line. Parsing each line back yields
// the original datapoint.
func WriteJSONL(w io.Writer, dps []domain.TrainingDatapoint) error {
	enc := json.NewEncoder(w)
	for i := range dps {
		if err := enc.Encode(&dps[i]); err != nil {
			return fmt.Errorf("jsonl record %d: %w", i, err)
		}
	}
	return nil
}

// WriteCSV writes the fixed-column CSV with RFC 4180 escaping.
func WriteCSV(w io.Writer, dps []domain.TrainingDatapoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for i := range dps {
		if err := cw.Write(csvRow(&dps[i])); err != nil {
			return fmt.Errorf("csv record %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(dp *domain.TrainingDatapoint) []string {
	gateOverride := ""
	if dp.GateOverride != nil {
		gateOverride = string(dp.GateOverride.ID)
	}
	return []string{
		dp.ID,
		dp.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		dp.SessionID,
		dp.SiteURL,
		dp.DeviceType,
		dp.ReferrerType,
		strconv.FormatBool(dp.IsLoggedIn),
		strconv.FormatBool(dp.IsRepeatVisitor),
		formatFloat(dp.CartValue),
		strconv.Itoa(dp.CartItemCount),
		formatFloat(dp.SessionAgeSec),
		string(dp.PageType),
		strconv.Itoa(dp.Signals.Intent),
		strconv.Itoa(dp.Signals.Friction),
		strconv.Itoa(dp.Signals.Clarity),
		strconv.Itoa(dp.Signals.Receptivity),
		strconv.Itoa(dp.Signals.Value),
		formatFloat(dp.CompositeScore),
		string(dp.Tier),
		string(dp.Decision),
		gateOverride,
		string(dp.InterventionType),
		dp.ActionCode,
		deref(dp.FrictionID),
		formatFloat(dp.MSWIMScoreAtFire),
		string(dp.TierAtFire),
		string(dp.Outcome),
		deref(dp.ConversionAction),
		strconv.FormatInt(dp.OutcomeDelayMs, 10),
		strconv.Itoa(dp.TotalInterventionsFired),
		strconv.Itoa(dp.TotalDismissals),
		strconv.Itoa(dp.TotalConversions),
		strings.Join(dp.FrictionsFound, "|"),
	}
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// fineTuneSystemPrompt frames the task for the tuned evaluator model.
const fineTuneSystemPrompt = "You evaluate an e-commerce visitor session and return JSON with a narrative, " +
	"detected frictions, five 0-100 signals (intent, friction, clarity, receptivity, value), " +
	"a recommended action, and your reasoning."

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type fineTuneRecord struct {
	Messages []chatMessage `json:"messages"`
}

// fineTuneUser is the session context the model sees at inference time.
type fineTuneUser struct {
	SiteURL         string              `json:"site_url"`
	PageType        domain.PageType     `json:"page_type"`
	DeviceType      string              `json:"device_type"`
	ReferrerType    string              `json:"referrer_type,omitempty"`
	IsLoggedIn      bool                `json:"is_logged_in"`
	IsRepeatVisitor bool                `json:"is_repeat_visitor"`
	CartValue       float64             `json:"cart_value"`
	CartItemCount   int                 `json:"cart_item_count"`
	SessionAgeSec   float64             `json:"session_age_sec"`
	EventCount      int                 `json:"event_count"`
	Events          []domain.TrackEvent `json:"events,omitempty"`
}

// fineTuneAssistant is the target completion.
type fineTuneAssistant struct {
	Narrative         string              `json:"narrative"`
	DetectedFrictions []string            `json:"detected_frictions"`
	Signals           domain.MSWIMSignals `json:"signals"`
	RecommendedAction string              `json:"recommended_action"`
	Reasoning         string              `json:"reasoning"`
}

// WriteFineTuneJSONL writes one chat-format example per datapoint.
func WriteFineTuneJSONL(w io.Writer, dps []domain.TrainingDatapoint) error {
	enc := json.NewEncoder(w)
	for i := range dps {
		rec, err := fineTuneExample(&dps[i])
		if err != nil {
			return fmt.Errorf("fine-tune record %d: %w", i, err)
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("fine-tune record %d: %w", i, err)
		}
	}
	return nil
}

func fineTuneExample(dp *domain.TrainingDatapoint) (*fineTuneRecord, error) {
	user, err := json.Marshal(fineTuneUser{
		SiteURL:         dp.SiteURL,
		PageType:        dp.PageType,
		DeviceType:      dp.DeviceType,
		ReferrerType:    dp.ReferrerType,
		IsLoggedIn:      dp.IsLoggedIn,
		IsRepeatVisitor: dp.IsRepeatVisitor,
		CartValue:       dp.CartValue,
		CartItemCount:   dp.CartItemCount,
		SessionAgeSec:   dp.SessionAgeSec,
		EventCount:      dp.EventCount,
		Events:          dp.Events,
	})
	if err != nil {
		return nil, err
	}

	frictions := dp.FrictionsFound
	if frictions == nil {
		frictions = []string{}
	}
	assistant, err := json.Marshal(fineTuneAssistant{
		Narrative:         dp.Narrative,
		DetectedFrictions: frictions,
		Signals:           dp.Signals,
		RecommendedAction: dp.ActionCode,
		Reasoning: fmt.Sprintf("composite %.1f resolved tier %s; decision %s, outcome %s",
			dp.CompositeScore, dp.Tier, dp.Decision, dp.Outcome),
	})
	if err != nil {
		return nil, err
	}

	return &fineTuneRecord{Messages: []chatMessage{
		{Role: "system", Content: fineTuneSystemPrompt},
		{Role: "user", Content: string(user)},
		{Role: "assistant", Content: string(assistant)},
	}}, nil
}
