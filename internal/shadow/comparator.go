package shadow

import (
	"time"

	"github.com/google/uuid"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/mswim"
)

// Compare runs the shadow evaluation for one production result and returns
// the filled comparison record. The shadow path reuses the exact config the
// production evaluation ran under, so the only varying input is the hints.
func Compare(evaluationID string, sessCtx *domain.SessionContext, cfg domain.ScoringConfig, production *domain.MSWIMResult) *domain.ShadowComparison {
	hints := Synthesize(sessCtx)
	shadowRes := mswim.Evaluate(hints, sessCtx, cfg)

	sc := &domain.ShadowComparison{
		ID:           uuid.NewString(),
		EvaluationID: evaluationID,
		SessionID:    sessCtx.SessionID,
		SiteURL:      sessCtx.SiteURL,
		Production:   snapshot(production),
		Shadow:       snapshot(shadowRes),
		ShadowHints:  hints,
		CreatedAt:    time.Now().UTC(),
	}
	sc.Compare()
	return sc
}

func snapshot(r *domain.MSWIMResult) domain.EvalSnapshot {
	return domain.EvalSnapshot{
		Signals:        r.Signals,
		CompositeScore: r.CompositeScore,
		Tier:           r.Tier,
		Decision:       r.Decision,
		GateOverride:   r.GateOverride,
	}
}
