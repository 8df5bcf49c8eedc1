package http

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/export"
	"github.com/avaplatform/ava/internal/outcome"
	"github.com/avaplatform/ava/internal/persistence"
)

func datapointFilter(a *API, r *http.Request) (persistence.DatapointFilter, error) {
	q := r.URL.Query()
	f := persistence.DatapointFilter{
		Outcome:    domain.InterventionStatus(q.Get("outcome")),
		Tier:       domain.Tier(q.Get("tier")),
		SiteURL:    q.Get("site_url"),
		FrictionID: q.Get("friction_id"),
		Limit:      a.queryLimit(r, 100),
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid offset")
		}
		f.Offset = n
	}
	if q.Get("from") != "" || q.Get("to") != "" {
		tr, err := queryTimeRange(r)
		if err != nil {
			return f, err
		}
		f.Range = &tr
	}
	return f, nil
}

func (a *API) handleDatapointList(w http.ResponseWriter, r *http.Request) {
	f, err := datapointFilter(a, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	dps, err := a.repo.Datapoints.List(r.Context(), f)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	total, err := a.repo.Datapoints.Count(r.Context(), f)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"datapoints": dps,
		"total":      total,
	})
}

// handleDatapointGet returns one datapoint with its quality assessment.
func (a *API) handleDatapointGet(w http.ResponseWriter, r *http.Request) {
	dp, err := a.repo.Datapoints.GetByInterventionID(r.Context(), mux.Vars(r)["intervention_id"])
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"datapoint": dp,
		"quality":   outcome.Grade(dp),
	})
}

func (a *API) handleTrainingStats(w http.ResponseWriter, r *http.Request) {
	tr, err := queryTimeRange(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	dist, err := a.repo.Datapoints.OutcomeDistribution(r.Context(), tr)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	crossTab, err := a.repo.Datapoints.TierOutcomeCrossTab(r.Context(), tr)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	var total int64
	for _, n := range dist {
		total += n
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"range":                tr,
		"total":                total,
		"outcome_distribution": dist,
		"tier_outcome":         crossTab,
	})
}

// handleTrainingExport streams datapoints in the requested format:
// jsonl (default), csv, or finetune.
func (a *API) handleTrainingExport(w http.ResponseWriter, r *http.Request) {
	f, err := datapointFilter(a, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit = a.queryLimit(r, a.maxPageSize)

	dps, err := a.repo.Datapoints.List(r.Context(), f)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", `attachment; filename="datapoints.jsonl"`)
		err = export.WriteJSONL(w, dps)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="datapoints.csv"`)
		err = export.WriteCSV(w, dps)
	case "finetune":
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", `attachment; filename="finetune.jsonl"`)
		err = export.WriteFineTuneJSONL(w, dps)
	default:
		respondError(w, http.StatusBadRequest, "format must be jsonl, csv, or finetune")
		return
	}
	if err != nil {
		// Headers are already out; the truncated stream is the signal.
		log.Error().Err(err).Str("format", format).Msg("export stream failed")
	}
}
