package http

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/avaplatform/ava/internal/domain"
)

func (a *API) handleExperimentList(w http.ResponseWriter, r *http.Request) {
	status := domain.ExperimentStatus(r.URL.Query().Get("status"))
	exps, err := a.repo.Experiments.List(r.Context(), status, a.queryLimit(r, 100))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exps)
}

func (a *API) handleExperimentCreate(w http.ResponseWriter, r *http.Request) {
	var exp domain.Experiment
	if !decodeJSON(w, r, &exp) {
		return
	}
	if err := validateExperiment(&exp); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	if exp.Status == "" {
		exp.Status = domain.ExperimentDraft
	}
	exp.CreatedAt = time.Now().UTC()
	exp.UpdatedAt = exp.CreatedAt
	if err := a.repo.Experiments.Create(r.Context(), &exp); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, exp)
}

func validateExperiment(exp *domain.Experiment) error {
	if exp.Name == "" {
		return fmt.Errorf("name is required")
	}
	if exp.TrafficPercent < 0 || exp.TrafficPercent > 100 {
		return fmt.Errorf("traffic_percent must be within [0,100]")
	}
	if len(exp.Variants) == 0 {
		return fmt.Errorf("at least one variant is required")
	}
	sum := 0.0
	seen := map[string]bool{}
	for _, v := range exp.Variants {
		if v.ID == "" {
			return fmt.Errorf("variant id is required")
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate variant id %q", v.ID)
		}
		seen[v.ID] = true
		if v.Weight < 0 {
			return fmt.Errorf("variant %q has negative weight", v.ID)
		}
		sum += v.Weight
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("variant weights sum to %.4f, want 1.0", sum)
	}
	return nil
}

func (a *API) handleExperimentGet(w http.ResponseWriter, r *http.Request) {
	exp, err := a.repo.Experiments.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

type experimentStatusRequest struct {
	Status domain.ExperimentStatus `json:"status"`
}

// handleExperimentStatus moves an experiment through its lifecycle. Ended is
// terminal.
func (a *API) handleExperimentStatus(w http.ResponseWriter, r *http.Request) {
	var req experimentStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Status {
	case domain.ExperimentRunning, domain.ExperimentPaused, domain.ExperimentEnded:
	default:
		respondError(w, http.StatusBadRequest, "status must be running, paused, or ended")
		return
	}

	exp, err := a.repo.Experiments.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if exp.Status == domain.ExperimentEnded {
		respondError(w, http.StatusConflict, "experiment has ended")
		return
	}
	exp.Status = req.Status
	exp.UpdatedAt = time.Now().UTC()
	if err := a.repo.Experiments.Update(r.Context(), exp); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (a *API) handleExperimentMetrics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exp, err := a.repo.Experiments.GetByID(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	metrics := make([]domain.VariantMetrics, 0, len(exp.Variants))
	for _, v := range exp.Variants {
		m, err := a.repo.Experiments.VariantMetrics(r.Context(), id, v.ID)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		metrics = append(metrics, *m)
	}
	respondJSON(w, http.StatusOK, metrics)
}
