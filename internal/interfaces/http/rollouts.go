package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/persistence"
	"github.com/avaplatform/ava/internal/rollout"
)

func (a *API) handleRolloutList(w http.ResponseWriter, r *http.Request) {
	if status := r.URL.Query().Get("status"); status != "" {
		ros, err := a.repo.Rollouts.ListByStatus(r.Context(), domain.RolloutStatus(status))
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, ros)
		return
	}
	ros, err := a.repo.Rollouts.List(r.Context(), a.queryLimit(r, 100))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ros)
}

func (a *API) handleRolloutCreate(w http.ResponseWriter, r *http.Request) {
	var ro domain.Rollout
	if !decodeJSON(w, r, &ro) {
		return
	}
	if err := a.rollouts.Create(r.Context(), &ro); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, ro)
}

func (a *API) handleRolloutGet(w http.ResponseWriter, r *http.Request) {
	ro, err := a.repo.Rollouts.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ro)
}

func (a *API) handleRolloutStart(w http.ResponseWriter, r *http.Request) {
	a.rolloutCommand(w, r, a.rollouts.Start)
}

func (a *API) handleRolloutPause(w http.ResponseWriter, r *http.Request) {
	a.rolloutCommand(w, r, a.rollouts.Pause)
}

func (a *API) handleRolloutPromote(w http.ResponseWriter, r *http.Request) {
	a.rolloutCommand(w, r, a.rollouts.Promote)
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleRolloutRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual rollback"
	}
	ro, err := a.rollouts.Rollback(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		respondRolloutError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ro)
}

func (a *API) handleRolloutHealth(w http.ResponseWriter, r *http.Request) {
	report, err := a.rollouts.EvaluateHealth(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondRolloutError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (a *API) rolloutCommand(w http.ResponseWriter, r *http.Request, cmd func(ctx context.Context, id string) (*domain.Rollout, error)) {
	ro, err := cmd(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondRolloutError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ro)
}

// respondRolloutError distinguishes bad state machine moves (409) from
// missing rollouts (404) and storage failures (500).
func respondRolloutError(w http.ResponseWriter, err error) {
	if errors.Is(err, persistence.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	if errors.Is(err, rollout.ErrState) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	log.Error().Err(err).Msg("rollout command failed")
	respondError(w, http.StatusInternalServerError, "internal error")
}
