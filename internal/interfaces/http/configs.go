package http

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/avaplatform/ava/internal/domain"
)

func (a *API) handleConfigList(w http.ResponseWriter, r *http.Request) {
	cfgs, err := a.repo.ScoringConfigs.List(r.Context(), r.URL.Query().Get("site_url"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfgs)
}

func (a *API) handleConfigCreate(w http.ResponseWriter, r *http.Request) {
	var cfg domain.ScoringConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if cfg.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	// New configs never arrive active; activation is its own call.
	cfg.IsActive = false
	cfg.CreatedAt = time.Now().UTC()
	cfg.UpdatedAt = cfg.CreatedAt
	if err := a.repo.ScoringConfigs.Create(r.Context(), &cfg); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, cfg)
}

func (a *API) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.repo.ScoringConfigs.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (a *API) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existing, err := a.repo.ScoringConfigs.GetByID(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var cfg domain.ScoringConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg.ID = id
	cfg.IsActive = existing.IsActive
	cfg.CreatedAt = existing.CreatedAt
	cfg.UpdatedAt = time.Now().UTC()
	if err := a.repo.ScoringConfigs.Update(r.Context(), &cfg); err != nil {
		respondStoreError(w, err)
		return
	}
	a.invalidateConfigs(r)
	respondJSON(w, http.StatusOK, cfg)
}

func (a *API) handleConfigDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.repo.ScoringConfigs.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleConfigActivate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.repo.ScoringConfigs.Activate(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	a.invalidateConfigs(r)
	cfg, err := a.repo.ScoringConfigs.GetByID(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (a *API) handleConfigActive(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.repo.ScoringConfigs.GetActiveConfig(r.Context(), r.URL.Query().Get("site_url"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (a *API) invalidateConfigs(r *http.Request) {
	if a.loader != nil {
		a.loader.Invalidate(r.Context())
	}
}
