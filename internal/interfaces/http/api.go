// Package http is the admin and analytics REST surface. Everything under
// /api/v1 speaks JSON; /metrics and /healthz sit outside the version prefix.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/avaplatform/ava/internal/drift"
	"github.com/avaplatform/ava/internal/jobs"
	"github.com/avaplatform/ava/internal/persistence"
	"github.com/avaplatform/ava/internal/rollout"
)

const maxBodyBytes = 1 << 20

// API bundles the handler dependencies. Any nil optional dependency disables
// its routes' side effects, not the routes themselves.
type API struct {
	repo        *persistence.Repository
	loader      rollout.Invalidator
	rollouts    *rollout.Controller
	drift       *drift.Detector
	jobs        *jobs.Runner
	maxPageSize int
}

// NewAPI creates the REST API. loader and jobs may be nil in tests.
func NewAPI(repo *persistence.Repository, loader rollout.Invalidator, rollouts *rollout.Controller, detector *drift.Detector, runner *jobs.Runner) *API {
	return &API{
		repo:        repo,
		loader:      loader,
		rollouts:    rollouts,
		drift:       detector,
		jobs:        runner,
		maxPageSize: 500,
	}
}

// Router builds the full route table.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/configs", a.handleConfigList).Methods(http.MethodGet)
	v1.HandleFunc("/configs", a.handleConfigCreate).Methods(http.MethodPost)
	v1.HandleFunc("/configs/active", a.handleConfigActive).Methods(http.MethodGet)
	v1.HandleFunc("/configs/{id}", a.handleConfigGet).Methods(http.MethodGet)
	v1.HandleFunc("/configs/{id}", a.handleConfigUpdate).Methods(http.MethodPut)
	v1.HandleFunc("/configs/{id}", a.handleConfigDelete).Methods(http.MethodDelete)
	v1.HandleFunc("/configs/{id}/activate", a.handleConfigActivate).Methods(http.MethodPost)

	v1.HandleFunc("/experiments", a.handleExperimentList).Methods(http.MethodGet)
	v1.HandleFunc("/experiments", a.handleExperimentCreate).Methods(http.MethodPost)
	v1.HandleFunc("/experiments/{id}", a.handleExperimentGet).Methods(http.MethodGet)
	v1.HandleFunc("/experiments/{id}/status", a.handleExperimentStatus).Methods(http.MethodPost)
	v1.HandleFunc("/experiments/{id}/metrics", a.handleExperimentMetrics).Methods(http.MethodGet)

	v1.HandleFunc("/rollouts", a.handleRolloutList).Methods(http.MethodGet)
	v1.HandleFunc("/rollouts", a.handleRolloutCreate).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts/{id}", a.handleRolloutGet).Methods(http.MethodGet)
	v1.HandleFunc("/rollouts/{id}/start", a.handleRolloutStart).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts/{id}/pause", a.handleRolloutPause).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts/{id}/promote", a.handleRolloutPromote).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts/{id}/rollback", a.handleRolloutRollback).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts/{id}/health", a.handleRolloutHealth).Methods(http.MethodGet)

	v1.HandleFunc("/drift/snapshots", a.handleDriftSnapshots).Methods(http.MethodGet)
	v1.HandleFunc("/drift/check", a.handleDriftCheck).Methods(http.MethodPost)
	v1.HandleFunc("/alerts", a.handleAlertList).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}/ack", a.handleAlertAck).Methods(http.MethodPost)

	v1.HandleFunc("/jobs/{name}/run", a.handleJobRun).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{name}/runs", a.handleJobRuns).Methods(http.MethodGet)

	v1.HandleFunc("/training/datapoints", a.handleDatapointList).Methods(http.MethodGet)
	v1.HandleFunc("/training/datapoints/{intervention_id}", a.handleDatapointGet).Methods(http.MethodGet)
	v1.HandleFunc("/training/stats", a.handleTrainingStats).Methods(http.MethodGet)
	v1.HandleFunc("/training/export", a.handleTrainingExport).Methods(http.MethodGet)

	v1.HandleFunc("/sessions", a.handleSessionList).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", a.handleSessionGet).Methods(http.MethodGet)

	v1.HandleFunc("/analytics/funnel", a.handleFunnel).Methods(http.MethodGet)
	v1.HandleFunc("/analytics/page-flow", a.handlePageFlow).Methods(http.MethodGet)
	v1.HandleFunc("/analytics/time-on-page", a.handleTimeOnPage).Methods(http.MethodGet)
	v1.HandleFunc("/analytics/scroll-depth", a.handleScrollDepth).Methods(http.MethodGet)
	v1.HandleFunc("/analytics/click-points", a.handleClickPoints).Methods(http.MethodGet)

	return r
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorBody{Error: msg})
}

// respondStoreError maps repository sentinels onto status codes.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, persistence.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("storage error")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	return true
}

// queryTimeRange reads from/to RFC 3339 query params, defaulting to the last
// 24 hours when absent.
func queryTimeRange(r *http.Request) (persistence.TimeRange, error) {
	now := time.Now().UTC()
	tr := persistence.TimeRange{From: now.Add(-24 * time.Hour), To: now}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return tr, errors.New("invalid from timestamp")
		}
		tr.From = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return tr, errors.New("invalid to timestamp")
		}
		tr.To = t
	}
	return tr, nil
}

func (a *API) queryLimit(r *http.Request, dflt int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return dflt
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return dflt
	}
	if n > a.maxPageSize {
		return a.maxPageSize
	}
	return n
}
