package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/avaplatform/ava/internal/domain"
)

func (a *API) handleDriftSnapshots(w http.ResponseWriter, r *http.Request) {
	window := domain.DriftWindow(r.URL.Query().Get("window"))
	if window == "" {
		window = domain.Window24h
	}
	switch window {
	case domain.Window1h, domain.Window24h, domain.Window7d:
	default:
		respondError(w, http.StatusBadRequest, "window must be 1h, 24h, or 7d")
		return
	}
	snaps, err := a.repo.DriftSnapshots.List(r.Context(), window, r.URL.Query().Get("site_url"), a.queryLimit(r, 100))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snaps)
}

// handleDriftCheck runs the alert rules on demand and returns the alerts the
// run raised (already-open alerts are not re-raised).
func (a *API) handleDriftCheck(w http.ResponseWriter, r *http.Request) {
	raised, err := a.drift.RunDriftCheck(r.Context(), r.URL.Query().Get("site_url"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"raised": raised,
		"count":  len(raised),
	})
}

func (a *API) handleAlertList(w http.ResponseWriter, r *http.Request) {
	var acknowledged *bool
	if v := r.URL.Query().Get("acknowledged"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "acknowledged must be a boolean")
			return
		}
		acknowledged = &b
	}
	alerts, err := a.repo.DriftAlerts.List(r.Context(), acknowledged, a.queryLimit(r, 100))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, alerts)
}

func (a *API) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	if err := a.repo.DriftAlerts.Acknowledge(r.Context(), mux.Vars(r)["id"], time.Now().UTC()); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
