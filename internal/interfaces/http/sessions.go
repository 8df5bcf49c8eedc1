package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

func (a *API) handleSessionList(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		since = t
	}
	sessions, err := a.repo.Sessions.ListSince(r.Context(), since, a.queryLimit(r, 100))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

// handleSessionGet returns the session with its recent evaluations and
// interventions, the dashboard's drill-down view.
func (a *API) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s, err := a.repo.Sessions.GetByID(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	evals, err := a.repo.Evaluations.ListBySession(r.Context(), id, 50)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	ivs, err := a.repo.Interventions.ListBySession(r.Context(), id, 50)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session":       s,
		"evaluations":   evals,
		"interventions": ivs,
	})
}
