package http

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// handleJobRun triggers one job synchronously and returns its run record,
// including the failure detail when the job errors.
func (a *API) handleJobRun(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	jr, err := a.jobs.Run(r.Context(), name, "api")
	if err != nil {
		if jr == nil {
			if strings.Contains(err.Error(), "unknown job") {
				respondError(w, http.StatusNotFound, err.Error())
			} else {
				respondStoreError(w, err)
			}
			return
		}
		// The run itself failed; the record carries the error.
		respondJSON(w, http.StatusOK, jr)
		return
	}
	respondJSON(w, http.StatusOK, jr)
}

func (a *API) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := a.repo.JobRuns.List(r.Context(), mux.Vars(r)["name"], a.queryLimit(r, 50))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, runs)
}
