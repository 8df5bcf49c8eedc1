package http

import (
	"net/http"

	"github.com/avaplatform/ava/internal/persistence"
)

// The analytics reads all share the same shape: site_url plus a time range.
func (a *API) analyticsQuery(w http.ResponseWriter, r *http.Request) (string, persistence.TimeRange, bool) {
	site := r.URL.Query().Get("site_url")
	if site == "" {
		respondError(w, http.StatusBadRequest, "site_url is required")
		return "", persistence.TimeRange{}, false
	}
	tr, err := queryTimeRange(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return "", persistence.TimeRange{}, false
	}
	return site, tr, true
}

func (a *API) handleFunnel(w http.ResponseWriter, r *http.Request) {
	site, tr, ok := a.analyticsQuery(w, r)
	if !ok {
		return
	}
	counts, err := a.repo.Events.FunnelStepCounts(r.Context(), site, tr)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, counts)
}

func (a *API) handlePageFlow(w http.ResponseWriter, r *http.Request) {
	site, tr, ok := a.analyticsQuery(w, r)
	if !ok {
		return
	}
	flow, err := a.repo.Events.PageFlow(r.Context(), site, tr)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, flow)
}

func (a *API) handleTimeOnPage(w http.ResponseWriter, r *http.Request) {
	site, tr, ok := a.analyticsQuery(w, r)
	if !ok {
		return
	}
	avg, err := a.repo.Events.AvgTimeOnPage(r.Context(), site, tr)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, avg)
}

func (a *API) handleClickPoints(w http.ResponseWriter, r *http.Request) {
	site, tr, ok := a.analyticsQuery(w, r)
	if !ok {
		return
	}
	points, err := a.repo.Events.ClickPoints(r.Context(), site, tr)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, points)
}

func (a *API) handleScrollDepth(w http.ResponseWriter, r *http.Request) {
	site, tr, ok := a.analyticsQuery(w, r)
	if !ok {
		return
	}
	avg, err := a.repo.Events.AvgScrollDepth(r.Context(), site, tr)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, avg)
}
