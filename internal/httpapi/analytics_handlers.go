package httpapi

import (
	"context"
	"net/http"
	"strings"

	"civicpulse.org/internal/analytics"
	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/complaint"
)

const statsCacheKey = "stats"

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.stats.Get(r.Context(), statsCacheKey, func(ctx context.Context) (analytics.Stats, error) {
		return a.analytics.Stats(ctx)
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		category complaint.Category
		status   complaint.Status
		fields   []apperr.FieldError
	)
	if v := strings.TrimSpace(q.Get("category")); v != "" {
		c, ok := complaint.ParseCategory(v)
		if !ok {
			fields = append(fields, apperr.FieldError{Field: "category", Message: "unknown category"})
		}
		category = c
	}
	if v := strings.TrimSpace(q.Get("status")); v != "" {
		s, ok := complaint.ParseStatus(v)
		if !ok {
			fields = append(fields, apperr.FieldError{Field: "status", Message: "unknown status"})
		}
		status = s
	}
	if len(fields) > 0 {
		respondError(w, r, apperr.Validation(fields...))
		return
	}
	hm, err := a.analytics.Heatmap(r.Context(), category, status)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hm)
}

func (a *API) handleRunClusters(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		respondError(w, r, apperr.ErrUnauthenticated)
		return
	}
	var req analytics.ClusterRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, r, err)
			return
		}
	}
	res, err := a.clusters.Run(r.Context(), actor, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleClusters(w http.ResponseWriter, r *http.Request) {
	res, ok := a.clusters.Last()
	if !ok {
		res = analytics.ClusterResult{Clusters: []analytics.Cluster{}}
	}
	writeJSON(w, http.StatusOK, res)
}
