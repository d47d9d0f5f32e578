package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/spectraflow/server/internal/cmpstore"
	"github.com/spectraflow/server/internal/controller"
)

type jobSubmitRequest struct {
	Name     string   `json:"name"`
	View     string   `json:"view"`
	Group1   []string `json:"group1"`
	Group2   []string `json:"group2"`
	Gates    []string `json:"gates"`
	Channels []string `json:"channels"`
	Tests    []string `json:"tests"`
}

func jobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req jobSubmitRequest
		if !decodeBody(w, r, &req) {
			return
		}

		// Apply defaults
		if req.View == "" {
			req.View = controller.ViewUnmixed
		}
		if len(req.Tests) == 0 {
			req.Tests = []string{"ttest", "ranksum"}
		}
		for _, t := range req.Tests {
			if t != "ttest" && t != "ranksum" {
				http.Error(w, "unknown test: "+t, http.StatusBadRequest)
				return
			}
		}

		params := cmpstore.JobParams{
			View:     req.View,
			Group1:   req.Group1,
			Group2:   req.Group2,
			Gates:    req.Gates,
			Channels: req.Channels,
			Tests:    req.Tests,
		}
		job, err := jm.Submit(strings.TrimSpace(req.Name), params)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func jobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobs, err := jm.List(r.URL.Query().Get("view"))
		if err != nil {
			writeError(w, err)
			return
		}
		if jobs == nil {
			jobs = []*cmpstore.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
	}
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func jobResultHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != cmpstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		offset := queryInt(r, "offset", 0)
		if offset < 0 {
			offset = 0
		}
		limit := queryInt(r, "limit", 50)
		if limit <= 0 {
			limit = 50
		}
		if limit > 500 {
			limit = 500
		}
		orderBy := r.URL.Query().Get("order_by")
		if orderBy == "" {
			orderBy = "fdr_ranksum"
		}

		items, total, err := jm.Store().QueryResults(jobID, orderBy, offset, limit)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if items == nil {
			items = []*cmpstore.Result{}
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"params":   job.Params,
			"n1":       job.N1,
			"n2":       job.N2,
			"total":    total,
			"offset":   offset,
			"limit":    limit,
			"order_by": orderBy,
			"items":    items,
		})
	}
}

func jobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobID := chi.URLParam(r, "job_id")
		if jm.Get(jobID) == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"cancelled": jm.Cancel(jobID),
		})
	}
}

func jobDeleteHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobID := chi.URLParam(r, "job_id")
		if jm.Get(jobID) == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if err := jm.Delete(jobID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
