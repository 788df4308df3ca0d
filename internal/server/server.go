// Package server exposes the job and catalog API over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"basepack/internal"
	"basepack/internal/assets"
	"basepack/internal/blob"
	"basepack/internal/pipeline"
	"basepack/internal/queue"
	"basepack/internal/report"
	"basepack/internal/storage"
)

const maxPicklistBytes = 32 << 20

// TaskProcessJob is the queue task name the server enqueues for every
// created or resumed job.
const TaskProcessJob = "process_job"

var picklistExtensions = map[string]struct{}{
	".pdf": {}, ".xlsx": {}, ".xls": {}, ".html": {}, ".htm": {},
}

type Server struct {
	log       *slog.Logger
	db        *storage.DB
	store     blob.Store
	pipe      *pipeline.Pipeline
	reindexer *assets.Reindexer
	queue     queue.Queue
}

func New(log *slog.Logger, db *storage.DB, store blob.Store, pipe *pipeline.Pipeline, reindexer *assets.Reindexer, q queue.Queue) *Server {
	return &Server{log: log, db: db, store: store, pipe: pipe, reindexer: reindexer, queue: q}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Delete("/jobs/{jobID}", s.handleDeleteJob)
		r.Get("/jobs/{jobID}/pending", s.handlePendingItems)
		r.Post("/jobs/{jobID}/items/{itemID}/resolve", s.handleResolveItem)
		r.Post("/jobs/{jobID}/items/{itemID}/skip", s.handleSkipItem)
		r.Get("/jobs/{jobID}/report", s.handleJobReport)

		r.Get("/assets", s.handleSearchAssets)
		r.Post("/assets/reindex", s.handleReindex)

		r.Get("/storage/test", s.handleStorageTest)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateJob accepts a multipart picklist upload plus job fields,
// stores the file and enqueues the first pipeline pass.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxPicklistBytes); err != nil {
		http.Error(w, "expected multipart form with a picklist file", http.StatusBadRequest)
		return
	}

	tenantID, err := strconv.ParseInt(r.FormValue("tenant_id"), 10, 64)
	if err != nil {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	machineID, err := strconv.ParseInt(r.FormValue("machine_id"), 10, 64)
	if err != nil {
		http.Error(w, "machine_id is required", http.StatusBadRequest)
		return
	}
	mode := internal.JobMode(r.FormValue("mode"))
	if mode == "" {
		mode = internal.ModeSequence
	}
	var profileID *int64
	if v := r.FormValue("sizing_profile_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid sizing_profile_id", http.StatusBadRequest)
			return
		}
		profileID = &id
	}

	file, header, err := r.FormFile("picklist")
	if err != nil {
		http.Error(w, "picklist file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(path.Ext(header.Filename))
	if _, ok := picklistExtensions[ext]; !ok {
		http.Error(w, fmt.Sprintf("unsupported picklist type %q", ext), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, maxPicklistBytes+1))
	if err != nil || len(data) == 0 || len(data) > maxPicklistBytes {
		http.Error(w, "picklist file unreadable or too large", http.StatusBadRequest)
		return
	}

	key := fmt.Sprintf("picklists/%d/%d%s", tenantID, time.Now().UnixNano(), ext)
	if _, err := s.store.Upload(r.Context(), key, data); err != nil {
		s.log.Error("picklist upload failed", "error", err)
		http.Error(w, "storing picklist failed", http.StatusInternalServerError)
		return
	}

	jobID, err := s.pipe.CreateJob(tenantID, machineID, profileID, mode, key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	taskID, err := s.queue.Enqueue(TaskProcessJob, map[string]any{"job_id": jobID})
	if err != nil {
		s.log.Error("enqueue failed", "job", jobID, "error", err)
		http.Error(w, "job created but could not be queued", http.StatusInternalServerError)
		return
	}

	s.log.Info("job created", "job", jobID, "task", taskID, "picklist", header.Filename)
	writeJSON(w, http.StatusCreated, map[string]any{"job_id": jobID, "task_id": taskID})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := internal.JobStatus(r.URL.Query().Get("status"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	var jobs []internal.Job
	var err error
	if status == "" {
		jobs, err = s.db.ListJobs(limit)
	} else {
		jobs, err = s.db.ListJobsByStatus(status, limit)
	}
	if err != nil {
		s.internalError(w, "list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.db.GetJob(jobID)
	if err != nil {
		s.internalError(w, "get job", err)
		return
	}
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	items, err := s.db.ListJobItems(jobID)
	if err != nil {
		s.internalError(w, "list items", err)
		return
	}
	manifest, err := s.db.LoadJobManifest(jobID)
	if err != nil {
		s.internalError(w, "load manifest", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job":      job,
		"items":    items,
		"manifest": manifest,
	})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.pipe.DeleteJob(jobID); err != nil {
		if errors.Is(err, pipeline.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePendingItems(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	pending, err := s.pipe.PendingItems(jobID)
	if err != nil {
		if errors.Is(err, pipeline.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		s.internalError(w, "pending items", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (s *Server) handleResolveItem(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	itemID, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid item id", http.StatusBadRequest)
		return
	}

	var req struct {
		AssetID int64 `json:"asset_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AssetID == 0 {
		http.Error(w, "asset_id is required", http.StatusBadRequest)
		return
	}

	requeue, err := s.pipe.ResolveItem(jobID, itemID, req.AssetID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.requeueIfReady(w, jobID, requeue)
}

func (s *Server) handleSkipItem(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	itemID, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid item id", http.StatusBadRequest)
		return
	}

	requeue, err := s.pipe.SkipItem(jobID, itemID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.requeueIfReady(w, jobID, requeue)
}

// requeueIfReady puts the job back on the queue once the last pending
// item was handled, so the operator never has to trigger the resume.
func (s *Server) requeueIfReady(w http.ResponseWriter, jobID int64, requeue bool) {
	resp := map[string]any{"requeued": requeue}
	if requeue {
		taskID, err := s.queue.Enqueue(TaskProcessJob, map[string]any{"job_id": jobID})
		if err != nil {
			s.internalError(w, "requeue", err)
			return
		}
		resp["task_id"] = taskID
		s.log.Info("job requeued after resolution", "job", jobID, "task", taskID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobReport(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	data, err := report.JobReport(s.db, jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="job-%d.xlsx"`, jobID))
	_, _ = w.Write(data)
}

// handleSearchAssets filters the tenant catalog by a normalized
// substring of the query. Used by the resolution screen.
func (s *Server) handleSearchAssets(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.ParseInt(r.URL.Query().Get("tenant_id"), 10, 64)
	if err != nil {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	query := normalizeQuery(r.URL.Query().Get("q"))

	all, err := s.db.ListAssets(tenantID)
	if err != nil {
		s.internalError(w, "list assets", err)
		return
	}
	matched := make([]internal.Asset, 0, len(all))
	for _, a := range all {
		if query == "" || strings.Contains(a.SkuNormalized, query) {
			matched = append(matched, a)
		}
		if len(matched) == 100 {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": matched})
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID int64  `json:"tenant_id"`
		Prefix   string `json:"prefix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == 0 {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}

	sum, err := s.reindexer.Reindex(r.Context(), req.TenantID, req.Prefix)
	if err != nil {
		s.internalError(w, "reindex", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleStorageTest(w http.ResponseWriter, r *http.Request) {
	if err := s.store.TestConnection(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", "error", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func normalizeQuery(q string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(q) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
