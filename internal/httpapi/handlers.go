package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/contentpipe/internal/apperr"
	"github.com/MimeLyc/contentpipe/internal/jobs"
	"github.com/MimeLyc/contentpipe/internal/progress"
	"github.com/MimeLyc/contentpipe/pkg/log"
)

type jobResponse struct {
	Job      *jobs.Job         `json:"job"`
	Progress progress.Progress `json:"progress"`
}

type generateRequest struct {
	OwnerID string `json:"owner_id"`
	MapID   string `json:"map_id"`
}

type generateResponse struct {
	Created  bool              `json:"created"`
	Job      *jobs.Job         `json:"job"`
	Progress progress.Progress `json:"progress"`
}

func (s *Server) toResponse(job *jobs.Job) jobResponse {
	return jobResponse{Job: job, Progress: s.svc.Progress(job)}
}

// parseRoute splits "/api/<prefix>/{id}/rest..." into the unescaped id and
// the remaining path.
func parseRoute(urlPath, prefix string) (id string, action string, ok bool) {
	rest := strings.Trim(strings.TrimPrefix(urlPath, prefix), "/")
	if rest == "" {
		return "", "", false
	}
	id, action, _ = strings.Cut(rest, "/")
	if decoded, err := url.PathUnescape(id); err == nil {
		id = decoded
	}
	return id, action, id != ""
}

func (s *Server) handleBriefRoutes(w http.ResponseWriter, r *http.Request) {
	briefID, action, ok := parseRoute(r.URL.Path, "/api/briefs/")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch action {
	case "generate":
		s.handleGenerate(w, r, briefID)
	case "jobs/active":
		s.handleBriefJob(w, r, briefID, true)
	case "jobs/latest":
		s.handleBriefJob(w, r, briefID, false)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, briefID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job, created, err := s.svc.Generate(r.Context(), briefID, jobs.Owner{OwnerID: req.OwnerID, MapID: req.MapID})
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, generateResponse{Created: created, Job: job, Progress: s.svc.Progress(job)})
}

// handleBriefJob answers with {"job": null} when the brief has no matching
// job.
func (s *Server) handleBriefJob(w http.ResponseWriter, r *http.Request, briefID string, active bool) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var (
		job *jobs.Job
		err error
	)
	if active {
		job, err = s.svc.GetActiveJob(r.Context(), briefID)
	} else {
		job, err = s.svc.GetLatestJob(r.Context(), briefID)
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]any{"job": nil})
		return
	}
	writeJSON(w, http.StatusOK, s.toResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	filter := jobs.JobFilter{BriefID: q.Get("brief")}
	for _, raw := range q["status"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				filter.Statuses = append(filter.Statuses, jobs.Status(st))
			}
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	list, err := s.svc.ListJobs(r.Context(), filter)
	if err != nil {
		writeAppError(w, err)
		return
	}
	out := make([]jobResponse, 0, len(list))
	for _, job := range list {
		out = append(out, s.toResponse(job))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	jobID, action, ok := parseRoute(r.URL.Path, "/api/jobs/")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch action {
	case "":
		s.handleJob(w, r, jobID)
	case "sections":
		s.handleSections(w, r, jobID)
	case "draft":
		s.handleDraft(w, r, jobID)
	case "pause", "resume", "cancel":
		s.handleJobAction(w, r, jobID, action)
	case "stream":
		s.handleJobStream(w, r, jobID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request, jobID string) {
	switch r.Method {
	case http.MethodGet:
		job, err := s.svc.GetJob(r.Context(), jobID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.toResponse(job))
	case http.MethodDelete:
		if err := s.svc.DeleteJob(r.Context(), jobID); err != nil {
			writeAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSections(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sections, err := s.svc.GetSections(r.Context(), jobID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if sections == nil {
		sections = []*jobs.Section{}
	}
	writeJSON(w, http.StatusOK, sections)
}

// handleDraft returns the job's best current document as Markdown, or as
// JSON when the client asks for it.
func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	draft, err := s.svc.Draft(r.Context(), jobID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "content": draft})
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, draft)
}

func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request, jobID, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var (
		job *jobs.Job
		err error
	)
	switch action {
	case "pause":
		job, err = s.svc.PauseJob(r.Context(), jobID)
	case "resume":
		job, err = s.svc.Resume(r.Context(), jobID)
	case "cancel":
		job, err = s.svc.CancelJob(r.Context(), jobID)
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toResponse(job))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := map[string]any{"status": "ok"}
	if s.sweeper != nil {
		info, err := s.sweeper.Status(time.Now())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if info != nil {
			resp["sweeper"] = info
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps service errors onto status codes. A create conflict
// carries the existing job.
func writeAppError(w http.ResponseWriter, err error) {
	var conflict *jobs.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "job": conflict.Existing})
		return
	}

	switch apperr.TypeOf(err) {
	case apperr.ErrNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case apperr.ErrValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case apperr.ErrConflict:
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
