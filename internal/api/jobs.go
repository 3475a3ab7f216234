package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medprep/qbank-admin/internal/auth"
	"github.com/medprep/qbank-admin/internal/jobs"
	"github.com/medprep/qbank-admin/internal/model"
	"github.com/medprep/qbank-admin/internal/sheet"
)

type createJobRequest struct {
	FileName         string           `json:"fileName"`
	SessionID        string           `json:"sessionId,omitempty"`
	Mode             model.ExportMode `json:"mode,omitempty"`
	Rows             []model.Row      `json:"rows,omitempty"`
	BatchConcurrency int              `json:"batchConcurrency,omitempty"`
}

type createJobResponse struct {
	JobID  string       `json:"jobId"`
	Status model.Status `json:"status"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.BatchConcurrency < 0 || req.BatchConcurrency > s.cfg.MaxBatchConcurrency {
		s.writeError(w, r, badRequest("batchConcurrency must be between 1 and %d", s.cfg.MaxBatchConcurrency))
		return
	}

	rows, fileName, err := s.jobRows(r, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	caller, _ := auth.CallerFrom(r.Context())
	job, err := s.jobs.Create(r.Context(), fileName, caller.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.proc.Submit(r.Context(), job.ID, rows, req.BatchConcurrency); err != nil {
		if _, uerr := s.jobs.Update(r.Context(), job.ID, jobs.Patch{
			Phase:   jobs.Ptr(model.PhaseError),
			Message: jobs.Ptr("Enrichment failed: " + err.Error()),
		}); uerr != nil {
			s.log.Warn("mark unsubmitted job failed", zap.String("job_id", job.ID), zap.Error(uerr))
		}
		s.writeError(w, r, err)
		return
	}

	s.log.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("created_by", caller.Name),
		zap.Int("rows", len(rows)),
	)

	status := model.StatusQueued
	if cur, err := s.jobs.Get(r.Context(), job.ID); err == nil {
		status = cur.Status()
	}
	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: job.ID, Status: status})
}

// jobRows resolves the rows a job should enrich.
func (s *Server) jobRows(r *http.Request, req createJobRequest) ([]model.Row, string, error) {
	if req.SessionID != "" {
		if len(req.Rows) > 0 {
			return nil, "", badRequest("give either sessionId or rows, not both")
		}
		if !req.Mode.Valid() {
			return nil, "", badRequest("mode must be %q or %q when sessionId is set", model.ExportGood, model.ExportBad)
		}
		sess, err := s.sessions.GetSession(r.Context(), req.SessionID)
		if err != nil {
			return nil, "", err
		}
		fileName := req.FileName
		if fileName == "" {
			fileName = sess.FileName
		}
		return sess.Rows(req.Mode), fileName, nil
	}

	if req.FileName == "" {
		return nil, "", badRequest("fileName is required")
	}
	rows := normalizeRows(req.Rows)
	for _, row := range rows {
		if !row.Kind.Valid() {
			return nil, "", badRequest("row %d: unknown sheet kind %q", row.Index, row.Kind)
		}
	}
	return rows, req.FileName, nil
}

type listJobsResponse struct {
	Jobs []model.JobSummary `json:"jobs"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f jobs.Filter

	switch scope := q.Get("scope"); scope {
	case "", "all":
	case "mine":
		caller, _ := auth.CallerFrom(r.Context())
		f.CreatedBy = caller.Name
	default:
		s.writeError(w, r, badRequest("scope must be \"mine\" or \"all\""))
		return
	}

	if phase := model.Phase(q.Get("phase")); phase != "" {
		switch phase {
		case model.PhaseQueued, model.PhaseRunning, model.PhaseComplete, model.PhaseError:
			f.Phase = phase
		default:
			s.writeError(w, r, badRequest("unknown phase %q", phase))
			return
		}
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, badRequest("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}

	list := s.jobs.List(r.Context(), f)
	out := listJobsResponse{Jobs: make([]model.JobSummary, len(list))}
	for i, j := range list {
		out.Jobs[i] = j.Summary()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job.Summary())
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	caller, _ := auth.CallerFrom(r.Context())
	s.log.Info("job cancelled", zap.String("job_id", id), zap.String("by", caller.Name))
	writeJSON(w, http.StatusOK, job.Summary())
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Result(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	exp, err := sheet.ExportJobResult(job.Result, job.FileName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeWorkbook(w, exp)
}
