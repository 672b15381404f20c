package server

import (
	"net/http"

	"github.com/parchmint/parchmint/errors"
	"github.com/parchmint/parchmint/pipeline"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	state := q.Get("state")
	if state != "" && !pipeline.IsValidState(state) {
		s.writeError(w, errors.NewValidationError("unknown job state %q", state))
		return
	}

	jobs, err := s.queue.List(r.Context(), pipeline.ListFilter{
		State:      pipeline.JobState(state),
		Name:       q.Get("stage"),
		DocumentID: q.Get("document_id"),
		Limit:      queryInt(r, "limit"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*pipeline.Job{}
	}

	counts, err := s.queue.CountByState(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"counts": counts,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRetryJob rewinds a terminally failed or expired job for another run.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.ResetForRetry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}
