package server

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/parchmint/parchmint/document"
	"github.com/parchmint/parchmint/errors"
	"github.com/parchmint/parchmint/pipeline"
	"github.com/parchmint/parchmint/stages"
	"github.com/parchmint/parchmint/storage"
)

// ingestRequest is the POST /api/documents body, validated against
// ingestSchema before decoding.
type ingestRequest struct {
	ID          string `json:"id,omitempty"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	StorageRef  string `json:"storage_ref"`
}

// handleIngest registers a document and enqueues its parse job. Repeating an
// ingest for a document already in flight is a no-op on the job side.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeValidated(r, ingestSchema, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	doc := &document.Document{
		ID:          req.ID,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		StorageRef:  req.StorageRef,
	}
	created := true
	if err := s.documents.Create(r.Context(), doc); err != nil {
		existing, getErr := s.documents.Get(r.Context(), req.ID)
		if getErr != nil {
			s.writeError(w, err)
			return
		}
		doc = existing
		created = false
	}

	sc := s.stageCfg.Stage(stages.StageParse)
	job, err := s.queue.Enqueue(r.Context(), pipeline.EnqueueRequest{
		Name:           stages.StageParse,
		DocumentID:     doc.ID,
		Priority:       sc.Priority,
		SingletonKey:   pipeline.SingletonFor(doc.ID, stages.StageParse),
		RetryLimit:     sc.RetryLimit,
		RetryDelayBase: sc.RetryDelayBase(),
	})
	if err != nil && !errors.Is(err, errors.ErrDuplicateSingleton) {
		s.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	resp := map[string]interface{}{"document": doc}
	if job != nil {
		resp["job_id"] = job.ID
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	filter := document.ListFilter{
		Status: document.Status(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit"),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		s.writeError(w, errors.NewValidationError("unknown status %q", filter.Status))
		return
	}

	docs, err := s.documents.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

// handleGetDocument returns a document with its transition history, findings,
// and extracted metrics.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	doc, err := s.documents.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	history, err := s.documents.History(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	findings, err := s.findings.ListByDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	metrics, err := s.metrics.ListByDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document": doc,
		"history":  history,
		"findings": orEmptyFindings(findings),
		"metrics":  orEmptyMetrics(metrics),
	})
}

// handleDocumentStatus is the lightweight status poll: current status, last
// error, and the stage history without findings or metrics.
func (s *Server) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	doc, err := s.documents.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	history, err := s.documents.History(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := map[string]interface{}{
		"document_id":   doc.ID,
		"status":        doc.Status,
		"stage_history": history,
	}
	if doc.LastError != "" {
		resp["last_error"] = doc.LastError
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.documents.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRetryDocument resumes a failed document at the stage that failed.
func (s *Server) handleRetryDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	result, err := stages.RetryDocument(r.Context(), s.queue, s.documents, s.stageCfg, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func orEmptyFindings(f []storage.Finding) []storage.Finding {
	if f == nil {
		return []storage.Finding{}
	}
	return f
}

func orEmptyMetrics(m []storage.Metric) []storage.Metric {
	if m == nil {
		return []storage.Metric{}
	}
	return m
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}
