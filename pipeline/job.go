// Package pipeline provides the durable job queue and dispatch loop that
// drive asynchronous document processing.
//
// The infrastructure is domain-agnostic: stage packages provide handlers and
// payloads, jobs route by stage name, and the queue guarantees at-least-once
// delivery with row-level leasing.
package pipeline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/parchmint/parchmint/errors"
)

// JobState represents the current state of a job
type JobState string

const (
	JobStateCreated   JobState = "created"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateRetrying  JobState = "retrying"
	JobStateExpired   JobState = "expired"
)

// IsValidState returns true if the state string is a valid JobState
func IsValidState(s string) bool {
	switch JobState(s) {
	case JobStateCreated, JobStateActive, JobStateCompleted,
		JobStateFailed, JobStateRetrying, JobStateExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further automatic transition occurs from s.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateExpired
}

// Job represents one unit of deferred pipeline work.
//
// A job transitions created → active → {completed | retrying → active... |
// failed | expired}. Completed, failed, and expired are terminal. Rows are
// never deleted; completed/failed rows are retained for audit.
type Job struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"` // Stage identifier: "parse", "embed", ...
	DocumentID     string          `json:"document_id"`
	Payload        json.RawMessage `json:"payload,omitempty"` // Stage-specific data (domain-owned)
	State          JobState        `json:"state"`
	Priority       int             `json:"priority"` // Higher served first
	RetryCount     int             `json:"retry_count"`
	RetryLimit     int             `json:"retry_limit"`
	RetryDelayBase time.Duration   `json:"retry_delay_base"`
	SingletonKey   string          `json:"singleton_key,omitempty"` // Dedup key: at most one eligible row per key
	NotBefore      time.Time       `json:"not_before"`              // Earliest eligible time (backoff, scheduled retries)
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EnqueueRequest describes a job to be enqueued.
type EnqueueRequest struct {
	Name           string
	DocumentID     string
	Payload        json.RawMessage
	Priority       int
	NotBefore      time.Time // Zero means eligible immediately
	SingletonKey   string
	RetryLimit     int
	RetryDelayBase time.Duration
}

// SingletonFor builds the conventional dedup key for a document+stage pair.
func SingletonFor(documentID, stage string) string {
	return documentID + ":" + stage
}

// newJob materializes an EnqueueRequest into a Job row.
func newJob(req EnqueueRequest, now time.Time) (*Job, error) {
	if req.Name == "" {
		return nil, errors.New("enqueue request missing stage name")
	}
	if req.DocumentID == "" {
		return nil, errors.New("enqueue request missing document id")
	}

	notBefore := req.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}
	retryLimit := req.RetryLimit
	if retryLimit <= 0 {
		retryLimit = 3
	}
	delayBase := req.RetryDelayBase
	if delayBase <= 0 {
		delayBase = time.Second
	}

	return &Job{
		ID:             uuid.NewString(),
		Name:           req.Name,
		DocumentID:     req.DocumentID,
		Payload:        req.Payload,
		State:          JobStateCreated,
		Priority:       req.Priority,
		RetryLimit:     retryLimit,
		RetryDelayBase: delayBase,
		SingletonKey:   req.SingletonKey,
		NotBefore:      notBefore,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v interface{}) error {
	if len(j.Payload) == 0 {
		return errors.Newf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return errors.Wrapf(err, "failed to decode payload for job %s", j.ID)
	}
	return nil
}
