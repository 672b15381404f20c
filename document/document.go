// Package document tracks documents through the processing pipeline: the
// status state machine, the status store, and change notifications.
package document

import (
	"time"
)

// Status is a document's position in the processing pipeline.
type Status string

const (
	StatusPending   Status = "pending"
	StatusParsing   Status = "parsing"
	StatusParsed    Status = "parsed"
	StatusEmbedding Status = "embedding"
	StatusEmbedded  Status = "embedded"
	StatusAnalyzing Status = "analyzing"
	StatusAnalyzed  Status = "analyzed"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the pipeline takes no further action on a
// document in this status. Failed documents leave the terminal state only
// through an explicit retry.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// IsValid returns true if s is a known status.
func (s Status) IsValid() bool {
	_, ok := statusRank[s]
	return s == StatusFailed || ok
}

// Document is a tracked document. The pipeline owns the status columns;
// filename, content type, storage ref, and classification are written by the
// upload path and read by stage handlers.
type Document struct {
	ID             string    `json:"id"`
	Filename       string    `json:"filename"`
	ContentType    string    `json:"content_type"`
	StorageRef     string    `json:"storage_ref"`
	Classification string    `json:"classification"`
	Status         Status    `json:"status"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StageTransition is one row of a document's status history.
type StageTransition struct {
	DocumentID string    `json:"document_id"`
	Stage      string    `json:"stage,omitempty"`
	OldStatus  Status    `json:"old_status"`
	NewStatus  Status    `json:"new_status"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
