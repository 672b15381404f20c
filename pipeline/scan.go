package pipeline

import (
	"database/sql"
	"time"
)

// jobColumns is the canonical column list for job queries. Keep in sync with
// scanJob.
const jobColumns = `id, name, document_id, payload, state, priority,
	retry_count, retry_limit, retry_delay_base_ms, singleton_key,
	not_before, lease_expires_at, last_error,
	created_at, started_at, completed_at, updated_at`

// rowScanner abstracts *sql.Row and *sql.Rows for scanning
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans a database row into a Job struct.
// Works with both sql.Row and sql.Rows.
func scanJob(scanner rowScanner) (*Job, error) {
	var job Job
	var payload sql.NullString
	var singletonKey sql.NullString
	var retryDelayBaseMS int64
	var lastError sql.NullString
	var leaseExpiresAt, startedAt, completedAt sql.NullTime

	err := scanner.Scan(
		&job.ID,
		&job.Name,
		&job.DocumentID,
		&payload,
		&job.State,
		&job.Priority,
		&job.RetryCount,
		&job.RetryLimit,
		&retryDelayBaseMS,
		&singletonKey,
		&job.NotBefore,
		&leaseExpiresAt,
		&lastError,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" {
		job.Payload = []byte(payload.String)
	}
	job.RetryDelayBase = time.Duration(retryDelayBaseMS) * time.Millisecond
	if singletonKey.Valid {
		job.SingletonKey = singletonKey.String
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		job.LeaseExpiresAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}

	return &job, nil
}

// nullableString converts "" to NULL so the partial unique index on
// singleton_key ignores jobs without a dedup key.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime converts a nil *time.Time to NULL.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
