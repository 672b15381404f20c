package pipeline

import (
	"context"
	"database/sql"
	"strings"

	"go.uber.org/zap"

	"github.com/parchmint/parchmint/errors"
)

// Store handles SQL persistence for jobs. All state transitions go through
// the Queue; the Store only knows rows.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a job store backed by the given database.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{db: db, logger: logger}
}

// insert persists a new job row. A unique-constraint violation on the
// singleton index maps to ErrDuplicateSingleton.
func (s *Store) insert(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (
			id, name, document_id, payload, state, priority,
			retry_count, retry_limit, retry_delay_base_ms, singleton_key,
			not_before, lease_expires_at, last_error,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var payload interface{}
	if len(job.Payload) > 0 {
		payload = string(job.Payload)
	}

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Name,
		job.DocumentID,
		payload,
		string(job.State),
		job.Priority,
		job.RetryCount,
		job.RetryLimit,
		job.RetryDelayBase.Milliseconds(),
		nullableString(job.SingletonKey),
		job.NotBefore,
		nullableTime(job.LeaseExpiresAt),
		job.LastError,
		job.CreatedAt,
		nullableTime(job.StartedAt),
		nullableTime(job.CompletedAt),
		job.UpdatedAt,
	)
	if err != nil {
		if isSingletonConflict(err) {
			return errors.Mark(
				errors.Newf("job with singleton key %q already pending", job.SingletonKey),
				errors.ErrDuplicateSingleton,
			)
		}
		return errors.Wrapf(err, "failed to insert job %s", job.ID)
	}
	return nil
}

// isSingletonConflict detects a violation of the partial unique index on
// jobs.singleton_key.
func isSingletonConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "jobs.singleton_key")
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.Mark(errors.Newf("job %s not found", id), errors.ErrJobNotFound)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	State      JobState
	Name       string
	DocumentID string
	Limit      int
}

// List returns jobs matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var conds []string
	var args []interface{}

	if filter.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Name != "" {
		conds = append(conds, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.DocumentID != "" {
		conds = append(conds, "document_id = ?")
		args = append(args, filter.DocumentID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job row")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByState returns the number of jobs in each state.
func (s *Store) CountByState(ctx context.Context) (map[JobState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by state")
	}
	defer rows.Close()

	counts := make(map[JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan state count")
		}
		counts[JobState(state)] = n
	}
	return counts, rows.Err()
}

// candidates returns IDs of jobs eligible for leasing, best first. Eligible
// means created or retrying with not_before in the past. Ordering is
// priority descending, then oldest eligibility time.
func (s *Store) candidates(ctx context.Context, names []string, now interface{}, limit int) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?, ", len(names))
	placeholders = placeholders[:len(placeholders)-2]

	query := `
		SELECT id FROM jobs
		WHERE name IN (` + placeholders + `)
		  AND state IN ('created', 'retrying')
		  AND not_before <= ?
		ORDER BY priority DESC, not_before ASC, created_at ASC
		LIMIT ?`

	args := make([]interface{}, 0, len(names)+2)
	for _, n := range names {
		args = append(args, n)
	}
	args = append(args, now, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query lease candidates")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan candidate id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// claim attempts to move one candidate to active. The predicates make the
// update a compare-and-swap: a concurrent worker that claimed the row first,
// or a failure that pushed not_before into the future between the candidate
// select and this write, leaves zero rows affected, and the loser skips it.
func (s *Store) claim(ctx context.Context, id string, now, leaseExpiry interface{}) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'active',
		    lease_expires_at = ?,
		    started_at = COALESCE(started_at, ?),
		    updated_at = ?
		WHERE id = ? AND state IN ('created', 'retrying') AND not_before <= ?`,
		leaseExpiry, now, now, id, now)
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "failed to read rows affected claiming job %s", id)
	}
	return n == 1, nil
}

// markCompleted finalizes a job. Only an active job can complete: a repeat
// Complete affects zero rows and is not an error, and a job already reaped
// into a terminal state stays there.
func (s *Store) markCompleted(ctx context.Context, id string, now interface{}) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'completed',
		    lease_expires_at = NULL,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ? AND state = 'active'`,
		now, now, id)
	if err != nil {
		return errors.Wrapf(err, "failed to complete job %s", id)
	}
	return nil
}

// markRetrying schedules another attempt after the given eligibility time.
func (s *Store) markRetrying(ctx context.Context, id string, notBefore, now interface{}, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'retrying',
		    retry_count = retry_count + 1,
		    lease_expires_at = NULL,
		    not_before = ?,
		    last_error = ?,
		    updated_at = ?
		WHERE id = ?`,
		notBefore, lastError, now, id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %s retrying", id)
	}
	return nil
}

// markFailed moves a job to a terminal failure state ("failed" or "expired").
func (s *Store) markFailed(ctx context.Context, id string, state JobState, now interface{}, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?,
		    lease_expires_at = NULL,
		    completed_at = ?,
		    last_error = ?,
		    updated_at = ?
		WHERE id = ?`,
		string(state), now, lastError, now, id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %s %s", id, state)
	}
	return nil
}

// expiredLeases returns active jobs whose lease has lapsed.
func (s *Store) expiredLeases(ctx context.Context, now interface{}) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE state = 'active' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query expired leases")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan expired job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// release returns an expired-lease job to the eligible pool. The lease
// expiry counts against the retry budget so a crash-looping handler cannot
// cycle forever.
func (s *Store) release(ctx context.Context, id string, now interface{}) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'created',
		    retry_count = retry_count + 1,
		    lease_expires_at = NULL,
		    updated_at = ?
		WHERE id = ? AND state = 'active'`,
		now, id)
	if err != nil {
		return errors.Wrapf(err, "failed to release job %s", id)
	}
	return nil
}

// resetForRetry rewinds a terminal job for a fresh run: retry budget
// restored, eligibility immediate. Returns ErrJobNotFound when the row does
// not exist and an invalid-transition error when the job is not terminal.
func (s *Store) resetForRetry(ctx context.Context, id string, now interface{}) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'created',
		    retry_count = 0,
		    lease_expires_at = NULL,
		    not_before = ?,
		    last_error = '',
		    completed_at = NULL,
		    updated_at = ?
		WHERE id = ? AND state IN ('failed', 'expired')`,
		now, now, id)
	if err != nil {
		return errors.Wrapf(err, "failed to reset job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to read rows affected resetting job %s", id)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return errors.Mark(
			errors.Newf("job %s is not in a terminal failure state", id),
			errors.ErrInvalidTransition,
		)
	}
	return nil
}
