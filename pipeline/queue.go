package pipeline

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parchmint/parchmint/errors"
)

// Queue is the transactional job queue. It owns every job state transition;
// the dispatcher and HTTP layer never touch job rows directly.
//
// Delivery is at-least-once: a claimed job whose worker dies comes back via
// lease reaping, so handlers must be idempotent.
type Queue struct {
	store      *Store
	backoffMax time.Duration
	logger     *zap.SugaredLogger

	// timeNow is injectable for tests
	timeNow func() time.Time

	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewQueue creates a queue over the given database. backoffMax caps retry
// delays regardless of per-job base and attempt count.
func NewQueue(db *sql.DB, backoffMax time.Duration, logger *zap.SugaredLogger) *Queue {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if backoffMax <= 0 {
		backoffMax = 5 * time.Minute
	}
	return &Queue{
		store:      NewStore(db, logger),
		backoffMax: backoffMax,
		logger:     logger,
		timeNow:    func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue adds a job to the queue. When the request carries a singleton key
// and an eligible job with that key already exists, Enqueue returns
// ErrDuplicateSingleton; pipeline callers treat that as a no-op.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	job, err := newJob(req, q.timeNow())
	if err != nil {
		return nil, err
	}

	if err := q.store.insert(ctx, job); err != nil {
		return nil, err
	}

	q.logger.Debugw("Job enqueued",
		"job_id", job.ID,
		"stage", job.Name,
		"document_id", job.DocumentID,
		"priority", job.Priority)

	q.notifySubscribers(job)
	return job, nil
}

// EnqueueAll enqueues a batch, swallowing singleton duplicates. Used when a
// completed stage fans out successor jobs: re-running an idempotent handler
// must not double-enqueue the next stage.
func (q *Queue) EnqueueAll(ctx context.Context, reqs []EnqueueRequest) error {
	for _, req := range reqs {
		if _, err := q.Enqueue(ctx, req); err != nil {
			if errors.Is(err, errors.ErrDuplicateSingleton) {
				q.logger.Debugw("Successor job already enqueued, skipping",
					"stage", req.Name,
					"document_id", req.DocumentID)
				continue
			}
			return err
		}
	}
	return nil
}

// Lease claims up to limit eligible jobs for the named stages and marks them
// active with a lease of the given duration.
//
// Claiming is optimistic: candidates are selected without locks, then each is
// claimed with a compare-and-swap on state. A row another worker claimed
// first is simply skipped, so concurrent workers never block each other and
// never receive the same job.
func (q *Queue) Lease(ctx context.Context, names []string, limit int, leaseDuration time.Duration) ([]*Job, error) {
	if limit <= 0 || len(names) == 0 {
		return nil, nil
	}

	now := q.timeNow()
	expiry := now.Add(leaseDuration)

	ids, err := q.store.candidates(ctx, names, now, limit)
	if err != nil {
		return nil, err
	}

	var leased []*Job
	for _, id := range ids {
		ok, err := q.store.claim(ctx, id, now, expiry)
		if err != nil {
			return leased, err
		}
		if !ok {
			continue // claimed by a concurrent worker
		}
		job, err := q.store.Get(ctx, id)
		if err != nil {
			return leased, err
		}
		leased = append(leased, job)
		q.notifySubscribers(job)
	}
	return leased, nil
}

// Complete marks a job finished. Idempotent: completing a job twice (or
// completing one whose lease was reaped and re-run) is a no-op.
func (q *Queue) Complete(ctx context.Context, id string) error {
	if err := q.store.markCompleted(ctx, id, q.timeNow()); err != nil {
		return err
	}

	job, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	q.logger.Debugw("Job completed", "job_id", id, "stage", job.Name)
	q.notifySubscribers(job)
	return nil
}

// Fail records a failed attempt. Retryable failures with budget left move
// the job to retrying, eligible again after exponential backoff (at least
// minDelay, which callers set from a breaker cooldown when the dependency is
// known unavailable). Non-retryable failures and exhausted budgets are
// terminal. Returns true when the failure was terminal.
func (q *Queue) Fail(ctx context.Context, id string, cause error, retryable bool, minDelay time.Duration) (bool, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return false, err
	}

	now := q.timeNow()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if retryable && job.RetryCount < job.RetryLimit {
		strategy := NewExponentialBackoff(job.RetryDelayBase, q.backoffMax)
		delay := strategy.Delay(job.RetryCount + 1)
		if delay < minDelay {
			delay = minDelay
		}
		notBefore := now.Add(delay)

		if err := q.store.markRetrying(ctx, id, notBefore, now, msg); err != nil {
			return false, err
		}
		q.logger.Warnw("Job failed, will retry",
			"job_id", id,
			"stage", job.Name,
			"attempt", job.RetryCount+1,
			"retry_limit", job.RetryLimit,
			"next_attempt_in", delay,
			"error", msg)

		if updated, err := q.store.Get(ctx, id); err == nil {
			q.notifySubscribers(updated)
		}
		return false, nil
	}

	if err := q.store.markFailed(ctx, id, JobStateFailed, now, msg); err != nil {
		return false, err
	}
	q.logger.Errorw("Job failed permanently",
		"job_id", id,
		"stage", job.Name,
		"retry_count", job.RetryCount,
		"retryable", retryable,
		"error", msg)

	if updated, err := q.store.Get(ctx, id); err == nil {
		q.notifySubscribers(updated)
	}
	return true, nil
}

// ReapExpiredLeases returns crashed workers' jobs to the eligible pool. Each
// lapse consumes one retry; jobs out of budget move to the terminal expired
// state. Returns the job IDs released for re-delivery and the expired jobs
// themselves, so the caller can fail their documents.
func (q *Queue) ReapExpiredLeases(ctx context.Context) (released []string, expired []*Job, err error) {
	now := q.timeNow()

	jobs, err := q.store.expiredLeases(ctx, now)
	if err != nil {
		return nil, nil, err
	}

	for _, job := range jobs {
		if job.RetryCount < job.RetryLimit {
			if err := q.store.release(ctx, job.ID, now); err != nil {
				return released, expired, err
			}
			released = append(released, job.ID)
			q.logger.Warnw("Reaped expired lease, job re-eligible",
				"job_id", job.ID,
				"stage", job.Name,
				"attempt", job.RetryCount+1)
		} else {
			if err := q.store.markFailed(ctx, job.ID, JobStateExpired, now,
				"lease expired with retry budget exhausted"); err != nil {
				return released, expired, err
			}
			q.logger.Errorw("Job expired, retry budget exhausted",
				"job_id", job.ID,
				"stage", job.Name)
		}
		if updated, err := q.store.Get(ctx, job.ID); err == nil {
			if updated.State == JobStateExpired {
				expired = append(expired, updated)
			}
			q.notifySubscribers(updated)
		} else if job.RetryCount >= job.RetryLimit {
			expired = append(expired, job)
		}
	}
	return released, expired, nil
}

// ResetForRetry rewinds a terminally failed or expired job to created with a
// fresh retry budget. Used by the manual retry endpoint.
func (q *Queue) ResetForRetry(ctx context.Context, id string) (*Job, error) {
	if err := q.store.resetForRetry(ctx, id, q.timeNow()); err != nil {
		return nil, err
	}
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	q.logger.Infow("Job reset for retry", "job_id", id, "stage", job.Name)
	q.notifySubscribers(job)
	return job, nil
}

// Get retrieves a job by ID.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

// List returns jobs matching the filter.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	return q.store.List(ctx, filter)
}

// CountByState returns queue depth per job state.
func (q *Queue) CountByState(ctx context.Context) (map[JobState]int, error) {
	return q.store.CountByState(ctx)
}

// Subscribe returns a channel receiving job updates. Slow subscribers drop
// updates rather than stall the queue.
func (q *Queue) Subscribe() <-chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, 64)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (q *Queue) Unsubscribe(ch <-chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

func (q *Queue) notifySubscribers(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
			// subscriber buffer full, drop
		}
	}
}
