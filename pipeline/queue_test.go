package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parchmint/parchmint/errors"
	ptest "github.com/parchmint/parchmint/internal/testing"
)

func newTestQueue(t *testing.T) (*Queue, *sql.DB) {
	t.Helper()
	conn := ptest.CreateTestDB(t)
	return NewQueue(conn, 10*time.Minute, nil), conn
}

func TestEnqueueAndGet(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{"storage_ref": "blobs/ledger.pdf"})
	job, err := q.Enqueue(ctx, EnqueueRequest{
		Name:         "parse",
		DocumentID:   "doc-1",
		Payload:      payload,
		Priority:     10,
		SingletonKey: SingletonFor("doc-1", "parse"),
		RetryLimit:   5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, JobStateCreated, job.State)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "parse", got.Name)
	assert.Equal(t, "doc-1", got.DocumentID)
	assert.Equal(t, 10, got.Priority)
	assert.Equal(t, 5, got.RetryLimit)
	assert.JSONEq(t, string(payload), string(got.Payload))
}

func TestGetMissingJob(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Get(context.Background(), "no-such-job")
	assert.True(t, errors.Is(err, errors.ErrJobNotFound))
}

func TestSingletonDeduplication(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	req := EnqueueRequest{
		Name:         "embed",
		DocumentID:   "doc-2",
		SingletonKey: SingletonFor("doc-2", "embed"),
	}

	first, err := q.Enqueue(ctx, req)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, req)
	assert.True(t, errors.Is(err, errors.ErrDuplicateSingleton))

	// Once the existing job reaches a terminal state, the key is free again.
	leased, err := q.Lease(ctx, []string{"embed"}, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.NoError(t, q.Complete(ctx, first.ID))

	_, err = q.Enqueue(ctx, req)
	assert.NoError(t, err)
}

func TestEnqueueAllSwallowsDuplicates(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	reqs := []EnqueueRequest{
		{Name: "analyze", DocumentID: "doc-3", SingletonKey: SingletonFor("doc-3", "analyze")},
		{Name: "analyze", DocumentID: "doc-3", SingletonKey: SingletonFor("doc-3", "analyze")},
		{Name: "embed", DocumentID: "doc-3", SingletonKey: SingletonFor("doc-3", "embed")},
	}
	require.NoError(t, q.EnqueueAll(ctx, reqs))

	jobs, err := q.List(ctx, ListFilter{DocumentID: "doc-3"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestLeaseOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	low, err := q.Enqueue(ctx, EnqueueRequest{Name: "parse", DocumentID: "doc-low", Priority: 1})
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, EnqueueRequest{Name: "parse", DocumentID: "doc-high", Priority: 9})
	require.NoError(t, err)

	leased, err := q.Lease(ctx, []string{"parse"}, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 2)
	assert.Equal(t, high.ID, leased[0].ID)
	assert.Equal(t, low.ID, leased[1].ID)

	for _, job := range leased {
		assert.Equal(t, JobStateActive, job.State)
		require.NotNil(t, job.LeaseExpiresAt)
		assert.NotNil(t, job.StartedAt)
	}
}

func TestLeaseRespectsNotBefore(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueRequest{
		Name:       "parse",
		DocumentID: "doc-4",
		NotBefore:  time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	leased, err := q.Lease(ctx, []string{"parse"}, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

func TestLeaseSkipsOtherStages(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueRequest{Name: "embed", DocumentID: "doc-5"})
	require.NoError(t, err)

	leased, err := q.Lease(ctx, []string{"parse"}, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

// Concurrent workers leasing from the same pool must never receive the same
// job, and every job must be delivered to someone.
func TestConcurrentLeaseNoDoubleDelivery(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	const jobCount = 40
	for i := 0; i < jobCount; i++ {
		_, err := q.Enqueue(ctx, EnqueueRequest{
			Name:       "parse",
			DocumentID: "doc-" + string(rune('a'+i%26)) + "-" + time.Now().Format("150405.000000000"),
			Priority:   i % 5,
		})
		require.NoError(t, err)
	}

	const workers = 8
	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				leased, err := q.Lease(ctx, []string{"parse"}, 3, time.Minute)
				require.NoError(t, err)
				if len(leased) == 0 {
					return
				}
				mu.Lock()
				for _, job := range leased {
					seen[job.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobCount, "every job delivered")
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s delivered once", id)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueRequest{Name: "parse", DocumentID: "doc-6"})
	require.NoError(t, err)
	_, err = q.Lease(ctx, []string{"parse"}, 1, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, job.ID))
	first, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, first.CompletedAt)

	require.NoError(t, q.Complete(ctx, job.ID))
	second, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateCompleted, second.State)
	assert.Equal(t, first.CompletedAt.Unix(), second.CompletedAt.Unix())
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueRequest{
		Name:           "embed",
		DocumentID:     "doc-7",
		RetryLimit:     3,
		RetryDelayBase: 2 * time.Second,
	})
	require.NoError(t, err)
	_, err = q.Lease(ctx, []string{"embed"}, 1, time.Minute)
	require.NoError(t, err)

	before := time.Now().UTC()
	terminal, err := q.Fail(ctx, job.ID, errors.New("embedding service timeout"), true, 0)
	require.NoError(t, err)
	assert.False(t, terminal)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateRetrying, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "timeout")
	assert.Nil(t, got.LeaseExpiresAt)
	// Base 2s with ±20% jitter: eligibility lands at least 1.6s out
	assert.True(t, got.NotBefore.After(before.Add(1500*time.Millisecond)),
		"not_before %v should be pushed out from %v", got.NotBefore, before)

	// Not eligible until the backoff elapses
	leased, err := q.Lease(ctx, []string{"embed"}, 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

func TestFailRespectsMinDelay(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueRequest{
		Name:           "analyze",
		DocumentID:     "doc-8",
		RetryDelayBase: time.Millisecond,
	})
	require.NoError(t, err)
	_, err = q.Lease(ctx, []string{"analyze"}, 1, time.Minute)
	require.NoError(t, err)

	before := time.Now().UTC()
	_, err = q.Fail(ctx, job.ID, errors.ErrCircuitOpen, true, 30*time.Second)
	require.NoError(t, err)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.NotBefore.After(before.Add(29*time.Second)),
		"circuit cooldown floor should push eligibility out")
}

func TestFailExhaustedBudgetIsTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueRequest{
		Name:           "parse",
		DocumentID:     "doc-9",
		RetryLimit:     2,
		RetryDelayBase: time.Millisecond,
	})
	require.NoError(t, err)

	for attempt := 0; attempt < 2; attempt++ {
		var leased []*Job
		require.Eventually(t, func() bool {
			var err error
			leased, err = q.Lease(ctx, []string{"parse"}, 1, time.Minute)
			require.NoError(t, err)
			return len(leased) == 1
		}, 2*time.Second, 5*time.Millisecond)

		terminal, err := q.Fail(ctx, leased[0].ID, errors.New("parser crash"), true, 0)
		require.NoError(t, err)
		assert.False(t, terminal, "attempt %d within budget", attempt)
	}

	var leased []*Job
	require.Eventually(t, func() bool {
		var err error
		leased, err = q.Lease(ctx, []string{"parse"}, 1, time.Minute)
		require.NoError(t, err)
		return len(leased) == 1
	}, 2*time.Second, 5*time.Millisecond)

	terminal, err := q.Fail(ctx, leased[0].ID, errors.New("parser crash"), true, 0)
	require.NoError(t, err)
	assert.True(t, terminal)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, got.State)
}

func TestFailNonRetryableIsImmediatelyTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueRequest{Name: "parse", DocumentID: "doc-10", RetryLimit: 5})
	require.NoError(t, err)
	_, err = q.Lease(ctx, []string{"parse"}, 1, time.Minute)
	require.NoError(t, err)

	terminal, err := q.Fail(ctx, job.ID, errors.NewValidationError("encrypted document"), false, 0)
	require.NoError(t, err)
	assert.True(t, terminal)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, got.State)
	assert.Equal(t, 0, got.RetryCount)
}

func TestReapExpiredLeases(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	withBudget, err := q.Enqueue(ctx, EnqueueRequest{Name: "parse", DocumentID: "doc-11", RetryLimit: 3})
	require.NoError(t, err)

	leased, err := q.Lease(ctx, []string{"parse"}, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	// Advance the queue clock past the lease expiry
	q.timeNow = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	released, expired, err := q.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{withBudget.ID}, released)
	assert.Empty(t, expired)

	got, err := q.Get(ctx, withBudget.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateCreated, got.State)
	assert.Equal(t, 1, got.RetryCount, "lease lapse consumes a retry")
	assert.Nil(t, got.LeaseExpiresAt)
}

func TestReapExpiresJobOutOfBudget(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueRequest{Name: "parse", DocumentID: "doc-12", RetryLimit: 1})
	require.NoError(t, err)

	// Burn the single retry via a lease lapse, then lapse again.
	var expired []*Job
	for i := 0; i < 2; i++ {
		q.timeNow = func() time.Time { return time.Now().UTC() }
		leased, err := q.Lease(ctx, []string{"parse"}, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, leased, 1)
		q.timeNow = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
		_, expired, err = q.ReapExpiredLeases(ctx)
		require.NoError(t, err)
	}

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateExpired, got.State)

	// The expired job surfaces to the caller so its document can be failed.
	require.Len(t, expired, 1)
	assert.Equal(t, job.ID, expired[0].ID)
	assert.Equal(t, JobStateExpired, expired[0].State)
}

func TestCompleteLeavesTerminalJobAlone(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueRequest{Name: "parse", DocumentID: "doc-12b"})
	require.NoError(t, err)
	_, err = q.Lease(ctx, []string{"parse"}, 1, time.Minute)
	require.NoError(t, err)

	terminal, err := q.Fail(ctx, job.ID, errors.New("encrypted"), false, 0)
	require.NoError(t, err)
	require.True(t, terminal)

	// A late Complete from a worker that lost the race must not resurrect
	// the job out of its terminal state.
	require.NoError(t, q.Complete(ctx, job.ID))
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, got.State)
}

func TestClaimRespectsBackoffWindow(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueRequest{
		Name:           "embed",
		DocumentID:     "doc-12c",
		RetryLimit:     3,
		RetryDelayBase: time.Hour,
	})
	require.NoError(t, err)
	_, err = q.Lease(ctx, []string{"embed"}, 1, time.Minute)
	require.NoError(t, err)
	_, err = q.Fail(ctx, job.ID, errors.New("503"), true, 0)
	require.NoError(t, err)

	// The row is retrying but its backoff window is still open: a claim
	// racing a concurrent failure must see the not_before pushed out and
	// refuse the row.
	now := time.Now().UTC()
	ok, err := q.store.claim(ctx, job.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	later := now.Add(3 * time.Hour)
	ok, err = q.store.claim(ctx, job.ID, later, later.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResetForRetry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueRequest{Name: "parse", DocumentID: "doc-13", RetryLimit: 1})
	require.NoError(t, err)
	_, err = q.Lease(ctx, []string{"parse"}, 1, time.Minute)
	require.NoError(t, err)
	terminal, err := q.Fail(ctx, job.ID, errors.New("boom"), false, 0)
	require.NoError(t, err)
	require.True(t, terminal)

	reset, err := q.ResetForRetry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateCreated, reset.State)
	assert.Equal(t, 0, reset.RetryCount)
	assert.Empty(t, reset.LastError)
	assert.Nil(t, reset.CompletedAt)

	leased, err := q.Lease(ctx, []string{"parse"}, 1, time.Minute)
	require.NoError(t, err)
	assert.Len(t, leased, 1)
}

func TestResetForRetryRejectsNonTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueRequest{Name: "parse", DocumentID: "doc-14"})
	require.NoError(t, err)

	_, err = q.ResetForRetry(ctx, job.ID)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	_, err = q.ResetForRetry(ctx, "no-such-job")
	assert.True(t, errors.Is(err, errors.ErrJobNotFound))
}

func TestCountByState(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, EnqueueRequest{Name: "parse", DocumentID: "doc-count"})
		require.NoError(t, err)
	}
	leased, err := q.Lease(ctx, []string{"parse"}, 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, leased[0].ID))

	counts, err := q.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[JobStateCreated])
	assert.Equal(t, 1, counts[JobStateCompleted])
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	job, err := q.Enqueue(ctx, EnqueueRequest{Name: "parse", DocumentID: "doc-15"})
	require.NoError(t, err)

	select {
	case update := <-ch:
		assert.Equal(t, job.ID, update.ID)
		assert.Equal(t, JobStateCreated, update.State)
	case <-time.After(time.Second):
		t.Fatal("expected job update on subscription channel")
	}
}
