package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parchmint/parchmint/config"
	"github.com/parchmint/parchmint/errors"
)

// StatusTracker receives document lifecycle callbacks from the dispatcher.
// The document package implements it; pipeline stays agnostic of document
// statuses.
type StatusTracker interface {
	// StageStarted is invoked when a job is leased for processing.
	StageStarted(ctx context.Context, documentID, stage string) error

	// StageSucceeded is invoked after a handler succeeds and before the job
	// is marked complete. terminal is true when the stage fans out no
	// successors, i.e. the document's pipeline is finished.
	StageSucceeded(ctx context.Context, documentID, stage string, terminal bool) error

	// StageFailed is invoked when a job fails with no further retries.
	StageFailed(ctx context.Context, documentID, stage string, cause error) error
}

// Dispatcher polls the queue and runs handlers. One poll loop per registered
// stage, all sharing a bounded worker pool, plus a reaper loop that recovers
// expired leases.
type Dispatcher struct {
	queue    *Queue
	registry *Registry
	tracker  StatusTracker
	logger   *zap.SugaredLogger

	cfgMu sync.RWMutex
	cfg   config.PipelineConfig

	sem    chan struct{} // bounds concurrent handler invocations
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewDispatcher wires a dispatcher over the queue and handler registry.
func NewDispatcher(queue *Queue, registry *Registry, tracker StatusTracker, cfg config.PipelineConfig, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{
		queue:    queue,
		registry: registry,
		tracker:  tracker,
		logger:   logger,
		cfg:      cfg,
		sem:      make(chan struct{}, workers),
	}
}

// Start launches the poll and reaper loops. Before polling begins, one reap
// pass recovers leases orphaned by a previous crash.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.ctx, d.cancel = context.WithCancel(ctx)

		released, expired, err := d.queue.ReapExpiredLeases(d.ctx)
		if err != nil {
			d.logger.Errorw("Startup lease recovery failed", "error", err)
		} else if len(released)+len(expired) > 0 {
			d.logger.Infow("Recovered orphaned leases at startup",
				"released", len(released),
				"expired", len(expired))
			d.failExpiredDocuments(d.ctx, expired)
		}

		stages := d.registry.Names()
		for _, stage := range stages {
			d.wg.Add(1)
			go d.pollLoop(stage)
		}

		d.wg.Add(1)
		go d.reapLoop()

		d.logger.Infow("Dispatcher started",
			"stages", stages,
			"workers", cap(d.sem))
	})
}

// Stop cancels the loops and waits for in-flight handlers to finish, up to
// the handler timeout. In-flight jobs abandoned past that deadline come back
// through lease reaping on the next start.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel == nil {
			return
		}
		d.cancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.logger.Info("Dispatcher stopped")
		case <-time.After(d.config().HandlerTimeout() + 5*time.Second):
			d.logger.Warn("Dispatcher stop timed out waiting for workers")
		}
	})
}

// UpdateConfig applies a reloaded pipeline configuration. Poll intervals,
// batch sizes, lease durations, and per-stage settings take effect on the
// next tick. Worker count changes require a restart.
func (d *Dispatcher) UpdateConfig(cfg config.PipelineConfig) error {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	if cfg.Workers != d.cfg.Workers {
		d.logger.Warnw("Worker count change requires restart, ignoring",
			"current", d.cfg.Workers,
			"requested", cfg.Workers)
		cfg.Workers = d.cfg.Workers
	}
	d.cfg = cfg
	d.logger.Infow("Dispatcher config updated",
		"poll_interval", cfg.PollInterval(),
		"batch_size", cfg.BatchSize)
	return nil
}

func (d *Dispatcher) config() config.PipelineConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// pollLoop leases and dispatches jobs for one stage. Consecutive poll
// failures stretch the interval up to 8x so a broken database does not get
// hammered.
func (d *Dispatcher) pollLoop(stage string) {
	defer d.wg.Done()

	consecutiveErrors := 0
	for {
		cfg := d.config()
		interval := cfg.PollInterval()
		if interval <= 0 {
			interval = time.Second
		}
		if consecutiveErrors > 0 {
			multiplier := 1 << consecutiveErrors
			if multiplier > 8 {
				multiplier = 8
			}
			interval *= time.Duration(multiplier)
		}

		select {
		case <-d.ctx.Done():
			return
		case <-time.After(interval):
		}

		stageCfg := cfg.Stage(stage)
		batch := stageCfg.BatchSize
		if batch <= 0 {
			batch = cfg.BatchSize
		}
		if batch <= 0 {
			batch = 1
		}

		jobs, err := d.queue.Lease(d.ctx, []string{stage}, batch, cfg.LeaseDuration())
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			d.logger.Errorw("Failed to lease jobs",
				"stage", stage,
				"consecutive_errors", consecutiveErrors,
				"error", err)
			continue
		}
		consecutiveErrors = 0

		for _, job := range jobs {
			select {
			case d.sem <- struct{}{}:
			case <-d.ctx.Done():
				return
			}
			d.wg.Add(1)
			go func(job *Job) {
				defer d.wg.Done()
				defer func() { <-d.sem }()
				d.process(job)
			}(job)
		}
	}
}

// reapLoop periodically returns expired leases to the pool.
func (d *Dispatcher) reapLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(d.config().ReapInterval()):
		}

		released, expired, err := d.queue.ReapExpiredLeases(d.ctx)
		if err != nil {
			if d.ctx.Err() == nil {
				d.logger.Errorw("Lease reaping failed", "error", err)
			}
			continue
		}
		if len(released)+len(expired) > 0 {
			d.logger.Infow("Reaped expired leases",
				"released", len(released),
				"expired", len(expired))
			d.failExpiredDocuments(d.ctx, expired)
		}
	}
}

// failExpiredDocuments routes jobs expired by the reaper through the same
// tracker callback as any other terminal failure, so their documents do not
// strand in an in-progress status.
func (d *Dispatcher) failExpiredDocuments(ctx context.Context, expired []*Job) {
	for _, job := range expired {
		cause := errors.New(job.LastError)
		if job.LastError == "" {
			cause = errors.Newf("job %s expired", job.ID)
		}
		if err := d.tracker.StageFailed(ctx, job.DocumentID, job.Name, cause); err != nil {
			d.logger.Errorw("Failed to record document failure for expired job",
				"job_id", job.ID,
				"document_id", job.DocumentID,
				"stage", job.Name,
				"error", err)
		}
	}
}

// process runs one leased job through its handler and applies the outcome.
func (d *Dispatcher) process(job *Job) {
	// Outcome handling uses a fresh context: the handler's cancellation must
	// not abort the bookkeeping writes during shutdown.
	finishCtx, cancelFinish := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFinish()

	handler := d.registry.Get(job.Name)
	if handler == nil {
		// Stage name with no handler: config/wiring mismatch, not transient.
		d.finishFailure(finishCtx, job, Fatal(errors.Newf("no handler registered for stage %q", job.Name)))
		return
	}

	if err := d.tracker.StageStarted(finishCtx, job.DocumentID, job.Name); err != nil {
		d.logger.Warnw("Failed to record stage start",
			"job_id", job.ID,
			"document_id", job.DocumentID,
			"stage", job.Name,
			"error", err)
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.config().HandlerTimeout())
	defer cancel()

	start := time.Now()
	outcome := d.invoke(ctx, handler, job)
	elapsed := time.Since(start)

	switch outcome.Kind {
	case OutcomeSuccess:
		d.finishSuccess(finishCtx, job, outcome, elapsed)
	default:
		d.finishFailure(finishCtx, job, outcome)
	}
}

// invoke calls the handler, converting a panic into a retryable failure so
// one bad payload cannot take down the worker pool.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, job *Job) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("Handler panicked",
				"job_id", job.ID,
				"stage", job.Name,
				"panic", r)
			outcome = Retry(errors.Newf("handler panic: %v", r))
		}
	}()
	return handler.Handle(ctx, job)
}

// finishSuccess commits a successful run. Ordering matters for crash
// safety: document status first, then successor jobs, then job completion.
// A crash mid-sequence re-runs the idempotent handler; singleton keys keep
// successors from double-enqueueing.
func (d *Dispatcher) finishSuccess(ctx context.Context, job *Job, outcome Outcome, elapsed time.Duration) {
	terminal := len(outcome.Next) == 0

	if err := d.tracker.StageSucceeded(ctx, job.DocumentID, job.Name, terminal); err != nil {
		d.logger.Errorw("Failed to record stage success, leaving job for re-delivery",
			"job_id", job.ID,
			"document_id", job.DocumentID,
			"stage", job.Name,
			"error", err)
		return
	}

	if err := d.queue.EnqueueAll(ctx, outcome.Next); err != nil {
		d.logger.Errorw("Failed to enqueue successor jobs, leaving job for re-delivery",
			"job_id", job.ID,
			"stage", job.Name,
			"error", err)
		return
	}

	if err := d.queue.Complete(ctx, job.ID); err != nil {
		d.logger.Errorw("Failed to mark job complete",
			"job_id", job.ID,
			"stage", job.Name,
			"error", err)
		return
	}

	d.logger.Infow("Job processed",
		"job_id", job.ID,
		"stage", job.Name,
		"document_id", job.DocumentID,
		"duration", elapsed,
		"successors", len(outcome.Next))
}

// finishFailure records a failed run and, when the failure is terminal,
// moves the document to failed.
func (d *Dispatcher) finishFailure(ctx context.Context, job *Job, outcome Outcome) {
	retryable := outcome.Kind == OutcomeRetry

	terminal, err := d.queue.Fail(ctx, job.ID, outcome.Err, retryable, outcome.RetryAfter)
	if err != nil {
		d.logger.Errorw("Failed to record job failure",
			"job_id", job.ID,
			"stage", job.Name,
			"error", err)
		return
	}

	if terminal {
		if err := d.tracker.StageFailed(ctx, job.DocumentID, job.Name, outcome.Err); err != nil {
			d.logger.Errorw("Failed to record document failure",
				"job_id", job.ID,
				"document_id", job.DocumentID,
				"stage", job.Name,
				"error", err)
		}
	}
}
