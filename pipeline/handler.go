package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Handler processes jobs for one pipeline stage.
//
// Handlers must be idempotent: at-least-once delivery means a job can be
// re-run after a crash even when its side effects already landed.
type Handler interface {
	// Name returns the stage identifier this handler serves.
	Name() string

	// Handle processes one job. The context carries the per-job timeout;
	// handlers doing external calls must respect cancellation.
	Handle(ctx context.Context, job *Job) Outcome
}

// OutcomeKind classifies a handler result.
type OutcomeKind int

const (
	// OutcomeSuccess completes the job, optionally fanning out successors.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetry failed transiently; retry under backoff if budget remains.
	OutcomeRetry
	// OutcomeFatal failed permanently; no retry regardless of budget.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of one handler invocation. Construct with Success,
// Retry, or Fatal.
type Outcome struct {
	Kind OutcomeKind

	// Next holds successor jobs to enqueue on success.
	Next []EnqueueRequest

	// Err is the failure cause for retry and fatal outcomes.
	Err error

	// RetryAfter is a floor on the retry delay. Handlers set it from a
	// breaker cooldown so the retry lands after the dependency may have
	// recovered. Zero means backoff alone decides.
	RetryAfter time.Duration
}

// Success builds a successful outcome, optionally enqueuing successor jobs.
func Success(next ...EnqueueRequest) Outcome {
	return Outcome{Kind: OutcomeSuccess, Next: next}
}

// Retry builds a transient-failure outcome.
func Retry(err error) Outcome {
	return Outcome{Kind: OutcomeRetry, Err: err}
}

// RetryAfter builds a transient-failure outcome with a minimum delay before
// the next attempt.
func RetryAfter(err error, after time.Duration) Outcome {
	return Outcome{Kind: OutcomeRetry, Err: err, RetryAfter: after}
}

// Fatal builds a permanent-failure outcome.
func Fatal(err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Err: err}
}

// Registry maps stage names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Panics on duplicate stage names: double
// registration is a wiring bug, caught at startup.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := h.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("pipeline: handler already registered for stage %q", name))
	}
	r.handlers[name] = h
}

// Get returns the handler for a stage, or nil when none is registered.
func (r *Registry) Get(name string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Names returns all registered stage names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
