// Package deferredqueue implements the Deferred Job Queue (C11): a strictly
// FIFO, single-consumer queue for background LLM-completion jobs scheduled
// by "deferred" mode requests. Grounded on spec.md §9's redesign note that
// "module-level mutable globals" (the teacher's original JS process queue)
// "become explicit process-wide singletons with lifecycle start(ctx)/
// stop(ctx) so tests can instantiate fresh instances" — here a buffered
// channel plus one consumer goroutine, started and stopped explicitly
// rather than living at package scope.
package deferredqueue

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Task is one unit of deferred work. It receives the queue's run context,
// which is canceled on Stop, so a long-running task can observe shutdown.
type Task func(ctx context.Context)

// Queue is a single-consumer FIFO. Enqueue never blocks the caller on task
// execution; tasks run serially on one worker goroutine in submission
// order. A task's failure (recovered panic or logged error from within the
// task itself) never blocks or drops subsequent tasks.
type Queue struct {
	tasks chan Task
	log   zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New constructs a Queue with the given backlog capacity. A full backlog
// makes Enqueue block the caller until a slot frees — callers that must
// never block should size capacity generously for their workload.
func New(capacity int, log zerolog.Logger) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		tasks: make(chan Task, capacity),
		log:   log.With().Str("component", "deferred_queue").Logger(),
	}
}

// Start launches the single consumer goroutine. Calling Start twice without
// an intervening Stop is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.started = true

	go q.run(runCtx)
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			q.runTask(ctx, task)
		}
	}
}

func (q *Queue) runTask(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Interface("panic", r).Msg("deferred task panicked, queue continues")
		}
	}()
	task(ctx)
}

// Stop cancels the run context and blocks until the consumer goroutine
// exits. Queued-but-unstarted tasks are dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.cancel()
	done := q.done
	q.started = false
	q.mu.Unlock()

	<-done
}

// Enqueue appends task to the FIFO. If the queue has not been started, the
// task is buffered and will run once Start is called (up to capacity).
// The parameter is the unnamed func(context.Context) shape, not Task
// itself, so *Queue satisfies orchestrator.DeferredEnqueuer by structural
// assignment rather than needing callers to depend on this package's type.
func (q *Queue) Enqueue(task func(ctx context.Context)) {
	q.tasks <- task
}

// Depth reports the number of tasks currently buffered, for diagnostics.
func (q *Queue) Depth() int {
	return len(q.tasks)
}
