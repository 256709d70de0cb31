package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"
)

var (
	// ErrQueueFull is returned by Submit when every buffer slot is taken.
	ErrQueueFull = errors.New("task queue is full")
	// ErrQueueClosed is returned by Submit after Shutdown.
	ErrQueueClosed = errors.New("task queue is closed")
)

// Task is a unit of background work.
type Task func(ctx context.Context) error

type queuedTask struct {
	jobID string
	kind  string
	run   Task
}

// TaskQueue runs fire-and-forget tasks on a fixed set of workers with a
// bounded buffer. Each task is tracked as a Job.
type TaskQueue struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	jobs    *JobManager
	tasks   chan queuedTask
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewTaskQueue starts workers goroutines. Tasks run with a context derived
// from ctx, bounded by timeout when it is positive.
func NewTaskQueue(ctx context.Context, workers, size int, timeout time.Duration, jobs *JobManager) *TaskQueue {
	ctx, cancel := context.WithCancel(ctx)
	q := &TaskQueue{
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		jobs:    jobs,
		tasks:   make(chan queuedTask, max(size, 0)),
	}
	for i := 0; i < max(workers, 1); i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit queues task without blocking and returns its job.
func (q *TaskQueue) Submit(kind string, task Task) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	job := q.jobs.CreateJob(kind)
	select {
	case q.tasks <- queuedTask{jobID: job.ID, kind: kind, run: task}:
		return job, nil
	default:
		q.jobs.Forget(job.ID)
		return nil, ErrQueueFull
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish. If ctx
// expires first, running tasks are canceled.
func (q *TaskQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return fmt.Errorf("shutdown task queue: %w", ctx.Err())
	}
}

func (q *TaskQueue) worker() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.run(t)
	}
}

func (q *TaskQueue) run(t queuedTask) {
	ctx := q.ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	q.jobs.MarkProcessing(t.jobID)
	err := t.run(ctx)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "background task failed"}, log.KV{K: "kind", V: t.kind}, log.KV{K: "job", V: t.jobID})
		q.jobs.MarkFailed(t.jobID, err.Error())
		return
	}
	log.Info(ctx, log.KV{K: "msg", V: "background task complete"}, log.KV{K: "kind", V: t.kind}, log.KV{K: "job", V: t.jobID})
	q.jobs.MarkCompleted(t.jobID)
}
