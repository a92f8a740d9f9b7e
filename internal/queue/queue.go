// Package queue runs batch tasks on a fixed-size worker pool fed by a
// bounded queue, and fans progress events out to subscribers.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrFull is returned by TryEnqueue when the queue has no free slot.
var ErrFull = errors.New("queue full")

// Task is one unit of work executed by a worker.
type Task func()

// Queue is a bounded task queue drained by a fixed number of workers.
type Queue struct {
	tasks    chan Task
	workers  int
	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// New creates a Queue holding at most size pending tasks, drained by workers
// goroutines once Start is called.
func New(size, workers int) *Queue {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		tasks:   make(chan Task, size),
		workers: workers,
	}
}

// Submit adds a task, blocking while the queue is full. It returns ctx.Err()
// if ctx is done before a slot frees up.
func (q *Queue) Submit(ctx context.Context, t Task) error {
	select {
	case q.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue adds a task without blocking. Returns ErrFull if the queue is full.
func (q *Queue) TryEnqueue(t Task) error {
	select {
	case q.tasks <- t:
		return nil
	default:
		return ErrFull
	}
}

// Start launches the workers. They exit when ctx is done; tasks still queued
// at that point are dropped.
func (q *Queue) Start(ctx context.Context) {
	for range q.workers {
		q.wg.Add(1)
		go q.runWorker(ctx)
	}
}

// Wait blocks until every worker started by Start has exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Depth returns the number of queued tasks not yet picked up by a worker.
func (q *Queue) Depth() int {
	return len(q.tasks)
}

// Cap returns the maximum number of queued tasks.
func (q *Queue) Cap() int {
	return cap(q.tasks)
}

// InFlight returns the number of tasks currently executing.
func (q *Queue) InFlight() int {
	return int(q.inFlight.Load())
}

// Workers returns the pool size.
func (q *Queue) Workers() int {
	return q.workers
}

func (q *Queue) runWorker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.tasks:
			q.run(t)
		}
	}
}

func (q *Queue) run(t Task) {
	q.inFlight.Add(1)
	defer q.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("queue: task panicked", "panic", r)
		}
	}()
	t()
}
