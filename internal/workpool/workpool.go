// Package workpool runs submitted tasks on a fixed number of goroutines
package workpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Submit once Close has been called
var ErrClosed = errors.New("worker pool closed")

// Task is a unit of work
type Task = func()

// Pool is a fixed-size worker pool with a bounded queue.
// Submissions beyond the queue depth block the caller.
type Pool struct {
	tasks chan Task
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	size   int
}

// New starts size workers sharing a queue of depth queue
func New(size, queue int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("worker pool size must be positive, got %d", size)
	}
	if queue < 0 {
		return nil, fmt.Errorf("worker pool queue must not be negative, got %d", queue)
	}

	p := &Pool{
		tasks: make(chan Task, queue),
		size:  size,
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}

	return p, nil
}

// worker drains the queue until it is closed
func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return p.size
}

// Submit queues task. It blocks while the queue is full and gives up when
// ctx is done. A ctx that is already done is always refused, even if the
// queue has room.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for queued and running ones to finish
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

// Inline runs every task on the submitting goroutine. It is useful where
// deterministic ordering matters more than parallelism.
type Inline struct{}

// Submit runs task immediately
func (Inline) Submit(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	task()
	return nil
}
