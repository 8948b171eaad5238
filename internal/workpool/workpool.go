// Package workpool provides small bounded worker pools with explicit
// rejection policies. A pool never drops work: when the queue is full the
// configured rejection handler runs, and the default handler executes the
// task on the caller's goroutine.
package workpool

import (
	"sync"
)

// RejectionHandler decides what happens to a task when the queue is full.
type RejectionHandler func(task func())

// Pool is a fixed-size worker pool with a bounded queue.
type Pool struct {
	name     string
	tasks    chan func()
	onReject RejectionHandler

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// New starts a pool with the given worker count and queue depth.
// A nil rejection handler defaults to caller-runs.
func New(name string, workers, queue int, onReject RejectionHandler) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		name:  name,
		tasks: make(chan func(), queue),
	}
	if onReject == nil {
		onReject = func(task func()) { task() }
	}
	p.onReject = onReject

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit enqueues a task. When the queue is full or the pool is closed the
// rejection handler runs synchronously on the caller's goroutine.
func (p *Pool) Submit(task func()) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		p.onReject(task)
		return
	}
	// The read lock is held across the send so Close cannot close the
	// channel mid-enqueue.
	select {
	case p.tasks <- task:
		p.mu.RUnlock()
	default:
		p.mu.RUnlock()
		p.onReject(task)
	}
}

// TrySubmit enqueues a task and reports whether it was accepted. Unlike
// Submit it never invokes the rejection handler; the caller owns a
// rejected task.
func (p *Pool) TrySubmit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Close stops accepting work and waits for queued tasks to finish.
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

// Name returns the pool's label for logging and metrics.
func (p *Pool) Name() string { return p.name }
