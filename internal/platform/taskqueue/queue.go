// Package taskqueue runs deferred callbacks one at a time, in submission order, on a
// goroutine owned by the queue.
package taskqueue

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("taskqueue: closed")

// Queue is an unbounded FIFO of tasks. Push never blocks and never runs the task on the
// caller's goroutine.
type Queue struct {
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	running bool
	closed  bool
	done    chan struct{}
}

// New starts a queue. A panicking task is logged and does not stop the queue.
func New(logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{logger: logger, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// Push schedules task.
func (q *Queue) Push(task func()) error {
	if task == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pending = append(q.pending, task)
	q.cond.Broadcast()
	return nil
}

// Idle blocks until every task pushed so far has run.
func (q *Queue) Idle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 || q.running {
		q.cond.Wait()
	}
}

// Close stops accepting tasks and waits until the pending ones have run.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.running = true
		q.mu.Unlock()

		q.run(task)

		q.mu.Lock()
		q.running = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *Queue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("taskqueue: task panicked", zap.Any("panic", r))
		}
	}()
	task()
}
