package dialogue

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrExecutorClosed is returned when submitting to a closed Executor.
var ErrExecutorClosed = errors.New("dialogue: executor closed")

// Executor runs tasks serially per key and concurrently across keys. Each
// key gets a worker goroutine on demand that exits once its queue drains.
type Executor struct {
	logger *slog.Logger

	mu     sync.Mutex
	idle   *sync.Cond
	queues map[string][]func()
	closed bool
}

// NewExecutor returns an idle Executor.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{logger: logger, queues: make(map[string][]func())}
	e.idle = sync.NewCond(&e.mu)
	return e
}

// Submit enqueues fn for key. Tasks for the same key run in submission
// order.
func (e *Executor) Submit(key string, fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}

	q, active := e.queues[key]
	e.queues[key] = append(q, fn)
	if !active {
		go e.work(key)
	}
	return nil
}

// Do runs fn on key's worker and waits for it to finish.
func (e *Executor) Do(ctx context.Context, key string, fn func()) error {
	done := make(chan struct{})
	if err := e.Submit(key, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every worker is idle.
func (e *Executor) Wait() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.queues) > 0 {
		e.idle.Wait()
	}
}

// Close rejects new tasks and waits for queued ones to finish.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.Wait()
}

func (e *Executor) work(key string) {
	for {
		e.mu.Lock()
		q := e.queues[key]
		if len(q) == 0 {
			delete(e.queues, key)
			e.idle.Broadcast()
			e.mu.Unlock()
			return
		}
		fn := q[0]
		q[0] = nil
		e.queues[key] = q[1:]
		e.mu.Unlock()

		e.run(key, fn)
	}
}

func (e *Executor) run(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Dialogue task panicked", "jid", key, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
