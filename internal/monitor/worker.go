package monitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Executor runs incident work (agent calls, notifications) on behalf of the
// pipeline, watchdog and user-input handler.
type Executor interface {
	Submit(task func())
}

// Inline runs every task on the caller's goroutine.
type Inline struct{}

func (Inline) Submit(task func()) { task() }

// Worker runs tasks one at a time on a background goroutine so the
// filesystem event loop never waits on network I/O. When the queue is full,
// or the worker is closed, the task runs on the caller's goroutine instead
// of being dropped.
type Worker struct {
	mu     sync.RWMutex
	tasks  chan func()
	closed bool
	done   chan struct{}
	logger zerolog.Logger
}

// NewWorker starts a worker with a queue of size queueSize.
func NewWorker(queueSize int, logger zerolog.Logger) *Worker {
	if queueSize <= 0 {
		queueSize = 64
	}
	w := &Worker{
		tasks:  make(chan func(), queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.done)
	for task := range w.tasks {
		w.exec(task)
	}
}

func (w *Worker) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Msg("incident task panicked")
		}
	}()
	task()
}

func (w *Worker) Submit(task func()) {
	w.mu.RLock()
	if !w.closed {
		select {
		case w.tasks <- task:
			w.mu.RUnlock()
			return
		default:
			w.logger.Warn().Msg("incident queue full, running inline")
		}
	}
	w.mu.RUnlock()
	w.exec(task)
}

// Close stops accepting queued work and waits up to timeout for queued tasks
// to finish. It reports whether the queue drained in time.
func (w *Worker) Close(timeout time.Duration) bool {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.tasks)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		w.logger.Warn().Dur("timeout", timeout).Msg("incident worker did not drain before shutdown")
		return false
	}
}
