// Package scheduler re-runs redemption passes until nothing is left to do.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PassFunc runs one pass and reports how many records are still pending.
type PassFunc func(ctx context.Context) (pending int, err error)

// Worker runs passes for one account. A pass is re-armed only after the
// previous one completed, so passes never overlap.
type Worker struct {
	name     string
	interval time.Duration
	pass     PassFunc
	logger   *slog.Logger

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	mu       sync.Mutex
	running  bool
	armed    bool
	lastRun  time.Time
	lastErr  error
	pending  int
	nextPass time.Time
}

// Status is a snapshot of a worker.
type Status struct {
	Running  bool
	Armed    bool
	LastRun  time.Time
	LastErr  error
	Pending  int
	NextPass time.Time
}

// New creates a worker. An interval of zero disables re-arming; passes then
// run only on Start and Trigger.
func New(name string, interval time.Duration, pass PassFunc, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		name:     name,
		interval: interval,
		pass:     pass,
		logger:   logger.With("worker", name),
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs a first pass immediately and keeps scheduling until Stop.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.Trigger()
		go w.loop()
	})
}

// Trigger requests a pass as soon as the worker is idle. Requests made while
// a pass is running or queued collapse into one.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels future passes and waits for an in-flight pass to finish.
// The in-flight pass is not interrupted.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.startOnce.Do(func() { close(w.done) })
	<-w.done
}

// Status returns the current worker state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Running:  w.running,
		Armed:    w.armed,
		LastRun:  w.lastRun,
		LastErr:  w.lastErr,
		Pending:  w.pending,
		NextPass: w.nextPass,
	}
}

func (w *Worker) loop() {
	defer close(w.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-w.trigger:
		case <-timer.C:
		}

		// A stop racing a queued trigger wins.
		select {
		case <-w.stop:
			return
		default:
		}

		timer.Stop()
		if w.runOnce() {
			timer.Reset(w.interval)
		}
	}
}

// runOnce runs a pass and reports whether another one should be scheduled.
func (w *Worker) runOnce() bool {
	w.mu.Lock()
	w.running = true
	w.armed = false
	w.nextPass = time.Time{}
	w.mu.Unlock()

	// Stop lets an in-flight pass finish, so the pass is not tied to it.
	pending, err := w.pass(context.Background())

	rearm := w.interval > 0 && (err != nil || pending > 0)

	w.mu.Lock()
	w.running = false
	w.lastRun = time.Now()
	w.lastErr = err
	w.pending = pending
	w.armed = rearm
	if rearm {
		w.nextPass = w.lastRun.Add(w.interval)
	}
	w.mu.Unlock()

	switch {
	case err != nil:
		w.logger.Warn("pass failed", "error", err, "retry_in", w.interval)
	case rearm:
		w.logger.Info("records still pending", "pending", pending, "retry_in", w.interval)
	default:
		w.logger.Info("nothing pending, retries stopped")
	}
	return rearm
}
