package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWorker_StopsWhenNothingPending(t *testing.T) {
	var calls atomic.Int32
	pass := func(context.Context) (int, error) {
		n := calls.Add(1)
		return int(3 - n), nil
	}
	w := New("alice", time.Millisecond, pass, testLogger())
	w.Start()
	defer w.Stop()

	waitFor(t, "three passes", func() bool { return calls.Load() >= 3 })
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 3 {
		t.Errorf("passes = %d, want 3", got)
	}
	st := w.Status()
	if st.Armed || st.Pending != 0 {
		t.Errorf("Status() = %+v, want idle with nothing pending", st)
	}
}

func TestWorker_ErrorKeepsRetrying(t *testing.T) {
	var calls atomic.Int32
	pass := func(context.Context) (int, error) {
		if calls.Add(1) < 3 {
			return 0, errors.New("list failed")
		}
		return 0, nil
	}
	w := New("alice", time.Millisecond, pass, testLogger())
	w.Start()
	defer w.Stop()

	waitFor(t, "recovery pass", func() bool { return calls.Load() >= 3 })
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 3 {
		t.Errorf("passes = %d, want 3", got)
	}
	if st := w.Status(); st.LastErr != nil {
		t.Errorf("LastErr = %v, want nil after recovery", st.LastErr)
	}
}

func TestWorker_ZeroIntervalRunsOnce(t *testing.T) {
	var calls atomic.Int32
	pass := func(context.Context) (int, error) {
		calls.Add(1)
		return 5, nil
	}
	w := New("alice", 0, pass, testLogger())
	w.Start()
	defer w.Stop()

	waitFor(t, "first pass", func() bool { return calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("passes = %d, want 1", got)
	}
}

func TestWorker_TriggersNeverOverlap(t *testing.T) {
	var (
		active  atomic.Int32
		overlap atomic.Bool
		calls   atomic.Int32
	)
	release := make(chan struct{})
	pass := func(context.Context) (int, error) {
		if active.Add(1) > 1 {
			overlap.Store(true)
		}
		defer active.Add(-1)
		if calls.Add(1) == 1 {
			<-release
		}
		return 0, nil
	}
	w := New("alice", 0, pass, testLogger())
	w.Start()
	defer w.Stop()

	waitFor(t, "first pass to block", func() bool { return w.Status().Running })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Trigger()
		}()
	}
	wg.Wait()
	close(release)

	waitFor(t, "queued pass", func() bool { return calls.Load() >= 2 })
	time.Sleep(20 * time.Millisecond)
	if overlap.Load() {
		t.Error("passes overlapped")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("passes = %d, want 2 (triggers while running collapse)", got)
	}
}

func TestWorker_StopWaitsForPass(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	pass := func(ctx context.Context) (int, error) {
		calls.Add(1)
		close(started)
		<-release
		if ctx.Err() != nil {
			t.Error("in-flight pass was cancelled by Stop")
		}
		return 1, nil
	}
	w := New("alice", time.Millisecond, pass, testLogger())
	w.Start()
	<-started

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop() returned before the pass finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-stopped

	time.Sleep(10 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("passes = %d, want 1 after Stop", got)
	}
}

func TestWorker_StopBeforeStart(t *testing.T) {
	w := New("alice", time.Millisecond, func(context.Context) (int, error) {
		t.Error("pass ran after Stop")
		return 0, nil
	}, testLogger())
	w.Stop()
	w.Start()
	w.Trigger()
	time.Sleep(10 * time.Millisecond)
}

func TestWorker_TriggerBeforeStart(t *testing.T) {
	var calls atomic.Int32
	pass := func(context.Context) (int, error) {
		calls.Add(1)
		return 0, nil
	}
	w := New("alice", 0, pass, testLogger())
	w.Trigger()

	started := make(chan struct{})
	go func() {
		w.Start()
		close(started)
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Start blocked on a trigger queued before it")
	}

	waitFor(t, "first pass", func() bool { return calls.Load() >= 1 })
	w.Stop()
	if got := calls.Load(); got != 1 {
		t.Errorf("passes = %d, want 1 for the coalesced requests", got)
	}
}
