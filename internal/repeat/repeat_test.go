package repeat

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRunnerInvokesImmediatelyThenRepeats(t *testing.T) {
	var n atomic.Int32
	r := New("test", 10*time.Millisecond, func(context.Context) { n.Add(1) })
	r.Start()
	defer r.Cancel()

	waitFor(t, func() bool { return n.Load() >= 3 })
	if !r.Running() {
		t.Fatal("expected runner to be running")
	}
}

func TestRunnerDelayedStartWaitsOneInterval(t *testing.T) {
	var n atomic.Int32
	r := New("delayed", 200*time.Millisecond, func(context.Context) { n.Add(1) })
	r.StartDelayed()
	defer r.Cancel()

	time.Sleep(50 * time.Millisecond)
	if got := n.Load(); got != 0 {
		t.Fatalf("expected no invocation before first interval, got %d", got)
	}
	waitFor(t, func() bool { return n.Load() >= 1 })
}

func TestRunnerCancelStopsFurtherInvocations(t *testing.T) {
	var n atomic.Int32
	r := New("cancel", 5*time.Millisecond, func(context.Context) { n.Add(1) })
	r.Start()
	waitFor(t, func() bool { return n.Load() >= 2 })

	r.Cancel()
	r.Cancel()
	<-r.Done()

	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	if n.Load() != after {
		t.Fatalf("action ran after cancel: %d -> %d", after, n.Load())
	}
	if r.Running() {
		t.Fatal("expected runner to report not running")
	}
}

// A panicking action must not end the loop.
func TestRunnerSurvivesPanics(t *testing.T) {
	var n atomic.Int32
	r := New("panics", 5*time.Millisecond, func(context.Context) {
		if n.Add(1) == 1 {
			panic("boom")
		}
	})
	r.Start()
	defer r.Cancel()

	waitFor(t, func() bool { return n.Load() >= 3 })
}

func TestRunnerCancelFromInsideAction(t *testing.T) {
	var r *Runner
	var n atomic.Int32
	r = New("self", 5*time.Millisecond, func(ctx context.Context) {
		n.Add(1)
		r.Halt()
		if ctx.Err() == nil {
			t.Error("expected ctx to be cancelled")
		}
	})
	r.Start()

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
	if n.Load() != 1 {
		t.Fatalf("expected exactly one invocation, got %d", n.Load())
	}
}

func TestCancelBeforeStart(t *testing.T) {
	r := New("", time.Millisecond, func(context.Context) { t.Error("should not run") })
	if !strings.HasPrefix(r.Name(), "timer ") {
		t.Fatalf("unexpected generated name %q", r.Name())
	}
	r.Cancel()
	r.Start()
	<-r.Done()
	time.Sleep(10 * time.Millisecond)
}

// Cancel racing a tight loop must never let an invocation start after it
// has returned.
func TestNoInvocationBeginsAfterCancel(t *testing.T) {
	var late atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var returned atomic.Bool
			r := New("race", time.Nanosecond, func(context.Context) {
				if returned.Load() {
					late.Add(1)
				}
			})
			r.Start()
			runtime.Gosched()
			r.Cancel()
			returned.Store(true)
			<-r.Done()
		}()
	}
	wg.Wait()
	if n := late.Load(); n != 0 {
		t.Fatalf("%d invocations began after Cancel returned", n)
	}
}

func TestCancelWaitsForInFlightAction(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	r := New("slow", time.Hour, func(context.Context) {
		close(entered)
		<-release
		finished.Store(true)
	})
	r.Start()
	<-entered

	cancelled := make(chan struct{})
	go func() {
		r.Cancel()
		close(cancelled)
	}()
	select {
	case <-cancelled:
		t.Fatal("Cancel returned while the action was still running")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not return after the action finished")
	}
	if !finished.Load() {
		t.Fatal("expected the action to have finished")
	}
}
