// Package repeat runs an action on a fixed interval on its own goroutine.
package repeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var seq atomic.Uint64

// NextID returns a process-unique sequence number used to name loops.
func NextID() uint64 {
	return seq.Add(1)
}

// Action is invoked once per tick. ctx is cancelled when the runner is
// cancelled; actions may observe it but are never preempted.
type Action func(ctx context.Context)

// Runner invokes an Action every interval until Cancel is called.
// A Runner is single-use: Start must be called at most once.
type Runner struct {
	name     string
	interval time.Duration
	action   Action

	mu        sync.Mutex
	started   bool
	cancelled bool
	// inFlight is closed when the current invocation returns. Nil between
	// invocations.
	inFlight chan struct{}
	ctx      context.Context
	stop      context.CancelFunc
	done      chan struct{}
}

// New creates a runner. An empty name is replaced by "timer <n>".
func New(name string, interval time.Duration, action Action) *Runner {
	if name == "" {
		name = fmt.Sprintf("timer %d", NextID())
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Runner{
		name:     name,
		interval: interval,
		action:   action,
		ctx:      ctx,
		stop:     stop,
		done:     make(chan struct{}),
	}
}

// Name returns the loop's display name.
func (r *Runner) Name() string { return r.name }

// Start invokes the action immediately and then once per interval.
func (r *Runner) Start() { r.start(true) }

// StartDelayed waits one interval before the first invocation. Callers that
// already ran one tick synchronously use this to avoid a double poll.
func (r *Runner) StartDelayed() { r.start(false) }

func (r *Runner) start(immediate bool) {
	r.mu.Lock()
	if r.started || r.cancelled {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.loop(immediate)
}

// Cancel stops the loop and waits for an in-flight invocation to return.
// After Cancel returns no invocation is running and none begins. Cancel is
// idempotent. An action that ends its own loop must call Halt instead, since
// Cancel would wait on the invocation making the call.
func (r *Runner) Cancel() {
	if inFlight := r.halt(); inFlight != nil {
		<-inFlight
	}
}

// Halt stops the loop without waiting for an in-flight invocation. No
// invocation is entered after Halt returns. It is the form to use from
// inside the action.
func (r *Runner) Halt() { r.halt() }

func (r *Runner) halt() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cancelled {
		r.cancelled = true
		r.stop()
		if !r.started {
			close(r.done)
		}
	}
	return r.inFlight
}

// Running reports whether the loop has been started and not cancelled.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started && !r.cancelled
}

// Done is closed once the loop goroutine has exited after Cancel.
func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) loop(immediate bool) {
	defer close(r.done)

	if !immediate && !r.wait() {
		return
	}
	for {
		if !r.invoke() {
			return
		}
		if !r.wait() {
			return
		}
	}
}

func (r *Runner) wait() bool {
	t := time.NewTimer(r.interval)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// invoke runs one tick unless the runner has been cancelled. The cancelled
// check and the in-flight marker are set under the lock Cancel takes, so a
// Cancel either prevents the tick or waits for it.
func (r *Runner) invoke() bool {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return false
	}
	done := make(chan struct{})
	r.inFlight = done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight = nil
		r.mu.Unlock()
		close(done)
	}()
	r.run()
	return true
}

func (r *Runner) run() {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("periodic action failed", "loop", r.name, "panic", rec)
		}
	}()
	r.action(r.ctx)
}
