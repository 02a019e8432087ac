// Package tunnel keeps one forwarded port alive and reports its lifecycle.
//
// A Tunnel owns a single remote port and the local port it is exposed on.
// Every poll resolves the local port if none is assigned yet, probes it with
// a TCP connect, and asks the Forwarder for a new forward only when the probe
// fails and no live handle is still establishing. Failures are never fatal:
// the tunnel keeps polling on its own goroutine until Stop.
//
// Observers receive CONNECTED and DISCONNECTED only when the open/closed
// value flips between two polls. Dispatch is synchronous on the polling
// goroutine, in subscription order. Typical subscribers:
//
//   - the built-in status reporter, which prints "Connected ... as
//     localhost:<port>" and "Lost connection to ..." lines;
//   - internal/sshconfig.Observer, which writes and removes the ssh stanza
//     of a control tunnel;
//   - internal/events.Observer, which journals every transition.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/treykane/docker-env/internal/model"
	"github.com/treykane/docker-env/internal/portstore"
	"github.com/treykane/docker-env/internal/printer"
	"github.com/treykane/docker-env/internal/repeat"
	"github.com/treykane/docker-env/internal/sshclient"
	"github.com/treykane/docker-env/internal/util"
)

// ErrRemotePortRequired is returned by New for a zero remote port.
var ErrRemotePortRequired = errors.New("remote port is required")

// Options configures a Tunnel.
type Options struct {
	// Label is the display name used in status lines and events.
	Label string
	// Host is the ssh destination carrying the forward.
	Host string
	// RemotePort is the port on the far side. Required.
	RemotePort int
	// LocalPort is the local end; zero allocates one on first poll.
	LocalPort int
	// ControlPort is the ssh port of Host, zero for the ssh default. For
	// per-service tunnels this is the local end of the control tunnel.
	ControlPort int
	// User is the ssh login name.
	User string
	// Message is a status template; LOCAL_PORT is replaced by the local port.
	Message string
	// ExpectOpen marks a tunnel satisfied by something else. It only probes
	// and never creates a forward.
	ExpectOpen bool
	// Interval between polls. Zero means util.DefaultCheckIntervalSeconds.
	Interval time.Duration

	Forwarder sshclient.Forwarder
	// Resolver picks the local port when LocalPort is zero. Nil means an
	// unpersisted ephemeral port.
	Resolver portstore.PortResolver
	// Printer receives the built-in status lines. Nil discards them.
	Printer printer.Printer
}

// Tunnel owns exactly one remote⇄local forward and retries it until stopped.
//
// States move INIT → PROBING → OPEN or RETRYING on every poll and end in
// STOPPED. A tunnel built with ExpectOpen only probes; it is used for ports
// served by something other than this tunnel.
//
// Lifecycle, as internal/connection drives it:
//
//	t, err := tunnel.New(tunnel.Options{Label: "web", Host: "localhost",
//		RemotePort: 8080, ControlPort: control.LocalPort(), Forwarder: fwd})
//	t.Subscribe(observer)
//	open := t.Start(ctx) // one synchronous poll, then one per interval
//	...
//	t.Stop() // kill the forward, final check, later events suppressed
//
// Mutable fields are guarded by mu. Ticks are serialized by pollMu, so Stop
// waits for an in-flight tick before its final check. Observers run on the
// polling goroutine and must not call Stop.
type Tunnel struct {
	opts     Options
	interval time.Duration

	pollMu sync.Mutex

	mu        sync.Mutex
	localPort int
	state     model.TunnelState
	open      bool
	handle    sshclient.Handle
	stopped   bool
	silenced  bool
	observers []Observer
	runner    *repeat.Runner
}

// New validates opts and returns a tunnel in the init state.
func New(opts Options) (*Tunnel, error) {
	if opts.RemotePort == 0 {
		return nil, ErrRemotePortRequired
	}
	if err := util.ValidatePort(opts.RemotePort); err != nil {
		return nil, fmt.Errorf("invalid remote port: %w", err)
	}
	if opts.LocalPort != 0 {
		if err := util.ValidatePort(opts.LocalPort); err != nil {
			return nil, fmt.Errorf("invalid local port: %w", err)
		}
	}
	if opts.Forwarder == nil && !opts.ExpectOpen {
		return nil, fmt.Errorf("tunnel %s: forwarder is required", opts.Label)
	}
	if opts.Printer == nil {
		opts.Printer = printer.Discard
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = util.DefaultCheckIntervalSeconds * time.Second
	}
	t := &Tunnel{
		opts:      opts,
		interval:  interval,
		localPort: opts.LocalPort,
		state:     model.TunnelInit,
	}
	t.observers = []Observer{ObserverFunc(t.reportStatus)}
	return t, nil
}

// Label returns the display name.
func (t *Tunnel) Label() string { return t.opts.Label }

// RemotePort returns the far-side port.
func (t *Tunnel) RemotePort() int { return t.opts.RemotePort }

// LocalPort returns the resolved local port, or zero before the first poll.
func (t *Tunnel) LocalPort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localPort
}

// Connected returns the open/closed value observed by the last poll.
func (t *Tunnel) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// State returns the tunnel's current state.
func (t *Tunnel) State() model.TunnelState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Subscribe appends an observer. Observers are notified in subscription order.
func (t *Tunnel) Subscribe(o Observer) {
	t.mu.Lock()
	t.observers = append(t.observers, o)
	t.mu.Unlock()
}

// Unsubscribe removes the first registration of o. ObserverFunc values are
// not comparable and cannot be removed.
func (t *Tunnel) Unsubscribe(o Observer) {
	if _, ok := o.(ObserverFunc); ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, cur := range t.observers {
		if _, ok := cur.(ObserverFunc); ok {
			continue
		}
		if cur == o {
			t.observers = append(t.observers[:i:i], t.observers[i+1:]...)
			return
		}
	}
}

// StatusMessage renders the user-facing status of the tunnel.
func (t *Tunnel) StatusMessage() string {
	t.mu.Lock()
	open, local := t.open, t.localPort
	t.mu.Unlock()
	if !open {
		return "(Not connected)"
	}
	if t.opts.Message != "" {
		return model.RenderMessage(t.opts.Message, local)
	}
	return "(Connected)"
}

// Start runs one poll synchronously and then keeps polling in the background.
// It reports whether the forward is open after the first poll. A stopped
// tunnel cannot be restarted.
func (t *Tunnel) Start(ctx context.Context) bool {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	result := t.Poll(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runner == nil && !t.stopped {
		t.runner = repeat.New(fmt.Sprintf("tunnel %s %d", t.opts.Label, repeat.NextID()), t.interval, func(ctx context.Context) {
			t.Poll(ctx)
		})
		t.runner.StartDelayed()
	}
	return result
}

// Stop cancels polling, kills the active forward and runs one last check so
// observers see a final disconnected event when the port closed. Later events
// are suppressed. Stop is idempotent.
func (t *Tunnel) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	runner := t.runner
	t.mu.Unlock()

	if runner != nil {
		runner.Cancel()
	}

	t.pollMu.Lock()
	defer t.pollMu.Unlock()

	t.mu.Lock()
	handle := t.handle
	t.handle = nil
	t.mu.Unlock()
	if handle != nil {
		handle.Kill()
	}

	t.transition(t.probe())

	t.mu.Lock()
	t.state = model.TunnelStopped
	t.silenced = true
	t.mu.Unlock()
}

// Stopped reports whether Stop has been called.
func (t *Tunnel) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Refresh probes the local port and raises any resulting transition without
// attempting to create a forward.
func (t *Tunnel) Refresh(ctx context.Context) bool {
	t.pollMu.Lock()
	defer t.pollMu.Unlock()
	if t.Stopped() {
		return false
	}
	if !t.ensureLocalPort(ctx) {
		return false
	}
	open := t.probe()
	t.transition(open)
	return open
}

// Poll runs one tick of the state machine and reports whether the forward is
// open afterwards.
func (t *Tunnel) Poll(ctx context.Context) bool {
	t.pollMu.Lock()
	defer t.pollMu.Unlock()

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	t.state = model.TunnelProbing
	t.mu.Unlock()

	open := t.check(ctx)
	t.transition(open)
	return open
}

func (t *Tunnel) check(ctx context.Context) bool {
	if !t.ensureLocalPort(ctx) {
		return false
	}
	if t.probe() {
		return true
	}
	if t.opts.ExpectOpen {
		return false
	}

	t.mu.Lock()
	handle := t.handle
	t.mu.Unlock()
	if handle != nil && handle.Alive() {
		slog.Debug("forward still establishing", "label", t.opts.Label, "local_port", t.LocalPort())
		return false
	}

	local := t.LocalPort()
	target := sshclient.Target{Host: t.opts.Host, Port: t.opts.ControlPort, User: t.opts.User}
	h, err := t.opts.Forwarder.Forward(ctx, target, t.opts.RemotePort, local)
	if err != nil {
		slog.Warn("failed to set up forward", "label", t.opts.Label, "local_port", local, "remote_port", t.opts.RemotePort, "target", target.String(), "error", err)
		return false
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		h.Kill()
		return false
	}
	t.handle = h
	t.mu.Unlock()

	return t.probe()
}

func (t *Tunnel) ensureLocalPort(ctx context.Context) bool {
	if t.LocalPort() != 0 {
		return true
	}
	resolver := t.opts.Resolver
	if resolver == nil {
		resolver = portstore.Ephemeral{}
	}
	port, err := resolver.Resolve(ctx, t.opts.RemotePort)
	if err != nil || port == 0 {
		slog.Warn("failed to resolve local port", "label", t.opts.Label, "remote_port", t.opts.RemotePort, "error", err)
		return false
	}
	t.mu.Lock()
	if t.localPort == 0 {
		t.localPort = port
	}
	t.mu.Unlock()
	return true
}

func (t *Tunnel) probe() bool {
	return util.PortOpen("", t.LocalPort(), util.ProbeTimeout)
}

// transition records open and notifies observers when it differs from the
// previous value.
func (t *Tunnel) transition(open bool) {
	t.mu.Lock()
	changed := open != t.open
	t.open = open
	if !t.stopped {
		if open {
			t.state = model.TunnelOpen
		} else {
			t.state = model.TunnelRetrying
		}
	}
	if !changed || t.silenced {
		t.mu.Unlock()
		return
	}
	observers := append([]Observer(nil), t.observers...)
	t.mu.Unlock()

	ev := model.EventDisconnected
	if open {
		ev = model.EventConnected
	}
	for _, o := range observers {
		o.TunnelEvent(t.opts.Label, ev)
	}
}

func (t *Tunnel) reportStatus(label string, ev model.TunnelEvent) {
	if t.Stopped() {
		return
	}
	local := t.LocalPort()
	switch ev {
	case model.EventConnected:
		msg := fmt.Sprintf("Connected %s as localhost:%d", label, local)
		if t.opts.Message != "" {
			msg += "\n\t" + t.StatusMessage()
		}
		t.opts.Printer.Print(msg)
	case model.EventDisconnected:
		t.opts.Printer.Print(fmt.Sprintf("Lost connection to %s (localhost:%d), will retry", label, local))
	}
}
