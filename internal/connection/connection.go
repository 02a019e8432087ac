// Package connection keeps every tunnel of one remote instance in step with
// what the directory reports for it.
//
// A Connection owns a control tunnel to the instance's ssh port and one
// per-service tunnel for each advertised remote port. Per-service tunnels are
// carried by ssh through the control tunnel's local end. Each reconciliation
// tick looks the instance up, replaces the control tunnel when it is not
// open, creates tunnels for newly advertised ports and stops tunnels for
// ports the instance no longer advertises. A failed lookup leaves everything
// as it is.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/treykane/docker-env/internal/model"
	"github.com/treykane/docker-env/internal/portstore"
	"github.com/treykane/docker-env/internal/printer"
	"github.com/treykane/docker-env/internal/repeat"
	"github.com/treykane/docker-env/internal/sshclient"
	"github.com/treykane/docker-env/internal/tunnel"
	"github.com/treykane/docker-env/internal/util"
)

// ControlLabel is the label of every control tunnel.
const ControlLabel = "SSH"

// LookupFunc fetches the current state of the named instance.
type LookupFunc func(ctx context.Context, name string) model.LookupResult

// Options configures a Connection.
type Options struct {
	// Host carries the control tunnel. An instance's own host, when the
	// directory reports one, takes precedence.
	Host string
	User string
	Name string

	Lookup    LookupFunc
	Forwarder sshclient.Forwarder
	// Discoverer finds forwards owned by other client processes. Optional.
	Discoverer sshclient.Discoverer
	// Store persists local port choices. Nil keeps them in memory only.
	Store *portstore.Store

	// Interval applies to the connection loop and to every tunnel it creates.
	Interval time.Duration
	Printer  printer.Printer

	// ControlObservers are subscribed to every control tunnel, including
	// replacements.
	ControlObservers []tunnel.Observer
	// TunnelObservers are subscribed to every per-service tunnel.
	TunnelObservers []tunnel.Observer

	// KeepForwards exempts ports opened through ForwardPort from retirement.
	// By default a reconciliation tick stops every tunnel whose port the
	// directory no longer advertises, manual forwards included.
	KeepForwards bool
}

// Connection reconciles the tunnels of one named instance.
//
// Each tick, run by Start, Poll or the background loop:
//
//  1. look the instance up; a failed lookup ends the tick and changes nothing;
//  2. replace the control tunnel when it is not open, using the ssh port and
//     host of this lookup; if the new one does not open, end the tick;
//  3. create a per-service tunnel for every advertised port without one,
//     relayed through the control tunnel's local port;
//  4. stop and drop every tunnel whose port is no longer advertised.
//
// Fields are guarded by mu. Ticks, ForwardPort and Stop are serialized by
// pollMu. Tunnel methods are never called with mu held, so observers may
// read the connection from a tunnel's goroutine.
type Connection struct {
	opts     Options
	interval time.Duration
	resolver *portstore.Resolver

	pollMu sync.Mutex

	mu      sync.Mutex
	control *tunnel.Tunnel
	tunnels map[int]*tunnel.Tunnel
	pinned  map[int]bool
	runner  *repeat.Runner
	stopped bool
}

// New validates opts and returns an idle connection.
func New(opts Options) (*Connection, error) {
	if opts.Name == "" {
		return nil, errors.New("connection: instance name is required")
	}
	if opts.Lookup == nil {
		return nil, fmt.Errorf("connection %s: lookup is required", opts.Name)
	}
	if opts.Forwarder == nil {
		return nil, fmt.Errorf("connection %s: forwarder is required", opts.Name)
	}
	if opts.Printer == nil {
		opts.Printer = printer.Discard
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = util.DefaultCheckIntervalSeconds * time.Second
	}
	c := &Connection{
		opts:     opts,
		interval: interval,
		tunnels:  map[int]*tunnel.Tunnel{},
		pinned:   map[int]bool{},
	}
	c.resolver = portstore.NewResolver(opts.Store, opts.User, opts.Name, c.discover)
	return c, nil
}

// Name returns the instance name.
func (c *Connection) Name() string { return c.opts.Name }

// User returns the acting user.
func (c *Connection) User() string { return c.opts.User }

// Resolver returns the connection's local port resolver.
func (c *Connection) Resolver() *portstore.Resolver { return c.resolver }

// ControlTunnel returns the current control tunnel, or nil before the first
// successful lookup.
func (c *Connection) ControlTunnel() *tunnel.Tunnel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.control
}

// ControlPort returns the local end of the control tunnel, or zero.
func (c *Connection) ControlPort() int {
	if ct := c.ControlTunnel(); ct != nil {
		return ct.LocalPort()
	}
	return 0
}

// TunnelForPort returns the per-service tunnel for remotePort, or nil.
func (c *Connection) TunnelForPort(remotePort int) *tunnel.Tunnel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tunnels[remotePort]
}

// Tunnels returns a snapshot of the per-service tunnels keyed by remote port.
func (c *Connection) Tunnels() map[int]*tunnel.Tunnel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]*tunnel.Tunnel, len(c.tunnels))
	for port, t := range c.tunnels {
		out[port] = t
	}
	return out
}

// RemotePorts returns the remote ports with a tunnel, in ascending order.
func (c *Connection) RemotePorts() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ports := make([]int, 0, len(c.tunnels))
	for port := range c.tunnels {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// IsAlive reports whether a control tunnel exists and is open.
func (c *Connection) IsAlive() bool {
	ct := c.ControlTunnel()
	return ct != nil && ct.Connected()
}

// Stopped reports whether Stop has been called.
func (c *Connection) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Start runs one reconciliation tick and, only if it succeeded, keeps
// reconciling in the background. An alive connection returns true without
// polling. When the first tick fails nothing is left running: the control
// tunnel it may have created is stopped and no loop is started.
func (c *Connection) Start(ctx context.Context) bool {
	if c.Stopped() {
		return false
	}
	if c.IsAlive() {
		return true
	}
	if !c.Poll(ctx) {
		c.abandonControl()
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runner == nil && !c.stopped {
		c.runner = repeat.New(fmt.Sprintf("connection %s %d", c.opts.Name, repeat.NextID()), c.interval, func(ctx context.Context) {
			c.Poll(ctx)
		})
		c.runner.StartDelayed()
	}
	return true
}

// abandonControl stops a control tunnel left retrying by a failed first
// tick. A connection whose loop already runs keeps it for the next tick.
func (c *Connection) abandonControl() {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	c.mu.Lock()
	if c.runner != nil {
		c.mu.Unlock()
		return
	}
	control := c.control
	c.control = nil
	c.mu.Unlock()

	if control != nil {
		control.Stop()
	}
}

// Running reports whether the background loop is active.
func (c *Connection) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runner != nil && c.runner.Running()
}

// Stop cancels the loop and stops every tunnel. Stop is idempotent.
func (c *Connection) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	runner := c.runner
	c.mu.Unlock()

	if runner != nil {
		runner.Cancel()
	}

	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	c.mu.Lock()
	control := c.control
	tunnels := c.tunnels
	c.control = nil
	c.tunnels = map[int]*tunnel.Tunnel{}
	c.pinned = map[int]bool{}
	c.mu.Unlock()

	for _, t := range tunnels {
		t.Stop()
	}
	if control != nil {
		control.Stop()
	}
}

// Poll runs one reconciliation tick. It returns false when the lookup failed
// or the control tunnel could not be opened; per-service tunnels are left
// untouched in both cases.
func (c *Connection) Poll(ctx context.Context) bool {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	return c.poll(ctx)
}

func (c *Connection) poll(ctx context.Context) bool {
	if c.Stopped() {
		return false
	}

	res := c.opts.Lookup(ctx, c.opts.Name)
	if !res.OK() {
		c.reportLookupFailure(res)
		return false
	}
	inst := res.Instance

	control, ok := c.ensureControl(ctx, inst)
	if !ok {
		return false
	}

	seen := make(map[int]bool, len(inst.Ports))
	for _, p := range inst.Ports {
		if p.RemotePort == 0 {
			slog.Debug("skipping port without remote port", "name", c.opts.Name, "label", p.Label)
			continue
		}
		seen[p.RemotePort] = true
		if c.TunnelForPort(p.RemotePort) != nil {
			continue
		}
		if c.addTunnel(ctx, control, p.Label, p.RemotePort, 0, p.Message) == 0 {
			c.opts.Printer.Print(fmt.Sprintf("Failed to start connection to %s port %s:%d", c.opts.Name, c.host(inst), p.RemotePort))
		}
	}

	c.retire(seen)
	return true
}

func (c *Connection) reportLookupFailure(res model.LookupResult) {
	switch {
	case res.Err != nil:
		slog.Warn("instance lookup failed", "name", c.opts.Name, "error", res.Err)
		c.opts.Printer.Print(fmt.Sprintf("Unable to reach the directory for %s", c.opts.Name))
	case res.StatusCode == http.StatusNotFound:
		c.opts.Printer.Print(fmt.Sprintf("Invalid instance name %s", c.opts.Name))
	default:
		slog.Warn("unexpected lookup response", "name", c.opts.Name, "status", res.StatusCode)
		c.opts.Printer.Print(fmt.Sprintf("Unexpected response %d looking up %s", res.StatusCode, c.opts.Name))
	}
}

func (c *Connection) host(inst *model.Instance) string {
	return util.DefaultString(inst.Host, c.opts.Host)
}

// ensureControl returns an open control tunnel, replacing the current one
// when it is not open. The replacement always binds to the control port of
// the latest lookup.
func (c *Connection) ensureControl(ctx context.Context, inst *model.Instance) (*tunnel.Tunnel, bool) {
	current := c.ControlTunnel()
	if current != nil && current.Connected() {
		return current, true
	}
	if current != nil {
		current.Stop()
	}

	fresh, err := tunnel.New(tunnel.Options{
		Label:      ControlLabel,
		Host:       c.host(inst),
		RemotePort: inst.SSHPort,
		LocalPort:  inst.SSHPort,
		Message:    fmt.Sprintf("Connected to SSH for %s", c.opts.Name),
		Interval:   c.interval,
		Forwarder:  c.opts.Forwarder,
		Printer:    c.opts.Printer,
	})
	if err != nil {
		slog.Warn("invalid control tunnel", "name", c.opts.Name, "ssh_port", inst.SSHPort, "error", err)
		c.mu.Lock()
		c.control = nil
		c.mu.Unlock()
		return nil, false
	}
	for _, o := range c.opts.ControlObservers {
		fresh.Subscribe(o)
	}

	c.mu.Lock()
	c.control = fresh
	c.mu.Unlock()

	if !fresh.Start(ctx) {
		slog.Debug("control tunnel not open yet", "name", c.opts.Name, "ssh_port", inst.SSHPort)
		return fresh, false
	}
	return fresh, true
}

// addTunnel creates and starts the per-service tunnel for remotePort and
// returns its local port, or zero if it is not open. A tunnel that fails its
// first poll keeps retrying on its own loop. Callers hold pollMu.
func (c *Connection) addTunnel(ctx context.Context, control *tunnel.Tunnel, label string, remotePort, localPort int, message string) int {
	if t := c.TunnelForPort(remotePort); t != nil {
		return t.LocalPort()
	}
	if localPort != 0 {
		c.resolver.Remember(remotePort, localPort)
	}

	t, err := tunnel.New(tunnel.Options{
		Label:       label,
		Host:        "localhost",
		RemotePort:  remotePort,
		LocalPort:   localPort,
		ControlPort: control.LocalPort(),
		User:        c.opts.User,
		Message:     message,
		Interval:    c.interval,
		Forwarder:   c.opts.Forwarder,
		Resolver:    c.resolver,
		Printer:     c.opts.Printer,
	})
	if err != nil {
		slog.Warn("invalid tunnel", "name", c.opts.Name, "label", label, "remote_port", remotePort, "error", err)
		return 0
	}
	for _, o := range c.opts.TunnelObservers {
		t.Subscribe(o)
	}

	c.mu.Lock()
	c.tunnels[remotePort] = t
	c.mu.Unlock()

	if !t.Start(ctx) {
		return 0
	}
	return t.LocalPort()
}

// retire stops tunnels whose remote port is no longer advertised. With
// KeepForwards, ports opened through ForwardPort are kept.
func (c *Connection) retire(seen map[int]bool) {
	c.mu.Lock()
	var gone []*tunnel.Tunnel
	for remotePort, t := range c.tunnels {
		if seen[remotePort] || c.pinned[remotePort] {
			continue
		}
		gone = append(gone, t)
		delete(c.tunnels, remotePort)
	}
	c.mu.Unlock()

	sort.Slice(gone, func(i, j int) bool { return gone[i].RemotePort() < gone[j].RemotePort() })
	for _, t := range gone {
		c.opts.Printer.Print(fmt.Sprintf("Closing tunnel to port %d (Remote port %d) as it seems to be no longer open.", t.LocalPort(), t.RemotePort()))
		t.Stop()
	}
}

// ForwardPort opens remotePort even if the directory does not advertise it
// at the moment, and returns the local port, or zero if the forward is not
// open.
//
// An existing tunnel's local port is returned as is, whatever localPort
// asks for. Otherwise one reconciliation tick runs first to establish the
// control tunnel, and the tunnel is then created directly without consulting
// the advertised ports. A non-zero localPort is remembered by the resolver;
// zero resolves one the usual way.
//
// The tunnel joins the ordinary tunnel set. Unless KeepForwards is set, the
// next tick retires it if the directory still does not advertise the port.
//
// Call sites:
//   - internal/client.Client.Forward, behind "docker-env forward" and the
//     shell's forward command;
//   - internal/cli bundle run, for entries that name a remote port.
func (c *Connection) ForwardPort(ctx context.Context, label string, remotePort, localPort int, message string) int {
	if t := c.TunnelForPort(remotePort); t != nil {
		return t.LocalPort()
	}

	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	if !c.poll(ctx) {
		c.opts.Printer.Print(fmt.Sprintf("Unable to connect to %s SSH port", c.opts.Name))
		return 0
	}
	if t := c.TunnelForPort(remotePort); t != nil {
		return t.LocalPort()
	}
	control := c.ControlTunnel()
	if control == nil {
		return 0
	}

	if c.opts.KeepForwards {
		c.mu.Lock()
		c.pinned[remotePort] = true
		c.mu.Unlock()
	}

	port := c.addTunnel(ctx, control, util.DefaultString(label, fmt.Sprintf("port %d", remotePort)), remotePort, localPort, message)
	if port == 0 {
		c.opts.Printer.Print(fmt.Sprintf("Unable to start tunnel to %s %s port=%d", c.opts.Name, label, localPort))
	}
	return port
}

// discover asks the Discoverer for a forward of remotePort through the
// current control port.
func (c *Connection) discover(ctx context.Context, remotePort int) int {
	if c.opts.Discoverer == nil {
		return 0
	}
	controlPort := c.ControlPort()
	if controlPort == 0 {
		return 0
	}
	return c.opts.Discoverer.FindExisting(ctx, controlPort, remotePort)
}
