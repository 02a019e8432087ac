// Package client is the top-level docker-env client: it owns the optional API
// tunnel, the directory client and one Connection per connected instance.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/treykane/docker-env/internal/appconfig"
	"github.com/treykane/docker-env/internal/connection"
	"github.com/treykane/docker-env/internal/events"
	"github.com/treykane/docker-env/internal/model"
	"github.com/treykane/docker-env/internal/portstore"
	"github.com/treykane/docker-env/internal/printer"
	"github.com/treykane/docker-env/internal/sshclient"
	"github.com/treykane/docker-env/internal/sshconfig"
	"github.com/treykane/docker-env/internal/tunnel"
	"github.com/treykane/docker-env/internal/util"
)

// ErrNotFound is returned for instances the directory does not know.
var ErrNotFound = errors.New("instance not found")

// listConcurrency bounds parallel detail lookups in List.
const listConcurrency = 4

// Directory is the subset of the directory service the client uses.
type Directory interface {
	GetInstance(ctx context.Context, user, name string) model.LookupResult
	ListInstances(ctx context.Context, user string) ([]model.Instance, error)
	Health(ctx context.Context) (map[string]any, error)
}

// SessionFunc runs an interactive shell against target until it ends.
type SessionFunc func(ctx context.Context, target sshclient.Target) error

// Options wires the client's collaborators.
type Options struct {
	Config    appconfig.Config
	User      string
	Directory Directory
	Forwarder sshclient.Forwarder
	// Discoverer finds forwards of other client processes. Optional.
	Discoverer sshclient.Discoverer
	Session    SessionFunc
	// Store persists local port choices. Nil keeps them in memory.
	Store *portstore.Store
	// SSHConfig maintains "ssh <name>" entries. Nil disables them.
	SSHConfig *sshconfig.Writer
	// Events journals lifecycle events. Nil disables the journal.
	Events  *events.Store
	Printer printer.Printer
	// KeepForwards keeps ports opened through Forward up after the
	// directory stops advertising them.
	KeepForwards bool
}

// Client manages connections to named instances for one user.
type Client struct {
	opts Options

	mu          sync.Mutex
	apiTunnel   *tunnel.Tunnel
	connections map[string]*connection.Connection
}

// New returns a client. Directory and Forwarder are required.
func New(opts Options) (*Client, error) {
	if opts.Directory == nil {
		return nil, errors.New("client: directory is required")
	}
	if opts.Forwarder == nil {
		return nil, errors.New("client: forwarder is required")
	}
	if opts.User == "" {
		opts.User = opts.Config.EffectiveUser()
	}
	if opts.Printer == nil {
		opts.Printer = printer.Discard
	}
	return &Client{opts: opts, connections: map[string]*connection.Connection{}}, nil
}

// User returns the acting user.
func (c *Client) User() string { return c.opts.User }

// Init opens the API tunnel when api.tunnel is enabled. The tunnel keeps
// retrying in the background if the first attempt fails.
func (c *Client) Init(ctx context.Context) error {
	api := c.opts.Config.API
	if !api.Tunnel {
		return nil
	}
	t, err := tunnel.New(tunnel.Options{
		Label:      "API",
		Host:       api.Host,
		RemotePort: api.RemotePort,
		LocalPort:  api.Port,
		Interval:   c.opts.Config.CheckInterval(),
		Forwarder:  c.opts.Forwarder,
		Printer:    c.opts.Printer,
	})
	if err != nil {
		return fmt.Errorf("api tunnel: %w", err)
	}
	c.mu.Lock()
	c.apiTunnel = t
	c.mu.Unlock()
	if !t.Start(ctx) {
		return fmt.Errorf("unable to connect to API host %s on port %d", api.Host, api.Port)
	}
	return nil
}

// Health calls the directory health endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.opts.Directory.Health(ctx)
	return err
}

func (c *Client) lookup(ctx context.Context, name string) model.LookupResult {
	return c.opts.Directory.GetInstance(ctx, c.opts.User, name)
}

func (c *Client) instance(ctx context.Context, name string) (*model.Instance, error) {
	res := c.lookup(ctx, name)
	switch {
	case res.Err != nil:
		return nil, res.Err
	case res.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	case !res.OK():
		return nil, fmt.Errorf("unexpected response %d for %s", res.StatusCode, name)
	}
	return res.Instance, nil
}

// Connection returns the connection for name, or nil.
func (c *Client) Connection(name string) *connection.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections[name]
}

// Connected returns the names of connected instances in order.
func (c *Client) Connected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.connections))
	for name := range c.connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connect establishes the control tunnel and every advertised port of name
// and keeps them reconciled in the background.
func (c *Client) Connect(ctx context.Context, name string) error {
	if err := sshconfig.ValidateName(name); err != nil {
		return err
	}
	inst, err := c.instance(ctx, name)
	if err != nil {
		return fmt.Errorf("can not find running instance %s: %w", name, err)
	}

	conn := c.Connection(name)
	created := conn == nil
	if created {
		conn, err = c.newConnection(name, util.DefaultString(inst.Host, c.opts.Config.API.Host))
		if err != nil {
			return err
		}
	}

	if !conn.Start(ctx) {
		if created {
			conn.Stop()
		}
		c.journal(events.Event{Instance: name, EventType: events.TypeConnectFailed, RemotePort: inst.SSHPort})
		return fmt.Errorf("instance %s is not ready for connections (status=%s)", name, util.EmptyDash(inst.Status))
	}
	if created {
		c.mu.Lock()
		c.connections[name] = conn
		c.mu.Unlock()
	}
	c.journal(events.Event{Instance: name, EventType: events.TypeConnectSucceeded, LocalPort: conn.ControlPort(), RemotePort: inst.SSHPort})
	c.opts.Printer.Print(fmt.Sprintf("Successfully connected to %s", name))
	c.opts.Printer.Print(fmt.Sprintf("** Access %s by running \"ssh %s\" at this prompt or on your command line. **", name, name))
	return nil
}

func (c *Client) newConnection(name, host string) (*connection.Connection, error) {
	var conn *connection.Connection
	var control, perPort []tunnel.Observer
	if c.opts.SSHConfig != nil {
		control = append(control, &sshconfig.Observer{
			Writer: c.opts.SSHConfig,
			Name:   name,
			User:   c.opts.User,
			Port:   func() int { return conn.ControlPort() },
		})
	}
	if c.opts.Events != nil {
		obs := &events.Observer{Store: c.opts.Events, Instance: name}
		control = append(control, obs)
		perPort = append(perPort, obs)
	}

	conn, err := connection.New(connection.Options{
		Host:             host,
		User:             c.opts.User,
		Name:             name,
		Lookup:           c.lookup,
		Forwarder:        c.opts.Forwarder,
		Discoverer:       c.opts.Discoverer,
		Store:            c.opts.Store,
		Interval:         c.opts.Config.CheckInterval(),
		Printer:          c.opts.Printer,
		ControlObservers: control,
		TunnelObservers:  perPort,
		KeepForwards:     c.opts.KeepForwards,
	})
	return conn, err
}

// Disconnect stops every tunnel of name. It reports whether a connection
// existed; unless quiet, a missing connection is announced.
func (c *Client) Disconnect(name string, quiet bool) bool {
	c.mu.Lock()
	conn := c.connections[name]
	delete(c.connections, name)
	c.mu.Unlock()

	if conn == nil {
		if !quiet {
			c.opts.Printer.Print(fmt.Sprintf("No connection exists for %s", name))
		}
		return false
	}
	conn.Stop()
	c.journal(events.Event{Instance: name, EventType: events.TypeDisconnected})
	c.opts.Printer.Print(fmt.Sprintf("Disconnected from %s", name))
	return true
}

// Forward opens remotePort of name on localPort (zero resolves one),
// connecting first if needed, and returns the local port.
func (c *Client) Forward(ctx context.Context, name, label string, remotePort, localPort int) (int, error) {
	if err := util.ValidatePort(remotePort); err != nil {
		return 0, fmt.Errorf("invalid remote port: %w", err)
	}
	if localPort != 0 {
		if err := util.ValidatePort(localPort); err != nil {
			return 0, fmt.Errorf("invalid local port: %w", err)
		}
	}
	conn := c.Connection(name)
	if conn == nil {
		if err := c.Connect(ctx, name); err != nil {
			return 0, fmt.Errorf("unable to connect to %s: %w", name, err)
		}
		conn = c.Connection(name)
	}
	port := conn.ForwardPort(ctx, label, remotePort, localPort, "")
	if port == 0 {
		return 0, fmt.Errorf("unable to forward %s port %d", name, remotePort)
	}
	c.journal(events.Event{Instance: name, Label: label, EventType: events.TypeForward, LocalPort: port, RemotePort: remotePort})
	return port, nil
}

// PortView is one advertised port with its local mapping.
type PortView struct {
	Label      string `json:"label"`
	RemotePort int    `json:"remote_port"`
	// LocalPort is zero when the port is not forwarded by this client.
	LocalPort int    `json:"local_port,omitempty"`
	Status    string `json:"status,omitempty"`
}

// InstanceView is an instance as seen through this client.
type InstanceView struct {
	Instance  model.Instance `json:"instance"`
	Connected bool           `json:"connected"`
	Ports     []PortView     `json:"ports"`
}

// Get returns the instance with the local port and status of every
// advertised port when it is connected. Forwarded ports are probed first so
// the status reflects the port now rather than at the last tick.
func (c *Client) Get(ctx context.Context, name string) (*InstanceView, error) {
	inst, err := c.instance(ctx, name)
	if err != nil {
		return nil, err
	}
	conn := c.Connection(name)
	view := &InstanceView{Instance: *inst, Connected: conn != nil}
	for _, p := range inst.Ports {
		pv := PortView{Label: p.Label, RemotePort: p.RemotePort}
		if conn != nil {
			if t := conn.TunnelForPort(p.RemotePort); t != nil {
				t.Refresh(ctx)
				pv.LocalPort = t.LocalPort()
				pv.Status = t.StatusMessage()
			}
		}
		view.Ports = append(view.Ports, pv)
	}
	return view, nil
}

// ListEntry is one row of List.
type ListEntry struct {
	Instance  model.Instance `json:"instance"`
	Connected bool           `json:"connected"`
}

// List returns the user's instances. Entries the list endpoint returns
// without ports are completed with a detail lookup, in parallel.
func (c *Client) List(ctx context.Context) ([]ListEntry, error) {
	list, err := c.opts.Directory.ListInstances(ctx, c.opts.User)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i := range list {
		if len(list[i].Ports) > 0 || list[i].Name == "" {
			continue
		}
		i := i
		g.Go(func() error {
			res := c.lookup(gctx, list[i].Name)
			if res.OK() {
				list[i].Ports = res.Instance.Ports
			} else {
				slog.Debug("instance detail unavailable", "name", list[i].Name, "status", res.StatusCode, "error", res.Err)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]ListEntry, 0, len(list))
	for _, inst := range list {
		out = append(out, ListEntry{Instance: inst, Connected: c.Connection(inst.Name) != nil})
	}
	return out, nil
}

type sessionPrinter interface {
	SetInSession(bool)
}

// SSH opens an interactive shell on name through its control tunnel,
// connecting first if needed.
func (c *Client) SSH(ctx context.Context, name string) error {
	if _, err := c.instance(ctx, name); err != nil {
		return fmt.Errorf("failed to get instance, does it exist? %w", err)
	}
	if c.Connection(name) == nil {
		if err := c.Connect(ctx, name); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", name, err)
		}
	}
	port := c.Connection(name).ControlPort()
	if !util.PortOpen("", port, util.ProbeTimeout) {
		return fmt.Errorf("SSH port is not open, run `docker-env connect %s` first", name)
	}
	if c.opts.Session == nil {
		return errors.New("interactive sessions are not available")
	}

	target := sshclient.Target{Host: "localhost", Port: port, User: c.opts.User}
	c.opts.Printer.Print("ssh " + target.String())
	if sp, ok := c.opts.Printer.(sessionPrinter); ok {
		sp.SetInSession(true)
		defer sp.SetInSession(false)
	}
	return c.opts.Session(ctx, target)
}

// Shutdown stops every connection and the API tunnel.
func (c *Client) Shutdown() {
	c.mu.Lock()
	conns := c.connections
	c.connections = map[string]*connection.Connection{}
	api := c.apiTunnel
	c.apiTunnel = nil
	c.mu.Unlock()

	var g errgroup.Group
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			conn.Stop()
			return nil
		})
	}
	_ = g.Wait()
	if api != nil {
		api.Stop()
	}
}

func (c *Client) journal(evt events.Event) {
	if c.opts.Events == nil {
		return
	}
	if err := c.opts.Events.Append(evt); err != nil {
		slog.Warn("failed to append event", "instance", evt.Instance, "error", err)
	}
}
