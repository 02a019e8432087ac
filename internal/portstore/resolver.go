package portstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
)

// PortResolver picks a local port for a remote port.
type PortResolver interface {
	Resolve(ctx context.Context, remotePort int) (int, error)
}

// DiscoverFunc reports a local port another forward already serves
// remotePort on, or zero.
type DiscoverFunc func(ctx context.Context, remotePort int) int

// FreePort asks the OS for an ephemeral loopback port. The listener is closed
// immediately, so another process may take the port before the forward binds.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate local port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Bindable reports whether port can currently be bound on loopback.
func Bindable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Ephemeral resolves without any memory: an existing forward if Discover
// finds one, otherwise a fresh port.
type Ephemeral struct {
	Discover DiscoverFunc
}

func (e Ephemeral) Resolve(ctx context.Context, remotePort int) (int, error) {
	if e.Discover != nil {
		if port := e.Discover(ctx, remotePort); port != 0 {
			return port, nil
		}
	}
	return FreePort()
}

// Resolver resolves local ports for one instance in the order: in-memory
// cache, persisted record, existing forward, fresh port. Every successful
// resolution is written back to both the cache and the record.
//
// A persisted record is reused only when its port is free to bind, or when
// Discover reports that same port as an existing forward of the remote port
// (another client process sharing the forward). Any other record is stale:
// it is deleted, a warning is logged, and a fresh port is allocated.
//
// One Resolver is shared by every tunnel of a connection. Records survive
// client restarts, so an instance's web port stays on the same local port
// across runs:
//
//	r := portstore.NewResolver(store, "dev", "box", discover)
//	port, _ := r.Resolve(ctx, 8080) // 51234, written to dev-box-8080.port
//	r.ClearCache()
//	port, _ = r.Resolve(ctx, 8080)  // 51234 again, read from the record
//
// Resolver is safe for concurrent use.
type Resolver struct {
	Store    *Store
	User     string
	Name     string
	Discover DiscoverFunc

	mu    sync.Mutex
	cache map[int]int
}

// NewResolver creates a resolver for the (user, name) pair.
func NewResolver(store *Store, user, name string, discover DiscoverFunc) *Resolver {
	return &Resolver{Store: store, User: user, Name: name, Discover: discover, cache: map[int]int{}}
}

// Cached returns the in-memory choice for remotePort, or zero.
func (r *Resolver) Cached(remotePort int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache[remotePort]
}

// Lookup returns a previously chosen port from memory or the persisted record,
// or zero. A record whose port is held by something other than a discoverable
// forward of this remote port is treated as stale and ignored.
func (r *Resolver) Lookup(ctx context.Context, remotePort int) int {
	if port := r.Cached(remotePort); port != 0 {
		return port
	}
	if r.Store == nil {
		return 0
	}
	port, err := r.Store.Load(r.User, r.Name, remotePort)
	if err != nil {
		slog.Warn("failed to read port record", "name", r.Name, "remote_port", remotePort, "error", err)
		r.forget(remotePort)
		return 0
	}
	if port == 0 {
		return 0
	}
	if !Bindable(port) {
		if r.Discover == nil || r.Discover(ctx, remotePort) != port {
			slog.Warn("ignoring stale port record", "name", r.Name, "remote_port", remotePort, "local_port", port)
			r.forget(remotePort)
			return 0
		}
	}
	r.remember(remotePort, port)
	return port
}

// Resolve returns the local port for remotePort, allocating and persisting one
// if needed.
func (r *Resolver) Resolve(ctx context.Context, remotePort int) (int, error) {
	if port := r.Lookup(ctx, remotePort); port != 0 {
		return port, nil
	}
	port, err := Ephemeral{Discover: r.Discover}.Resolve(ctx, remotePort)
	if err != nil {
		return 0, err
	}
	r.Remember(remotePort, port)
	return port, nil
}

// Remember records localPort for remotePort in memory and on disk. Persistence
// failures are logged and otherwise ignored.
func (r *Resolver) Remember(remotePort, localPort int) {
	r.remember(remotePort, localPort)
	if r.Store == nil {
		return
	}
	if err := r.Store.Save(r.User, r.Name, remotePort, localPort); err != nil {
		slog.Warn("failed to persist port record", "name", r.Name, "remote_port", remotePort, "error", err)
	}
}

// forget deletes an unusable record so later lookups do not trip over it.
func (r *Resolver) forget(remotePort int) {
	if err := r.Store.Delete(r.User, r.Name, remotePort); err != nil {
		slog.Warn("failed to remove port record", "name", r.Name, "remote_port", remotePort, "error", err)
	}
}

func (r *Resolver) remember(remotePort, localPort int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache == nil {
		r.cache = map[int]int{}
	}
	r.cache[remotePort] = localPort
}

// ClearCache drops every in-memory choice; persisted records are kept.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	r.cache = map[int]int{}
	r.mu.Unlock()
}
