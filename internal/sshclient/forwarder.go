package sshclient

import (
	"context"
	"fmt"
)

// Target identifies the ssh endpoint a forward is carried through.
//
// For a control tunnel Host is the jump host and Port is usually zero (the
// ssh default). For per-service tunnels Host is "localhost" and Port is the
// local end of the control tunnel, so the forward relays through it.
type Target struct {
	Host string
	Port int
	User string
}

// Destination renders the ssh destination argument ([user@]host).
func (t Target) Destination() string {
	host := t.Host
	if host == "" {
		host = "localhost"
	}
	if t.User != "" {
		return t.User + "@" + host
	}
	return host
}

func (t Target) String() string {
	if t.Port > 0 {
		return fmt.Sprintf("%s:%d", t.Destination(), t.Port)
	}
	return t.Destination()
}

// Handle is one attempted forward. It is owned by exactly one tunnel.
type Handle interface {
	// Alive reports whether the forward is still running.
	Alive() bool
	// Kill tears the forward down. It returns true if a live forward was
	// terminated and false if it had already exited.
	Kill() bool
}

// Forwarder realizes a TCP forward from localPort to remotePort on the
// target's loopback interface.
//
// Forward may block briefly while the forward establishes. A returned error
// means no live handle exists; a returned handle may still die later.
type Forwarder interface {
	Forward(ctx context.Context, target Target, remotePort, localPort int) (Handle, error)
}

// Discoverer finds a local port already forwarding remotePort through the
// control port, typically owned by another client process. Zero means none.
type Discoverer interface {
	FindExisting(ctx context.Context, controlPort, remotePort int) int
}

// ForwarderFunc adapts a function to the Forwarder interface.
type ForwarderFunc func(ctx context.Context, target Target, remotePort, localPort int) (Handle, error)

func (f ForwarderFunc) Forward(ctx context.Context, target Target, remotePort, localPort int) (Handle, error) {
	return f(ctx, target, remotePort, localPort)
}
