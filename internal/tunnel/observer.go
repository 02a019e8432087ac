package tunnel

import "github.com/treykane/docker-env/internal/model"

// Observer receives lifecycle transitions of a tunnel. Calls are synchronous
// on the tunnel's polling goroutine.
type Observer interface {
	TunnelEvent(label string, ev model.TunnelEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(label string, ev model.TunnelEvent)

func (f ObserverFunc) TunnelEvent(label string, ev model.TunnelEvent) { f(label, ev) }
