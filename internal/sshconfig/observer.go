package sshconfig

import (
	"log/slog"

	"github.com/treykane/docker-env/internal/model"
)

// Observer keeps an instance's stanza in step with its control tunnel:
// written on connect, removed on disconnect.
type Observer struct {
	Writer *Writer
	Name   string
	User   string
	// Port returns the local end of the control tunnel at event time.
	Port func() int
}

func (o *Observer) TunnelEvent(_ string, ev model.TunnelEvent) {
	switch ev {
	case model.EventConnected:
		port := 0
		if o.Port != nil {
			port = o.Port()
		}
		if err := o.Writer.Ensure(Stanza{Name: o.Name, Port: port, User: o.User}); err != nil {
			slog.Warn("failed to write ssh config entry", "name", o.Name, "error", err)
		}
	case model.EventDisconnected:
		if err := o.Writer.Remove(o.Name); err != nil {
			slog.Warn("failed to remove ssh config entry", "name", o.Name, "error", err)
		}
	}
}
