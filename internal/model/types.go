package model

import (
	"strconv"
	"strings"
)

// LocalPortPlaceholder is replaced with the resolved local port in port
// status message templates.
const LocalPortPlaceholder = "LOCAL_PORT"

// PortInfo describes one service port advertised by an instance.
type PortInfo struct {
	Label      string `json:"label"`
	Message    string `json:"message,omitempty"`
	Port       int    `json:"port,omitempty"`
	RemotePort int    `json:"remote_port"`
}

// RenderMessage substitutes localPort into the message template.
func (p PortInfo) RenderMessage(localPort int) string {
	return RenderMessage(p.Message, localPort)
}

// RenderMessage substitutes localPort for every LOCAL_PORT placeholder in tmpl.
func RenderMessage(tmpl string, localPort int) string {
	return strings.ReplaceAll(tmpl, LocalPortPlaceholder, strconv.Itoa(localPort))
}

// Instance is a remote target as reported by the directory service.
type Instance struct {
	Name    string     `json:"name"`
	User    string     `json:"user"`
	Status  string     `json:"status"`
	SSHPort int        `json:"ssh_port"`
	Host    string     `json:"host,omitempty"`
	Ports   []PortInfo `json:"ports,omitempty"`
}

// LookupResult is the outcome of one directory lookup. StatusCode follows
// HTTP semantics; Instance is only set when StatusCode is 200.
type LookupResult struct {
	StatusCode int
	Instance   *Instance
	Err        error
}

// OK reports whether the lookup succeeded and carries an instance.
func (r LookupResult) OK() bool {
	return r.Err == nil && r.StatusCode == 200 && r.Instance != nil
}

// TunnelEvent is a lifecycle transition raised by a tunnel.
type TunnelEvent string

const (
	EventConnected    TunnelEvent = "connected"
	EventDisconnected TunnelEvent = "disconnected"
)

// TunnelState is the position of a tunnel in its poll state machine.
type TunnelState string

const (
	TunnelInit     TunnelState = "init"
	TunnelProbing  TunnelState = "probing"
	TunnelOpen     TunnelState = "open"
	TunnelRetrying TunnelState = "retrying"
	TunnelStopped  TunnelState = "stopped"
)
