// Package util provides common utility functions and constants used across the
// docker-env client. This package is intentionally kept dependency-free
// (no imports from other internal/* packages) to serve as a shared foundation
// without introducing circular dependencies.
package util

import "time"

const (
	// ProbeTimeout is the maximum time allowed for a single TCP connect probe
	// against a tunnel's local endpoint. Probes run on the tunnel's own poll
	// goroutine, so the value must stay well under the poll interval.
	ProbeTimeout = 500 * time.Millisecond

	// DefaultCheckIntervalSeconds is the poll interval for both tunnel and
	// connection loops when config.yaml has no usable value.
	DefaultCheckIntervalSeconds = 5

	// ForwardSettleWait is how long the exec forwarder waits between liveness
	// checks while a freshly spawned ssh process binds its local port.
	ForwardSettleWait = 500 * time.Millisecond

	// ForwardSettleTries bounds the number of ForwardSettleWait rounds.
	ForwardSettleTries = 10

	// ScratchSubdir is the directory under the scratch root holding port records.
	ScratchSubdir = "docker-env"
)
