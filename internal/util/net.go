package util

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// NormalizeAddr returns the provided address if it is non-empty (after trimming
// whitespace), or the fallback value if the address is empty or whitespace-only.
//
// Used for ssh destinations and probe hosts, where an empty host means the
// loopback interface:
//
//	NormalizeAddr("",         "localhost") → "localhost"
//	NormalizeAddr("10.0.0.1", "localhost") → "10.0.0.1"
func NormalizeAddr(addr, fallback string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fallback
	}
	return addr
}

// PortOpen reports whether a TCP connect to host:port succeeds within timeout.
func PortOpen(host string, port int, timeout time.Duration) bool {
	if port <= 0 {
		return false
	}
	addr := net.JoinHostPort(NormalizeAddr(host, "127.0.0.1"), strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
