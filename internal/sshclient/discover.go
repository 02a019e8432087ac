package sshclient

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// ListProcesses returns "pid command line" rows for running ssh processes.
// Replaced in tests.
var ListProcesses = func(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, "pgrep", pgrepArgs(runtime.GOOS)...).Output()
}

// pgrepArgs selects the flags that print full command lines. procps-ng
// pgrep on Linux prints only the process name for -l and needs -a; the BSD
// pgrep shipped with macOS has no -a.
func pgrepArgs(goos string) []string {
	if goos == "linux" {
		return []string{"-af", "ssh"}
	}
	return []string{"-fl", "ssh"}
}

// FindExisting looks for an ssh process, typically started by another client
// instance, that already forwards remotePort through controlPort. It returns
// the local port of that forward or zero.
func (c *Client) FindExisting(ctx context.Context, controlPort, remotePort int) int {
	out, err := ListProcesses(ctx)
	if err != nil {
		return 0
	}
	return ParseExisting(out, controlPort, remotePort)
}

// ParseExisting scans process listing output for a "-NL <local>:localhost:<remote>"
// forward. When controlPort is non-zero the row must also mention it, so a
// forward of the same remote port through a different control tunnel is not
// mistaken for ours.
func ParseExisting(out []byte, controlPort, remotePort int) int {
	re := regexp.MustCompile(fmt.Sprintf(`(\d+):localhost:%d\b`, remotePort))
	for _, line := range strings.Split(string(out), "\n") {
		if controlPort > 0 && !containsField(line, strconv.Itoa(controlPort)) {
			continue
		}
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil || port == 0 {
			continue
		}
		return port
	}
	return 0
}

func containsField(line, field string) bool {
	for _, f := range strings.Fields(line) {
		if f == field {
			return true
		}
	}
	return false
}
