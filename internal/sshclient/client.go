// Package sshclient provides the forwarding mechanism behind every tunnel and
// the interactive shell used by "docker-env ssh".
//
// Two forwarders are available:
//
//   - Client shells out to the system "ssh" binary with -N (no remote command)
//     and -L (local forwarding). It inherits the user's full OpenSSH
//     configuration (keys, agents, ProxyJump chains) without reimplementing
//     any of it, and its processes are visible to other client instances via
//     FindExisting.
//
//   - NativeForwarder dials the target with golang.org/x/crypto/ssh and
//     serves the local listener in-process. It needs no ssh binary but only
//     knows about the keys it is configured with.
//
// Security note: all ssh arguments are passed via exec.Command's argv (not via
// shell interpolation), which prevents injection from instance names or port
// descriptors that contain shell metacharacters.
package sshclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/creack/pty"

	"github.com/treykane/docker-env/internal/util"
)

// Process is a running "ssh -NL" forward.
//
// The exit of the underlying process is observed by a goroutine started in
// Forward, so Alive never blocks. Stderr output is retained so a failed
// forward can report why ssh gave up.
type Process struct {
	Cmd *exec.Cmd

	exited chan struct{}
	stderr *tailBuffer
	err    error
}

// Alive reports whether the ssh process has not yet exited.
func (p *Process) Alive() bool {
	if p == nil || p.Cmd == nil || p.Cmd.Process == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Kill terminates the ssh process if it is still running and waits for it
// to be reaped.
func (p *Process) Kill() bool {
	if !p.Alive() {
		return false
	}
	if err := p.Cmd.Process.Kill(); err != nil {
		return false
	}
	<-p.exited
	return true
}

// Stderr returns what the process has written to stderr so far.
func (p *Process) Stderr() string {
	if p == nil || p.stderr == nil {
		return ""
	}
	return p.stderr.String()
}

// Client creates ssh processes.
//
// Client is stateless and safe for concurrent use: each call creates an
// independent exec.Cmd. The zero value is ready to use; Binary defaults to
// "ssh" and the settle parameters to util.ForwardSettleWait/Tries.
type Client struct {
	Binary      string
	SettleWait  time.Duration
	SettleTries int
}

// New creates a new ssh client using the system binary.
func New() *Client { return &Client{} }

func (c *Client) binary() string {
	return util.DefaultString(c.Binary, "ssh")
}

// EnsureSSHBinary checks that the "ssh" binary is available on the system PATH.
func EnsureSSHBinary() error {
	_, err := exec.LookPath("ssh")
	if err != nil {
		return fmt.Errorf("ssh binary not found in PATH")
	}
	return nil
}

// BuildForwardArgs constructs the ssh arguments for a forward without starting
// a process:
//
//	ssh [-p <port>] -NL <localPort>:localhost:<remotePort> [user@]host
//
// A zero localPort forwards to the same port number locally.
func (c *Client) BuildForwardArgs(target Target, remotePort, localPort int) []string {
	if localPort == 0 {
		localPort = remotePort
	}
	var args []string
	if target.Port > 0 {
		args = append(args, "-p", strconv.Itoa(target.Port))
	}
	args = append(args,
		"-NL", fmt.Sprintf("%d:localhost:%d", localPort, remotePort),
		target.Destination(),
	)
	return args
}

// BuildSessionArgs constructs the ssh arguments for an interactive shell with
// agent forwarding.
func (c *Client) BuildSessionArgs(target Target) []string {
	var args []string
	if target.Port > 0 {
		args = append(args, "-p", strconv.Itoa(target.Port))
	}
	return append(args, "-A", target.Destination())
}

// Forward starts "ssh -NL" in the background and waits for it to settle.
//
// After starting the process Forward polls up to SettleTries times, every
// SettleWait, until either the local port accepts connections (success) or the
// process exits (failure, reported with its stderr). If neither happens ssh
// is still negotiating; the live handle is returned and the tunnel's next
// probe decides.
//
// The process is not bound to ctx: a forward outlives the tick that created
// it and is torn down through Kill.
func (c *Client) Forward(ctx context.Context, target Target, remotePort, localPort int) (Handle, error) {
	if err := util.ValidatePort(remotePort); err != nil {
		return nil, fmt.Errorf("invalid remote port: %w", err)
	}
	args := c.BuildForwardArgs(target, remotePort, localPort)
	if localPort == 0 {
		localPort = remotePort
	}

	cmd := exec.Command(c.binary(), args...)
	stderr := &tailBuffer{max: 4096}
	cmd.Stdin = nil
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ssh forward: %w", err)
	}

	proc := &Process{Cmd: cmd, exited: make(chan struct{}), stderr: stderr}
	go func() {
		proc.err = cmd.Wait()
		close(proc.exited)
	}()

	wait := c.SettleWait
	if wait <= 0 {
		wait = util.ForwardSettleWait
	}
	tries := c.SettleTries
	if tries <= 0 {
		tries = util.ForwardSettleTries
	}
	for i := 0; i < tries; i++ {
		select {
		case <-ctx.Done():
			proc.Kill()
			return nil, ctx.Err()
		case <-proc.exited:
			return nil, fmt.Errorf("ssh forward %d->%d via %s exited: %s",
				localPort, remotePort, target, util.DefaultString(strings.TrimSpace(proc.Stderr()), exitText(proc.err)))
		case <-time.After(wait):
		}
		if util.PortOpen("", localPort, util.ProbeTimeout) {
			return proc, nil
		}
	}
	return proc, nil
}

func exitText(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// RunInteractive starts an interactive ssh session in a pseudo-terminal.
//
// The session has agent forwarding enabled so git and nested ssh work inside
// the instance. While it runs, the local terminal is in raw mode and its size
// is mirrored onto the pty. The call blocks until the session ends;
// cancelling ctx kills the ssh process.
func (c *Client) RunInteractive(ctx context.Context, target Target) error {
	cmd := exec.Command(c.binary(), c.BuildSessionArgs(target)...)

	f, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start ssh session: %w", err)
	}
	defer f.Close()

	if term.IsTerminal(os.Stdin.Fd()) {
		_ = pty.InheritSize(os.Stdin, f)
		if state, err := term.MakeRaw(os.Stdin.Fd()); err == nil {
			defer func() { _ = term.Restore(os.Stdin.Fd(), state) }()
		}
	}

	go func() {
		_, _ = io.Copy(f, os.Stdin)
	}()
	go func() {
		<-ctx.Done()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}()

	_, _ = io.Copy(os.Stdout, f)
	return cmd.Wait()
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, _ := b.buf.Write(p)
	if over := b.buf.Len() - b.max; b.max > 0 && over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
