package sshclient

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// startSSHServer runs a minimal ssh server that only accepts direct-tcpip
// channels and dials them on the loopback interface.
func startSSHServer(t *testing.T) int {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, cfg)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func serveSSH(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			_ = nc.Reject(ssh.UnknownChannelType, "only direct-tcpip")
			continue
		}
		var payload struct {
			DestAddr string
			DestPort uint32
			OrigAddr string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(nc.ExtraData(), &payload); err != nil {
			_ = nc.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		dest, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(payload.DestPort))))
		if err != nil {
			_ = nc.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		ch, creqs, err := nc.Accept()
		if err != nil {
			_ = dest.Close()
			continue
		}
		go ssh.DiscardRequests(creqs)
		go func() {
			defer ch.Close()
			defer dest.Close()
			go func() { _, _ = io.Copy(dest, ch) }()
			_, _ = io.Copy(ch, dest)
		}()
	}
}

// startEcho listens on loopback and echoes one line per connection.
func startEcho(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func freeLocalPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestNativeForwarderRelaysTraffic(t *testing.T) {
	sshPort := startSSHServer(t)
	echoPort := startEcho(t)
	local := freeLocalPort(t)

	f := &NativeForwarder{DialTimeout: 2 * time.Second}
	h, err := f.Forward(context.Background(), Target{Host: "127.0.0.1", Port: sshPort, User: "dev"}, echoPort, local)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Kill()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(local)), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping\n" {
		t.Fatalf("unexpected echo %q", buf)
	}
}

func TestNativeForwarderKill(t *testing.T) {
	sshPort := startSSHServer(t)
	local := freeLocalPort(t)

	f := &NativeForwarder{}
	h, err := f.Forward(context.Background(), Target{Host: "127.0.0.1", Port: sshPort}, 9, local)
	if err != nil {
		t.Fatal(err)
	}
	if !h.Alive() {
		t.Fatal("expected live forward")
	}
	if !h.Kill() {
		t.Fatal("expected kill to terminate forward")
	}
	if h.Alive() || h.Kill() {
		t.Fatal("expected forward to stay dead")
	}
	if _, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(local)), 200*time.Millisecond); err == nil {
		t.Fatal("expected local listener to be closed")
	}
}

func TestNativeForwarderDialFailure(t *testing.T) {
	f := &NativeForwarder{DialTimeout: 200 * time.Millisecond}
	if _, err := f.Forward(context.Background(), Target{Host: "127.0.0.1", Port: freeLocalPort(t)}, 80, 0); err == nil {
		t.Fatal("expected dial error")
	}
}

// startAgentSocket listens on a unix socket standing in for ssh-agent and
// counts connections that are still open.
func startAgentSocket(t *testing.T) (accepted, open *atomic.Int32) {
	t.Helper()
	dir, err := os.MkdirTemp("", "agent")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	t.Setenv("SSH_AUTH_SOCK", sock)

	accepted, open = new(atomic.Int32), new(atomic.Int32)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			open.Add(1)
			go func() {
				defer open.Add(-1)
				defer c.Close()
				_, _ = io.Copy(io.Discard, c)
			}()
		}
	}()
	return accepted, open
}

func TestNativeForwarderReleasesAgentConnection(t *testing.T) {
	accepted, open := startAgentSocket(t)
	sshPort := startSSHServer(t)
	closed := freeLocalPort(t)

	f := &NativeForwarder{UseAgent: true, DialTimeout: 200 * time.Millisecond}
	for i := 0; i < 5; i++ {
		if _, err := f.Forward(context.Background(), Target{Host: "127.0.0.1", Port: closed}, 80, 0); err == nil {
			t.Fatal("expected dial error")
		}
	}
	h, err := f.Forward(context.Background(), Target{Host: "127.0.0.1", Port: sshPort, User: "dev"}, 9, freeLocalPort(t))
	if err != nil {
		t.Fatal(err)
	}
	defer h.Kill()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && (accepted.Load() < 6 || open.Load() != 0) {
		time.Sleep(5 * time.Millisecond)
	}
	if accepted.Load() != 6 || open.Load() != 0 {
		t.Fatalf("expected 6 agent connections all closed, accepted %d, still open %d", accepted.Load(), open.Load())
	}
}
