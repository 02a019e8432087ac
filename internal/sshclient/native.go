package sshclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// NativeForwarder carries forwards over an in-process ssh connection.
type NativeForwarder struct {
	// IdentityFile is an optional private key used for public key auth.
	IdentityFile string
	// KnownHostsFile enables host key verification. When empty host keys
	// are not checked; forwards relayed through a control tunnel always
	// terminate on localhost.
	KnownHostsFile string
	// UseAgent adds keys from $SSH_AUTH_SOCK.
	UseAgent bool
	// DialTimeout bounds the ssh handshake. Zero means 10 seconds.
	DialTimeout time.Duration
}

// clientConfig builds the ssh client configuration for user. The returned
// release func closes the agent connection, if one was opened, and must be
// called once the handshake is over; signers are only needed during auth.
func (n *NativeForwarder) clientConfig(user string) (*ssh.ClientConfig, func(), error) {
	release := func() {}
	var auth []ssh.AuthMethod
	if n.IdentityFile != "" {
		b, err := os.ReadFile(n.IdentityFile)
		if err != nil {
			return nil, release, fmt.Errorf("read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(b)
		if err != nil {
			return nil, release, fmt.Errorf("parse identity file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if n.KnownHostsFile != "" {
		cb, err := knownhosts.New(n.KnownHostsFile)
		if err != nil {
			return nil, release, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	}

	if n.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
				release = func() { _ = conn.Close() }
			} else {
				slog.Debug("ssh agent unavailable", "error", err)
			}
		}
	}

	timeout := n.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, release, nil
}

// Forward dials the target, binds 127.0.0.1:localPort and relays every accepted
// connection to localhost:remotePort on the far side.
func (n *NativeForwarder) Forward(ctx context.Context, target Target, remotePort, localPort int) (Handle, error) {
	if localPort == 0 {
		localPort = remotePort
	}
	cfg, release, err := n.clientConfig(target.User)
	defer release()
	if err != nil {
		return nil, err
	}
	port := target.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(port))

	d := net.Dialer{Timeout: cfg.Timeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sc, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sc, chans, reqs)

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort)))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bind local port %d: %w", localPort, err)
	}

	fwd := &nativeForward{
		client: client,
		ln:     ln,
		remote: net.JoinHostPort("localhost", strconv.Itoa(remotePort)),
		closed: make(chan struct{}),
	}
	go func() {
		_ = client.Wait()
		fwd.close()
	}()
	go fwd.acceptLoop()
	return fwd, nil
}

type nativeForward struct {
	client *ssh.Client
	ln     net.Listener
	remote string

	once   sync.Once
	closed chan struct{}
	conns  sync.WaitGroup
}

func (f *nativeForward) Alive() bool {
	select {
	case <-f.closed:
		return false
	default:
		return true
	}
}

func (f *nativeForward) Kill() bool {
	if !f.Alive() {
		return false
	}
	f.close()
	f.conns.Wait()
	return true
}

func (f *nativeForward) close() {
	f.once.Do(func() {
		close(f.closed)
		_ = f.ln.Close()
		_ = f.client.Close()
	})
}

func (f *nativeForward) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Debug("native forward accept failed", "remote", f.remote, "error", err)
			}
			f.close()
			return
		}
		f.conns.Add(1)
		go f.relay(conn)
	}
}

func (f *nativeForward) relay(local net.Conn) {
	defer f.conns.Done()
	defer local.Close()

	remote, err := f.client.Dial("tcp", f.remote)
	if err != nil {
		slog.Debug("native forward dial failed", "remote", f.remote, "error", err)
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(local, remote)
		done <- struct{}{}
	}()
	select {
	case <-done:
	case <-f.closed:
	}
}
