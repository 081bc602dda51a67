// Package ssh runs a single command on a remote node over SSH.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	gssh "golang.org/x/crypto/ssh"
)

var (
	// ErrSessionUnavailable means no session could be opened: the address is
	// unreachable or no credential was accepted. Usually transient.
	ErrSessionUnavailable = errors.New("remote session unavailable")
	// ErrAuthFailed is returned by Dialer.Open when the server rejected the credential.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrCommandTimeout means the command outlived its deadline and the
	// connection was torn down.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrUnknownKey means the request named a key the user does not have.
	ErrUnknownKey = errors.New("unknown key")
)

// Credential is one way of logging in.
type Credential struct {
	User     string
	KeyID    string // empty for password logins
	Signer   gssh.Signer
	Password string
}

func (c Credential) String() string {
	if c.KeyID != "" {
		return c.User + " (key " + c.KeyID + ")"
	}
	return c.User + " (password)"
}

func (c Credential) authMethods() []gssh.AuthMethod {
	if c.Signer != nil {
		return []gssh.AuthMethod{gssh.PublicKeys(c.Signer)}
	}
	return []gssh.AuthMethod{gssh.Password(c.Password)}
}

// Session is an open command channel to one node.
type Session interface {
	// Run executes cmd and returns its exit status and combined output.
	// A non-zero exit status is not an error.
	Run(ctx context.Context, cmd string) (int, string, error)
	// Close is idempotent and safe after a failed Run.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Open(ctx context.Context, addr string, port int, cred Credential) (Session, error)
}

// NetDialer dials real SSH servers.
type NetDialer struct {
	Timeout         time.Duration
	HostKeyCallback gssh.HostKeyCallback
}

func (d NetDialer) Open(ctx context.Context, addr string, port int, cred Credential) (Session, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hostKey := d.HostKeyCallback
	if hostKey == nil {
		// Nodes are freshly provisioned; their host keys are not known ahead of time.
		hostKey = gssh.InsecureIgnoreHostKey()
	}

	target := net.JoinHostPort(addr, strconv.Itoa(port))
	nd := net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrSessionUnavailable, target, err)
	}

	conf := &gssh.ClientConfig{
		User:            cred.User,
		Auth:            cred.authMethods(),
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := gssh.NewClientConn(conn, target, conf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s as %s: %v", ErrAuthFailed, target, cred, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return &clientSession{client: gssh.NewClient(c, chans, reqs)}, nil
}

type clientSession struct {
	client *gssh.Client
	once   sync.Once
	err    error
}

func (s *clientSession) Run(ctx context.Context, cmd string) (int, string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return -1, "", fmt.Errorf("%w: new session: %v", ErrSessionUnavailable, err)
	}
	defer sess.Close()

	out := &combinedOutput{}
	sess.Stdout = out
	sess.Stderr = out

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		// Closing the client is the only way to interrupt a running command.
		_ = s.Close()
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return -1, out.String(), ErrCommandTimeout
		}
		return -1, out.String(), ctx.Err()
	case err = <-done:
	}

	if err != nil {
		var exitErr *gssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), out.String(), nil
		}
		return -1, out.String(), fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return 0, out.String(), nil
}

// combinedOutput interleaves stdout and stderr, which are copied from
// separate goroutines.
type combinedOutput struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *combinedOutput) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *combinedOutput) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (s *clientSession) Close() error {
	s.once.Do(func() { s.err = s.client.Close() })
	return s.err
}
