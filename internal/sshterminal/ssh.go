package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/webterm/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

const (
	// ptyTerm is the terminal type requested for every SSH shell.
	ptyTerm = "xterm"

	initialCols = 80
	initialRows = 24

	// feedBufferSize is the read size of the stdout/stderr feeders.
	feedBufferSize = 32 * 1024
	// maxReceiveSize caps how much queued output one Receive coalesces.
	maxReceiveSize = 64 * 1024
)

// SSHConn is an interactive shell over SSH with a pseudo-terminal.
type SSHConn struct {
	target Target
	opts   ConnOptions

	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	// out receives stdout and stderr chunks from the feeders. It is closed
	// once both feeders have hit EOF.
	out  chan []byte
	done chan struct{}

	connected atomic.Bool
	closeOnce sync.Once
}

// NewSSHConn returns an unconnected SSH connection to t.
func NewSSHConn(t Target, opts ConnOptions) *SSHConn {
	return &SSHConn{
		target: t,
		opts:   opts,
		done:   make(chan struct{}),
	}
}

func (c *SSHConn) Protocol() Protocol { return ProtocolSSH }

func (c *SSHConn) Connected() bool { return c.connected.Load() }

// Connect dials, authenticates with the password (also answering
// keyboard-interactive prompts with it), requests an xterm PTY at 80x24 and
// starts the login shell. The connect timeout bounds both dial and handshake.
func (c *SSHConn) Connect(ctx context.Context) error {
	addr := c.target.Addr()
	timeout := c.opts.connectTimeout()

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classifyDialError(ProtocolSSH, addr, err)
	}

	// Abort a stuck handshake when the caller gives up.
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	defer stop()
	netConn.SetDeadline(time.Now().Add(timeout))

	hostKeyCallback := c.opts.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	password := c.target.Password
	cfg := &ssh.ClientConfig{
		User: c.target.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return c.handshakeError(addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	if err := c.startShell(client); err != nil {
		client.Close()
		return classifyDialError(ProtocolSSH, addr, err)
	}
	netConn.SetDeadline(time.Time{})
	c.client = client
	c.connected.Store(true)
	return nil
}

func (c *SSHConn) startShell(client *ssh.Client) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(ptyTerm, initialRows, initialCols, modes); err != nil {
		session.Close()
		return fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return fmt.Errorf("start shell: %w", err)
	}

	c.session = session
	c.stdin = stdin
	c.out = make(chan []byte, 64)

	var feeders sync.WaitGroup
	feeders.Add(2)
	go c.feed(stdout, &feeders)
	go c.feed(stderr, &feeders)
	go func() {
		feeders.Wait()
		close(c.out)
	}()
	return nil
}

func (c *SSHConn) handshakeError(addr string, err error) error {
	ce := classifyDialError(ProtocolSSH, addr, err)
	var hkErr *sshkeys.HostKeyError
	switch {
	case errors.As(err, &hkErr):
		ce.Kind = GenericProtocolError
	case strings.Contains(err.Error(), "unable to authenticate"):
		ce.Kind = AuthenticationFailure
	}
	return ce
}

// feed copies r into the output queue until EOF or Close.
func (c *SSHConn) feed(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, feedBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case c.out <- data:
			case <-c.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Receive returns queued shell output, waiting at most the receive timeout.
// It returns io.EOF once the remote shell has gone away.
func (c *SSHConn) Receive() ([]byte, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	timer := time.NewTimer(c.opts.receiveTimeout())
	defer timer.Stop()

	select {
	case data, ok := <-c.out:
		if !ok {
			c.connected.Store(false)
			return nil, io.EOF
		}
		// Coalesce whatever else is already queued.
		for len(data) < maxReceiveSize {
			select {
			case more, ok := <-c.out:
				if !ok {
					return data, nil
				}
				data = append(data, more...)
				continue
			default:
			}
			break
		}
		return data, nil
	case <-c.done:
		return nil, ErrNotConnected
	case <-timer.C:
		return nil, nil
	}
}

func (c *SSHConn) Send(data []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if _, err := c.stdin.Write(data); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("write to ssh shell: %w", err)
	}
	return nil
}

// Resize sends a window-change request for the PTY.
func (c *SSHConn) Resize(cols, rows int) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return c.session.WindowChange(rows, cols)
}

// Close closes the shell session and then the client. Safe to call more
// than once and before Connect.
func (c *SSHConn) Close() error {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		if c.session != nil {
			if err := c.session.Close(); err != nil && !errors.Is(err, io.EOF) {
				log.Printf("[sshterminal] close session %s: %v", c.target.Addr(), err)
			}
		}
		if c.client != nil {
			c.client.Close()
		}
	})
	return nil
}
