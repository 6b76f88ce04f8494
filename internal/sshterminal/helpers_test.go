package sshterminal

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gluk-w/webterm/internal/sshkeys"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "tester"
	testPassword = "secret"
)

// testServer is an in-process SSH or Telnet server that remembers accepted
// connections so tests can drop them from the remote side.
type testServer struct {
	listener net.Listener

	mu    sync.Mutex
	conns []net.Conn

	sftpOpens atomic.Int32
	done      chan struct{}
}

func (s *testServer) host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

func (s *testServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *testServer) track(c net.Conn) {
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
}

// dropAll closes every accepted connection from the server side.
func (s *testServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *testServer) serve(t *testing.T, handle func(net.Conn)) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		for {
			c, err := listener.Accept()
			if err != nil {
				return
			}
			s.track(c)
			go handle(c)
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		<-s.done
		s.dropAll()
	})
}

// startSSHServer starts an SSH server accepting testUser/testPassword. Shells
// echo stdin back prefixed with "echo:", window-change requests are answered
// with "resize:<cols>x<rows>" on stdout and the sftp subsystem is served by
// pkg/sftp against the local filesystem.
func startSSHServer(t *testing.T) *testServer {
	t.Helper()

	hostSigner, err := sshkeys.NewSigner()
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == testUser && string(password) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	config.AddHostKey(hostSigner)

	srv := &testServer{}
	srv.serve(t, func(c net.Conn) { srv.handleSSH(c, config) })
	return srv
}

func (s *testServer) handleSSH(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSSHSession(ch, requests)
	}
}

func (s *testServer) handleSSHSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			req.Reply(true, nil)

		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				fmt.Fprintf(ch, "resize:%dx%d\r\n", cols, rows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			req.Reply(true, nil)
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						ch.Write(append([]byte("echo:"), buf[:n]...))
					}
					if err != nil {
						return
					}
				}
			}()

		case "subsystem":
			if len(req.Payload) < 4 || string(req.Payload[4:]) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.sftpOpens.Add(1)
			go func() {
				server, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				server.Serve()
				ch.Close()
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// startTelnetServer starts a plain TCP echo server.
func startTelnetServer(t *testing.T) *testServer {
	t.Helper()
	srv := &testServer{}
	srv.serve(t, func(c net.Conn) {
		defer c.Close()
		io.Copy(c, c)
	})
	return srv
}

// closedPort returns a localhost port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func sshTarget(srv *testServer, password string) Target {
	return Target{
		Protocol: ProtocolSSH,
		Host:     srv.host(),
		Port:     srv.port(),
		Username: testUser,
		Password: password,
	}
}

func telnetTarget(srv *testServer) Target {
	return Target{Protocol: ProtocolTelnet, Host: srv.host(), Port: srv.port()}
}

// eventLog is an Emitter that records every event.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Emit(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) count(typ EventType, sessionID string) int {
	n := 0
	for _, e := range l.snapshot() {
		if e.Type == typ && e.SessionID == sessionID {
			n++
		}
	}
	return n
}

// output concatenates all terminal_output data for sessionID.
func (l *eventLog) output(sessionID string) string {
	var b strings.Builder
	for _, e := range l.snapshot() {
		if e.Type == EventOutput && e.SessionID == sessionID {
			b.WriteString(e.Data)
		}
	}
	return b.String()
}

// waitFor polls until cond holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (l *eventLog) waitOutput(t *testing.T, sessionID, want string) {
	t.Helper()
	waitFor(t, 3*time.Second, strconv.Quote(want), func() bool {
		return strings.Contains(l.output(sessionID), want)
	})
}

func newTestManager(t *testing.T, mutate ...func(*ManagerConfig)) (*Manager, *eventLog) {
	t.Helper()
	cfg := ManagerConfig{
		ConnOptions: ConnOptions{
			ConnectTimeout: 5 * time.Second,
			ReceiveTimeout: 20 * time.Millisecond,
		},
		PollInterval: 2 * time.Millisecond,
		UploadDir:    t.TempDir(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	events := &eventLog{}
	m := NewManager(cfg, events)
	t.Cleanup(m.CloseAll)
	return m, events
}

// fakeConn is a scriptable Conn. Data pushed to reads is returned by
// Receive; closing reads simulates remote EOF.
type fakeConn struct {
	proto       Protocol
	connectErr  error
	connectGate chan struct{}

	reads     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
	closed    atomic.Bool

	mu   sync.Mutex
	sent []string
}

func newFakeConn(proto Protocol) *fakeConn {
	return &fakeConn{
		proto: proto,
		reads: make(chan []byte, 16),
		done:  make(chan struct{}),
	}
}

func (c *fakeConn) Protocol() Protocol { return c.proto }

func (c *fakeConn) Connected() bool { return c.connected.Load() }

func (c *fakeConn) Connect(ctx context.Context) error {
	if c.connectGate != nil {
		select {
		case <-c.connectGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected.Store(true)
	return nil
}

func (c *fakeConn) Send(data []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	c.mu.Lock()
	c.sent = append(c.sent, string(data))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case data, ok := <-c.reads:
		if !ok {
			c.connected.Store(false)
			return nil, io.EOF
		}
		return data, nil
	case <-c.done:
		return nil, ErrNotConnected
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.connected.Store(false)
		close(c.done)
	})
	return nil
}
