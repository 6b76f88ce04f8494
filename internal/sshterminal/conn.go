package sshterminal

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Protocol identifies the transport behind a terminal session.
type Protocol string

const (
	ProtocolSSH    Protocol = "ssh"
	ProtocolTelnet Protocol = "telnet"
)

// ParseProtocol maps a client or config value to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case ProtocolSSH, ProtocolTelnet:
		return p, nil
	default:
		return "", fmt.Errorf("unknown protocol %q", s)
	}
}

// DefaultPort returns the well-known port of the protocol.
func (p Protocol) DefaultPort() int {
	if p == ProtocolTelnet {
		return 23
	}
	return 22
}

// Target is the remote endpoint and credentials of a session. Username and
// Password are ignored for Telnet.
type Target struct {
	Protocol Protocol
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns host:port, substituting the protocol default for port 0.
func (t Target) Addr() string {
	port := t.Port
	if port <= 0 {
		port = t.Protocol.DefaultPort()
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Conn is a live remote shell. A Conn is driven by exactly one reader (the
// session pump) while any number of goroutines may call Send and Close.
type Conn interface {
	Protocol() Protocol
	// Connect dials and authenticates. Errors are *ConnectError.
	Connect(ctx context.Context) error
	// Send writes raw bytes to the remote shell. A write error marks the
	// connection as no longer connected.
	Send(data []byte) error
	// Receive waits at most the receive timeout and returns whatever arrived.
	// It returns (nil, nil) when nothing arrived.
	Receive() ([]byte, error)
	// Close is idempotent and swallows teardown errors.
	Close() error
	Connected() bool
}

// Resizer is implemented by connections that carry a pseudo-terminal.
type Resizer interface {
	Resize(cols, rows int) error
}

// Uploader is implemented by connections that can write files to the remote
// host over a secondary channel.
type Uploader interface {
	Upload(ctx context.Context, remotePath string, data []byte) error
}

// Default timeouts applied when ConnOptions leaves them zero.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReceiveTimeout = 100 * time.Millisecond
	DefaultPollInterval   = 10 * time.Millisecond
)

// ConnOptions carries the settings shared by both connection variants.
type ConnOptions struct {
	// ConnectTimeout bounds the TCP dial and, for SSH, the handshake.
	ConnectTimeout time.Duration
	// ReceiveTimeout bounds a single Receive call.
	ReceiveTimeout time.Duration
	// HostKeyCallback verifies SSH host keys. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
}

func (o ConnOptions) connectTimeout() time.Duration {
	if o.ConnectTimeout > 0 {
		return o.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (o ConnOptions) receiveTimeout() time.Duration {
	if o.ReceiveTimeout > 0 {
		return o.ReceiveTimeout
	}
	return DefaultReceiveTimeout
}

// NewConn constructs the connection variant for t.Protocol. The returned
// Conn is not yet connected.
func NewConn(t Target, opts ConnOptions) (Conn, error) {
	switch t.Protocol {
	case ProtocolSSH:
		return NewSSHConn(t, opts), nil
	case ProtocolTelnet:
		return NewTelnetConn(t, opts), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", t.Protocol)
	}
}
