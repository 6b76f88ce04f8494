package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

var (
	// ErrUnsupported is returned for resize or upload on a connection that
	// lacks the capability.
	ErrUnsupported = errors.New("operation not supported for this protocol")
	// ErrNotConnected is returned by Send and Upload once the connection is gone.
	ErrNotConnected = errors.New("connection is not connected")
)

// ConnectKind classifies a failed Connect.
type ConnectKind int

const (
	GenericProtocolError ConnectKind = iota
	AuthenticationFailure
	ConnectionTimeout
	ConnectionRefused
	HostResolutionFailure
)

func (k ConnectKind) String() string {
	switch k {
	case AuthenticationFailure:
		return "authentication_failure"
	case ConnectionTimeout:
		return "connection_timeout"
	case ConnectionRefused:
		return "connection_refused"
	case HostResolutionFailure:
		return "host_resolution_failure"
	default:
		return "protocol_error"
	}
}

// ConnectError is returned by Conn.Connect. Error() is the human-readable
// message surfaced to the client in a terminal_error event.
type ConnectError struct {
	Kind     ConnectKind
	Protocol Protocol
	Addr     string
	Err      error
}

func (e *ConnectError) Error() string {
	proto := strings.ToUpper(string(e.Protocol))
	switch e.Kind {
	case AuthenticationFailure:
		return fmt.Sprintf("%s authentication failed: invalid username or password", proto)
	case ConnectionTimeout:
		return fmt.Sprintf("%s connection timed out: unable to reach %s", proto, e.Addr)
	case ConnectionRefused:
		return fmt.Sprintf("connection refused: %s (is the %s service running?)", e.Addr, proto)
	case HostResolutionFailure:
		host, _, err := net.SplitHostPort(e.Addr)
		if err != nil {
			host = e.Addr
		}
		return fmt.Sprintf("host name resolution failed: %s", host)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s connection failed: %v", proto, e.Err)
		}
		return fmt.Sprintf("%s connection failed", proto)
	}
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsConnectKind reports whether err is a *ConnectError of the given kind.
func IsConnectKind(err error, kind ConnectKind) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Kind == kind
}

// classifyDialError maps a dial or handshake error onto the connect taxonomy.
func classifyDialError(proto Protocol, addr string, err error) *ConnectError {
	ce := &ConnectError{Kind: GenericProtocolError, Protocol: proto, Addr: addr, Err: err}

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr) && !dnsErr.IsTimeout:
		ce.Kind = HostResolutionFailure
	case errors.Is(err, syscall.ECONNREFUSED):
		ce.Kind = ConnectionRefused
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		ce.Kind = ConnectionTimeout
	}
	return ce
}
