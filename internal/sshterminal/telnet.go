package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// telnetReadSize is the maximum number of bytes returned by one Receive.
const telnetReadSize = 4096

// TelnetConn is a raw TCP connection to a Telnet port. No option negotiation
// is performed: IAC sequences pass through verbatim in both directions.
type TelnetConn struct {
	target Target
	opts   ConnOptions

	conn net.Conn
	buf  []byte

	connected atomic.Bool
	closeOnce sync.Once
}

// NewTelnetConn returns an unconnected Telnet connection to t.
func NewTelnetConn(t Target, opts ConnOptions) *TelnetConn {
	return &TelnetConn{
		target: t,
		opts:   opts,
		buf:    make([]byte, telnetReadSize),
	}
}

func (c *TelnetConn) Protocol() Protocol { return ProtocolTelnet }

func (c *TelnetConn) Connected() bool { return c.connected.Load() }

func (c *TelnetConn) Connect(ctx context.Context) error {
	addr := c.target.Addr()
	dialer := net.Dialer{Timeout: c.opts.connectTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classifyDialError(ProtocolTelnet, addr, err)
	}
	c.conn = conn
	c.connected.Store(true)
	return nil
}

// Receive reads up to 4096 bytes. An expired read deadline is the "no data
// yet" case and returns (nil, nil).
func (c *TelnetConn) Receive() ([]byte, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	c.conn.SetReadDeadline(time.Now().Add(c.opts.receiveTimeout()))
	n, err := c.conn.Read(c.buf)
	if n > 0 {
		data := make([]byte, n)
		copy(data, c.buf[:n])
		// A trailing error resurfaces on the next read.
		return data, nil
	}
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		c.connected.Store(false)
		return nil, err
	}
	return nil, nil
}

func (c *TelnetConn) Send(data []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if _, err := c.conn.Write(data); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("write to telnet socket: %w", err)
	}
	return nil
}

func (c *TelnetConn) Close() error {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		if c.conn != nil {
			c.conn.Close()
		}
	})
	return nil
}
