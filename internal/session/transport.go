package session

import (
	"context"
	"io"
	"net"
	"time"
)

// Conn is the transport a session reads frames from and writes frames to.
// net.Conn satisfies it; tests substitute net.Pipe ends.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Dialer opens the transport to a venue. The production implementation is
// TCPDialer; tests inject scripted connections.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// TCPDialer dials plain TCP with keep-alive enabled.
type TCPDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

func (d *TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	keepAlive := d.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	nd := &net.Dialer{Timeout: timeout, KeepAlive: keepAlive}
	conn, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}
