package wire

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Conn owns a single TCP (or TLS) socket and assembles incoming bytes into
// complete RESP replies. It applies no locking of its own — the caller
// (the Client's command-serializing mutex) is responsible for ensuring a
// Send/Receive pair is never interleaved with another.
//
// Timeout follows the same three-way semantics as the original client: nil
// means blocking forever (no deadline applied), a pointer to 0 means
// non-blocking (the deadline is set to "now", so an operation that would
// block instead returns immediately with a timeout error), and any other
// value applies that duration as the read/write deadline on every
// operation.
type Conn struct {
	netConn net.Conn
	timeout *time.Duration
	buf     []byte
}

// Dial opens a TCP or TLS connection to addr. useTLS selects crypto/tls.Dial
// over net.Dial, matching the "tcp+tls://" URL scheme.
func Dial(addr string, useTLS bool, timeout *time.Duration) (*Conn, error) {
	var (
		netConn net.Conn
		err     error
	)
	dialTimeout := 30 * time.Second
	if timeout != nil && *timeout > 0 {
		dialTimeout = *timeout
	}
	if useTLS {
		dialer := &net.Dialer{Timeout: dialTimeout}
		netConn, err = tls.DialWithDialer(dialer, "tcp", addr, nil)
	} else {
		netConn, err = net.DialTimeout("tcp", addr, dialTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s failed: %w", addr, err)
	}
	return &Conn{netConn: netConn, timeout: timeout}, nil
}

// Send writes line verbatim to the socket, applying the configured write
// deadline.
func (c *Conn) Send(line []byte) error {
	if err := c.applyDeadline(c.netConn.SetWriteDeadline); err != nil {
		return err
	}
	if _, err := c.netConn.Write(line); err != nil {
		return fmt.Errorf("wire: write failed: %w", err)
	}
	return nil
}

// Receive reads from the socket in chunks, accumulating into an internal
// buffer, until IsMessageComplete holds, then returns the reply with its
// trailing CRLF trimmed.
func (c *Conn) Receive() (string, error) {
	if err := c.applyDeadline(c.netConn.SetReadDeadline); err != nil {
		return "", err
	}

	c.buf = c.buf[:0]
	chunk := make([]byte, 4096)
	for {
		n, err := c.netConn.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
			if IsMessageComplete(string(c.buf)) {
				break
			}
		}
		if err != nil {
			return "", fmt.Errorf("wire: read failed: %w", err)
		}
	}
	msg := string(c.buf)
	return msg[:len(msg)-len(CRLF)], nil
}

func (c *Conn) applyDeadline(set func(time.Time) error) error {
	switch {
	case c.timeout == nil:
		return set(time.Time{})
	case *c.timeout == 0:
		return set(time.Now())
	default:
		return set(time.Now().Add(*c.timeout))
	}
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.netConn.Close()
}
