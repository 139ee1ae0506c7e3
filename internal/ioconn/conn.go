// Package ioconn implements the line-framed bidirectional stream the
// session engine reads commands from and writes replies to: a thin layer
// over net.Conn (plain TCP, or TLS after STARTTLS/implicit TLS) that knows
// about SMTP line and DATA-segment framing but nothing about SMTP syntax
// itself.
package ioconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

const (
	// DefaultMaxLineLength is used when Conn.MaxLineLength is zero.
	DefaultMaxLineLength = 4096
)

// Conn wraps a single accepted connection. It owns its transport and
// carries no state shared with any other connection.
type Conn struct {
	netConn net.Conn
	r       *bufio.Reader

	secured bool

	MaxLineLength int
}

// New wraps an already-accepted net.Conn. secured should be true only for
// a Tunneled (implicit-TLS) listener, where the caller has already
// completed the handshake (the supervisor wraps the accepted conn with
// tls.Server before calling New).
func New(c net.Conn, secured bool) *Conn {
	return &Conn{netConn: c, r: bufio.NewReader(c), secured: secured}
}

func (c *Conn) IsSecured() bool { return c.secured }

// RemoteAddr exposes the underlying transport's peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// TLSConnectionState returns the peer's TLS state, or the zero value if
// the connection is not (yet) secured.
func (c *Conn) TLSConnectionState() tls.ConnectionState {
	if tc, ok := c.netConn.(*tls.Conn); ok {
		st := tc.ConnectionState()
		return st
	}
	return tls.ConnectionState{}
}

func (c *Conn) maxLine() int {
	if c.MaxLineLength > 0 {
		return c.MaxLineLength
	}
	return DefaultMaxLineLength
}

// NextLine reads up to the next CRLF (a bare LF is tolerated), returning
// the line with the terminator stripped. The whole line is read up to its
// terminator first; if it is then longer than MaxLineLength, it is dropped
// and ErrLineTooLong is returned. A peer that has closed the connection
// yields io.EOF. timeout <= 0 disables the read deadline.
func (c *Conn) NextLine(timeout time.Duration) (string, error) {
	if err := c.setReadDeadline(timeout); err != nil {
		if err == io.ErrClosedPipe {
			return "", io.EOF
		}
		return "", err
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		if line != "" {
			// Partial line followed by EOF: the partial content is
			// discarded and EOF is returned.
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return "", ErrTimeout
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return "", io.EOF
		}
		if isLineTooLong(err) {
			return "", ErrLineTooLong
		}
		return "", err
	}

	line = trimCRLF(line)
	if len(line) > c.maxLine() {
		return "", ErrLineTooLong
	}
	return line, nil
}

func isLineTooLong(err error) bool {
	return err == bufio.ErrBufferFull
}

func trimCRLF(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	if n := len(s); n > 0 && s[n-1] == '\r' {
		s = s[:n-1]
	}
	return s
}

// WriteAll writes data in full, without a deadline (replies are small and
// bounded; the caller is expected to enforce an overall session timeout
// elsewhere).
func (c *Conn) WriteAll(data []byte) error {
	_, err := c.netConn.Write(data)
	return err
}

// ReadDataSegment reads SMTP DATA content until a line consisting solely
// of "." CRLF, performing dot-unstuffing (a leading "." on any data line is
// removed) along the way, and enforces maxSize. The trailing blank-dot line
// itself is not included in the result.
func (c *Conn) ReadDataSegment(timeout time.Duration, maxSize int64) ([]byte, error) {
	var buf []byte
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, ErrTimeout
			}
			if err := c.setReadDeadline(remaining); err != nil {
				return nil, err
			}
		}

		line, err := c.r.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, ErrTimeout
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}

		raw := trimCRLF(line)
		if raw == "." {
			return buf, nil
		}
		if len(raw) > 0 && raw[0] == '.' {
			raw = raw[1:]
		}

		if int64(len(buf)+len(raw)+2) > maxSize {
			return nil, ErrTooLarge
		}
		buf = append(buf, raw...)
		buf = append(buf, '\r', '\n')
	}
}

// UpgradeTLS performs a server-side TLS handshake, replacing the
// underlying transport in place. Calling it on an already-secured
// connection returns ErrAlreadySecured without touching the transport.
func (c *Conn) UpgradeTLS(cfg *tls.Config) error {
	if c.secured {
		return ErrAlreadySecured
	}

	tlsConn := tls.Server(c.netConn, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return err
	}

	c.netConn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	c.secured = true
	return nil
}

func (c *Conn) setReadDeadline(timeout time.Duration) error {
	if timeout <= 0 {
		return c.netConn.SetReadDeadline(time.Time{})
	}
	return c.netConn.SetReadDeadline(time.Now().Add(timeout))
}

// Close closes the underlying transport.
func (c *Conn) Close() error { return c.netConn.Close() }
