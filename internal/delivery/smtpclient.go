package delivery

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// smtpClient is a minimal outbound SMTP client: just enough of RFC 5321 to
// drive a delivery attempt (EHLO/STARTTLS/MAIL/RCPT/DATA/QUIT), mirroring
// the line-framing approach internal/ioconn uses on the accepting side,
// since the library that would otherwise provide this (the go-smtp client
// half) was dropped along with the server half it shares a module with.
type smtpClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialSMTP(ctx context.Context, addr string, timeout time.Duration) (*smtpClient, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &smtpClient{conn: conn, r: bufio.NewReader(conn)}
	if _, _, err := c.readReply(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("delivery: reading greeting from %s: %w", addr, err)
	}
	return c, nil
}

func (c *smtpClient) close() { c.conn.Close() }

// readReply consumes one (possibly multi-line) reply and returns its
// final status code and last line's message.
func (c *smtpClient) readReply() (code int, msg string, err error) {
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return 0, "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			return 0, "", fmt.Errorf("delivery: malformed reply line %q", line)
		}
		code, cerr := strconv.Atoi(line[:3])
		if cerr != nil {
			return 0, "", fmt.Errorf("delivery: malformed reply code %q", line[:3])
		}
		msg = line[4:]
		if line[3] == ' ' {
			return code, msg, nil
		}
		// line[3] == '-': continuation, keep reading.
	}
}

func (c *smtpClient) send(format string, args ...interface{}) (code int, msg string, err error) {
	line := fmt.Sprintf(format, args...) + "\r\n"
	if _, err := c.conn.Write([]byte(line)); err != nil {
		return 0, "", err
	}
	return c.readReply()
}

func (c *smtpClient) helo(name string) error {
	if code, _, err := c.send("EHLO %s", name); err == nil && code/100 == 2 {
		return nil
	}
	code, msg, err := c.send("HELO %s", name)
	if err != nil {
		return err
	}
	if code/100 != 2 {
		return fmt.Errorf("delivery: HELO rejected: %d %s", code, msg)
	}
	return nil
}

func (c *smtpClient) startTLS(serverName string) error {
	code, msg, err := c.send("STARTTLS")
	if err != nil {
		return err
	}
	if code/100 != 2 {
		return fmt.Errorf("delivery: STARTTLS rejected: %d %s", code, msg)
	}
	tlsConn := tls.Client(c.conn, &tls.Config{ServerName: serverName})
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return fmt.Errorf("delivery: TLS handshake with %s: %w", serverName, err)
	}
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	return nil
}

func (c *smtpClient) mailFrom(addr string) (code int, msg string, err error) {
	return c.send("MAIL FROM:<%s>", addr)
}

func (c *smtpClient) rcptTo(addr string) (code int, msg string, err error) {
	return c.send("RCPT TO:<%s>", addr)
}

// data sends the DATA command, the dot-stuffed body, and returns the final
// reply that accepts or rejects the whole batch.
func (c *smtpClient) data(raw []byte) (code int, msg string, err error) {
	code, msg, err = c.send("DATA")
	if err != nil {
		return 0, "", err
	}
	if code != 354 {
		return code, msg, nil
	}
	if _, err := c.conn.Write(dotStuff(raw)); err != nil {
		return 0, "", err
	}
	return c.readReply()
}

func (c *smtpClient) quit() {
	c.send("QUIT")
}

// dotStuff escapes leading dots on body lines and appends the terminating
// "<CRLF>.<CRLF>" sequence (RFC 5321 §4.5.2).
func dotStuff(raw []byte) []byte {
	lines := strings.Split(string(raw), "\n")
	var b strings.Builder
	for _, l := range lines {
		l = strings.TrimSuffix(l, "\r")
		if strings.HasPrefix(l, ".") {
			b.WriteByte('.')
		}
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	b.WriteString(".\r\n")
	return []byte(b.String())
}
