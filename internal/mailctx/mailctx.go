package mailctx

import (
	"net"
	"time"

	"github.com/vsmtp/vsmtp-go/internal/address"
)

// ConnectionCredentials is set once AUTH succeeds; authid is kept, authpass
// never is.
type ConnectionCredentials struct {
	AuthID string `json:"authid"`
}

// ConnectionContext describes the TCP/TLS connection a session runs over.
// IsSecured becomes true after a successful TLS handshake and never
// reverts for the lifetime of the connection (even across the
// HELO-required-again reset that STARTTLS triggers at the protocol layer).
type ConnectionContext struct {
	Timestamp       time.Time               `json:"timestamp"`
	ServerName      string                  `json:"server_name"`
	IsSecured       bool                    `json:"is_secured"`
	IsAuthenticated bool                    `json:"is_authenticated"`
	Credentials     *ConnectionCredentials  `json:"credentials,omitempty"`
}

// MessageMetadata is assigned once MAIL FROM succeeds and accompanies a
// MailContext for the rest of its life.
type MessageMetadata struct {
	Timestamp time.Time      `json:"timestamp"`
	MessageID string         `json:"message_id"`
	Retry     int            `json:"retry"`
	Resolver  string         `json:"resolver"` // name of the configured DNS resolver to use for this message
	Skipped   *PolicyVerdict `json:"skipped,omitempty"`

	// NextAttempt is when the deferred scanner should next consider this
	// message for redelivery; zero means "not currently deferred".
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

// MailContext is the per-transaction aggregate serialized verbatim as a
// queue file: {connection, client_addr, envelop, body, metadata?}.
type MailContext struct {
	Connection ConnectionContext  `json:"connection"`
	ClientAddr net.Addr           `json:"-"` // not serialized: re-populated from the socket, not meaningful once queued
	ClientIP   string             `json:"client_addr"`
	Envelope   address.Envelope   `json:"envelop"`
	Body       Body               `json:"body"`
	Metadata   *MessageMetadata   `json:"metadata,omitempty"`
}

// Reset clears the envelope and body for a fresh transaction (RSET, or a
// HELO/EHLO issued after a completed transaction), leaving connection-level
// state (TLS, auth) untouched.
func (mc *MailContext) Reset() {
	mc.Envelope.Reset()
	mc.Body = Body{}
	mc.Metadata = nil
}

// AllRcptTerminal reports whether every recipient has reached Sent or
// Failed, the condition under which a queue entry is eligible for deletion.
func (mc *MailContext) AllRcptTerminal() bool {
	for _, r := range mc.Envelope.Rcpt {
		if !r.Status.Terminal() {
			return false
		}
	}
	return true
}

// AnyRcptHeldBack reports whether at least one recipient is still
// HeldBack, the condition under which the delivery worker moves the entry
// to deferred rather than dead.
func (mc *MailContext) AnyRcptHeldBack() bool {
	for _, r := range mc.Envelope.Rcpt {
		if r.Status.Kind == address.StatusHeldBack {
			return true
		}
	}
	return false
}
