package mailctx

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vsmtp/vsmtp-go/internal/address"
)

func TestMailContextJSONRoundTrip(t *testing.T) {
	mc := MailContext{
		Connection: ConnectionContext{Timestamp: time.Unix(0, 0).UTC(), ServerName: "mx.example.com", IsSecured: true},
		ClientIP:   "203.0.113.1:54321",
		Envelope: address.Envelope{
			Helo:     "client.example.com",
			MailFrom: address.MustParse("john@doe.example"),
		},
		Body: Body{Kind: BodyRaw, Raw: "hello\r\n"},
		Metadata: &MessageMetadata{
			Timestamp: time.Unix(1, 0).UTC(),
			MessageID: "123",
			Resolver:  "system",
		},
	}
	if err := mc.Envelope.AddRcpt(address.MustParse("aa@bb.example"), address.Transfer{Method: address.TransferDeliver}); err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(mc)
	if err != nil {
		t.Fatal(err)
	}

	var got MailContext
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}

	if got.Connection.ServerName != mc.Connection.ServerName || got.Connection.IsSecured != mc.Connection.IsSecured {
		t.Errorf("connection mismatch: %+v", got.Connection)
	}
	if !got.Envelope.MailFrom.Equal(mc.Envelope.MailFrom) {
		t.Errorf("mail_from mismatch: %v", got.Envelope.MailFrom)
	}
	if len(got.Envelope.Rcpt) != 1 || !got.Envelope.Rcpt[0].Address.Equal(mc.Envelope.Rcpt[0].Address) {
		t.Errorf("rcpt mismatch: %+v", got.Envelope.Rcpt)
	}
	if got.Body.Kind != BodyRaw || got.Body.Raw != "hello\r\n" {
		t.Errorf("body mismatch: %+v", got.Body)
	}
	if got.Metadata == nil || got.Metadata.MessageID != "123" {
		t.Errorf("metadata mismatch: %+v", got.Metadata)
	}
}

func TestAllRcptTerminal(t *testing.T) {
	var mc MailContext
	addr := address.MustParse("a@b.com")
	mc.Envelope.AddRcpt(addr, address.Transfer{Method: address.TransferDeliver})
	if mc.AllRcptTerminal() {
		t.Error("fresh Waiting rcpt should not be terminal")
	}
	mc.Envelope.Rcpt[0].Status.Kind = address.StatusSent
	if !mc.AllRcptTerminal() {
		t.Error("all-Sent rcpt set should be terminal")
	}
}

func TestAnyRcptHeldBack(t *testing.T) {
	var mc MailContext
	addr := address.MustParse("a@b.com")
	mc.Envelope.AddRcpt(addr, address.Transfer{Method: address.TransferDeliver})
	mc.Envelope.Rcpt[0].HoldBack(5)
	if !mc.AnyRcptHeldBack() {
		t.Error("expected held-back recipient to be detected")
	}
}

func TestNewMessageIDDeterministicFormat(t *testing.T) {
	ts := time.Unix(1000, 42).UTC()
	id1 := NewMessageID(ts, ts)
	id2 := NewMessageID(ts, ts)
	if id1 != id2 {
		t.Errorf("NewMessageID should be deterministic for identical inputs within one process: %q != %q", id1, id2)
	}
	if len(id1) == 0 {
		t.Error("empty message id")
	}
}
