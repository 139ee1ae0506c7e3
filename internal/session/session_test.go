package session

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vsmtp/vsmtp-go/internal/ioconn"
	"github.com/vsmtp/vsmtp-go/internal/mailctx"
	"github.com/vsmtp/vsmtp-go/internal/policy"
	"github.com/vsmtp/vsmtp-go/internal/queuestore"
	"github.com/vsmtp/vsmtp-go/internal/vlog"
)

func testConfig() Config {
	return Config{
		ServerName:      "mx.example.test",
		RcptCountMax:    10,
		MaxLineLen:      4096,
		MaxDataSize:     1 << 20,
		SoftCount:       2,
		HardCount:       5,
		ErrDelay:        0,
		TimeoutPerState: time.Second,
	}
}

func testLogger() vlog.Logger {
	return vlog.Logger{Out: vlog.WriterOutput(io.Discard, false)}
}

// harness wires a Session to one end of a net.Pipe and runs it in a
// goroutine, giving the test the other end to drive as an SMTP client.
type harness struct {
	client *bufio.ReadWriter
	sess   *Session
	done   chan struct{}
	store  *queuestore.Store
}

func newHarness(t *testing.T, pol policy.Policy, cfg Config) *harness {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	dir := t.TempDir()
	store := queuestore.New(dir)

	mc := mailctx.MailContext{
		Connection: mailctx.ConnectionContext{
			Timestamp:  time.Now(),
			ServerName: cfg.ServerName,
		},
		ClientIP: "192.0.2.10",
	}

	s := New(ioconn.New(serverConn, false), cfg, pol, &policy.Hooks{Log: testLogger()}, store, nil, testLogger(), nil, Opportunistic, mc)

	h := &harness{
		client: bufio.NewReadWriter(bufio.NewReader(clientConn), bufio.NewWriter(clientConn)),
		sess:   s,
		done:   make(chan struct{}),
		store:  store,
	}
	go func() {
		s.Run(context.Background())
		clientConn.Close()
		close(h.done)
	}()
	return h
}

func (h *harness) readLine(t *testing.T) string {
	t.Helper()
	line, err := h.client.ReadString('\n')
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// readReply reads one reply, following "code-" continuation lines until
// the final "code " line.
func (h *harness) readReply(t *testing.T) []string {
	t.Helper()
	var lines []string
	for {
		l := h.readLine(t)
		lines = append(lines, l)
		if len(l) >= 4 && l[3] == ' ' {
			break
		}
	}
	return lines
}

func (h *harness) send(t *testing.T, line string) {
	t.Helper()
	if _, err := h.client.WriteString(line + "\r\n"); err != nil {
		t.Fatalf("writing command: %v", err)
	}
	if err := h.client.Flush(); err != nil {
		t.Fatalf("flushing command: %v", err)
	}
}

func codeOf(t *testing.T, lines []string) string {
	t.Helper()
	if len(lines) == 0 {
		t.Fatal("empty reply")
	}
	return lines[len(lines)-1][:3]
}

func TestBasicAcceptedTransaction(t *testing.T) {
	pol := policy.NewStaticPolicy(nil)
	h := newHarness(t, pol, testConfig())

	greeting := h.readReply(t)
	if codeOf(t, greeting) != "220" {
		t.Fatalf("expected 220 greeting, got %v", greeting)
	}

	h.send(t, "EHLO client.example.test")
	if got := codeOf(t, h.readReply(t)); got != "250" {
		t.Fatalf("expected 250 for EHLO, got %s", got)
	}

	h.send(t, "MAIL FROM:<alice@example.test>")
	if got := codeOf(t, h.readReply(t)); got != "250" {
		t.Fatalf("expected 250 for MAIL FROM, got %s", got)
	}

	h.send(t, "RCPT TO:<bob@example.test>")
	if got := codeOf(t, h.readReply(t)); got != "250" {
		t.Fatalf("expected 250 for RCPT TO, got %s", got)
	}

	h.send(t, "DATA")
	if got := codeOf(t, h.readReply(t)); got != "354" {
		t.Fatalf("expected 354 for DATA, got %s", got)
	}

	h.send(t, "From: alice@example.test")
	h.send(t, "Date: Thu, 30 Jul 2026 12:00:00 +0000")
	h.send(t, "")
	h.send(t, "hello")
	h.send(t, ".")
	if got := codeOf(t, h.readReply(t)); got != "250" {
		t.Fatalf("expected 250 after DATA terminator, got %s", got)
	}

	entries, err := h.store.List(queuestore.Working)
	if err != nil {
		t.Fatalf("listing working queue: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one working-queue entry, got %d", len(entries))
	}

	h.send(t, "QUIT")
	if got := codeOf(t, h.readReply(t)); got != "221" {
		t.Fatalf("expected 221 for QUIT, got %s", got)
	}
	<-h.done
}

func TestSyntaxErrorOnUnknownFirstCommand(t *testing.T) {
	pol := policy.NewStaticPolicy(nil)
	h := newHarness(t, pol, testConfig())
	h.readReply(t) // greeting

	h.send(t, "GARBAGE")
	if got := codeOf(t, h.readReply(t)); got != "501" {
		t.Fatalf("expected 501 for unrecognized command, got %s", got)
	}

	h.send(t, "QUIT")
	h.readReply(t)
	<-h.done
}

func TestCommandsOutOfOrderRejected(t *testing.T) {
	pol := policy.NewStaticPolicy(nil)
	h := newHarness(t, pol, testConfig())
	h.readReply(t) // greeting

	h.send(t, "RCPT TO:<bob@example.test>")
	if got := codeOf(t, h.readReply(t)); got != "503" {
		t.Fatalf("expected 503 for RCPT before MAIL, got %s", got)
	}
	h.send(t, "DATA")
	if got := codeOf(t, h.readReply(t)); got != "503" {
		t.Fatalf("expected 503 for DATA before RCPT, got %s", got)
	}

	h.send(t, "QUIT")
	h.readReply(t)
	<-h.done
}

func TestMailFromPolicyDenyDropsSender(t *testing.T) {
	pol := policy.NewStaticPolicy(nil).On(policy.MailFrom, func(_ context.Context, mc *mailctx.MailContext, _ *policy.Hooks) (mailctx.PolicyVerdict, error) {
		return mailctx.Deny(nil), nil
	})
	h := newHarness(t, pol, testConfig())
	h.readReply(t) // greeting

	h.send(t, "EHLO client.example.test")
	h.readReply(t)

	h.send(t, "MAIL FROM:<spammer@example.test>")
	if got := codeOf(t, h.readReply(t)); got != "554" {
		t.Fatalf("expected 554 for denied MAIL FROM, got %s", got)
	}

	h.send(t, "QUIT")
	h.readReply(t)
	<-h.done
}

func TestReplyCountMatchesCommandCountPlusGreeting(t *testing.T) {
	pol := policy.NewStaticPolicy(nil)
	h := newHarness(t, pol, testConfig())

	commands := []string{"EHLO client.example.test", "NOOP", "RSET", "QUIT"}
	replies := 1 // greeting
	h.readReply(t)
	for _, c := range commands {
		h.send(t, c)
		h.readReply(t)
		replies++
	}
	if replies != len(commands)+1 {
		t.Fatalf("reply count invariant violated: got %d replies for %d commands", replies, len(commands))
	}
	<-h.done
}

func TestErrorBudgetHardCountClosesSession(t *testing.T) {
	cfg := testConfig()
	cfg.SoftCount = 1
	cfg.HardCount = 2
	pol := policy.NewStaticPolicy(nil)
	h := newHarness(t, pol, cfg)
	h.readReply(t) // greeting

	h.send(t, "BOGUS1")
	if got := codeOf(t, h.readReply(t)); got != "501" {
		t.Fatalf("expected 501, got %s", got)
	}
	h.send(t, "BOGUS2")
	if got := codeOf(t, h.readReply(t)); got != "421" {
		t.Fatalf("expected 421 once hard error count is reached, got %s", got)
	}
	<-h.done // the session must close on its own once the hard count trips
}

func TestQuarantineVerdictRoutesToQuarantineQueue(t *testing.T) {
	pol := policy.NewStaticPolicy(nil).On(policy.PreQ, func(_ context.Context, mc *mailctx.MailContext, _ *policy.Hooks) (mailctx.PolicyVerdict, error) {
		return mailctx.Quarantine("suspicious"), nil
	})
	h := newHarness(t, pol, testConfig())
	h.readReply(t)

	h.send(t, "EHLO client.example.test")
	h.readReply(t)
	h.send(t, "MAIL FROM:<alice@example.test>")
	h.readReply(t)
	h.send(t, "RCPT TO:<bob@example.test>")
	h.readReply(t)
	h.send(t, "DATA")
	h.readReply(t)
	h.send(t, "From: alice@example.test")
	h.send(t, "Date: Thu, 30 Jul 2026 12:00:00 +0000")
	h.send(t, "")
	h.send(t, "hello")
	h.send(t, ".")
	if got := codeOf(t, h.readReply(t)); got != "250" {
		t.Fatalf("expected 250 even for a quarantine verdict, got %s", got)
	}

	dir := filepath.Join(h.store.Root, "quarantine", "suspicious")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading quarantine dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one quarantined entry, got %d", len(entries))
	}
	workingEntries, err := h.store.List(queuestore.Working)
	if err != nil {
		t.Fatalf("listing working queue: %v", err)
	}
	if len(workingEntries) != 0 {
		t.Fatalf("message_id must exist in at most one queue at a time, found it also in working")
	}

	h.send(t, "QUIT")
	h.readReply(t)
	<-h.done
}

func TestAuthPlainTunneledViaInitialResponse(t *testing.T) {
	creds := &fakeCredentialBackend{valid: map[string]string{"alice": "hunter2"}}
	pol := policy.NewStaticPolicy(creds)
	cfg := testConfig()
	cfg.AuthMechanisms = []string{"PLAIN"}
	cfg.AuthEnableDangerousMechanismsWithoutEncryption = true
	h := newHarness(t, pol, cfg)
	h.readReply(t)

	h.send(t, "EHLO client.example.test")
	h.readReply(t)

	// base64("\x00alice\x00hunter2")
	h.send(t, "AUTH PLAIN AGFsaWNlAGh1bnRlcjI=")
	if got := codeOf(t, h.readReply(t)); got != "235" {
		t.Fatalf("expected 235 for valid AUTH PLAIN, got %s", got)
	}

	h.send(t, "QUIT")
	h.readReply(t)
	<-h.done
}

func TestAuthPlainWithoutEncryptionRejectedByDefault(t *testing.T) {
	creds := &fakeCredentialBackend{valid: map[string]string{"alice": "hunter2"}}
	pol := policy.NewStaticPolicy(creds)
	cfg := testConfig()
	cfg.AuthMechanisms = []string{"PLAIN"}
	h := newHarness(t, pol, cfg)
	h.readReply(t)

	h.send(t, "EHLO client.example.test")
	h.readReply(t)

	h.send(t, "AUTH PLAIN AGFsaWNlAGh1bnRlcjI=")
	if got := codeOf(t, h.readReply(t)); got != "538" {
		t.Fatalf("expected 538 when PLAIN is attempted over a plaintext channel, got %s", got)
	}

	h.send(t, "QUIT")
	h.readReply(t)
	<-h.done
}

type fakeCredentialBackend struct {
	valid map[string]string
}

func (f *fakeCredentialBackend) Validate(authID, pass string) (bool, error) {
	want, ok := f.valid[authID]
	return ok && want == pass, nil
}
