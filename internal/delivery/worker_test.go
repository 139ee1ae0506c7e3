package delivery

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vsmtp/vsmtp-go/internal/address"
	"github.com/vsmtp/vsmtp-go/internal/mailctx"
	"github.com/vsmtp/vsmtp-go/internal/queuestore"
	"github.com/vsmtp/vsmtp-go/internal/vlog"
)

func testLogger() vlog.Logger {
	return vlog.Logger{Out: vlog.WriterOutput(io.Discard, false)}
}

func rcpt(addr string, method address.TransferMethod) address.Rcpt {
	return address.Rcpt{
		Address:  address.MustParse(addr),
		Transfer: address.Transfer{Method: method},
		Status:   address.RcptStatus{Kind: address.StatusWaiting},
	}
}

func seedDeliver(t *testing.T, store *queuestore.Store, id string, rcpts []address.Rcpt) *mailctx.MailContext {
	t.Helper()
	mc := &mailctx.MailContext{
		Envelope: address.Envelope{
			MailFrom: address.MustParse("sender@example.invalid"),
			Rcpt:     rcpts,
		},
		Body:     mailctx.Body{Kind: mailctx.BodyRaw, Raw: "Subject: hi\r\n\r\nbody\r\n"},
		Metadata: &mailctx.MessageMetadata{MessageID: id, Timestamp: time.Now()},
	}
	if err := store.Enqueue(queuestore.Deliver, id, mc); err != nil {
		t.Fatalf("seeding deliver queue: %v", err)
	}
	return mc
}

func TestBackoffForGrowsExponentiallyAndCaps(t *testing.T) {
	base := time.Second
	maxDelay := 30 * time.Second

	cases := []struct {
		tries int
		want  time.Duration
	}{
		{0, base},
		{1, base},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{10, maxDelay},
	}
	for _, c := range cases {
		if got := backoffFor(c.tries, base, maxDelay); got != c.want {
			t.Errorf("backoffFor(%d) = %v, want %v", c.tries, got, c.want)
		}
	}
}

func TestDeliverViaMboxWritesAndMarksSent(t *testing.T) {
	dir := t.TempDir()
	store := queuestore.New(dir)
	rcpts := []address.Rcpt{rcpt("alice@example.invalid", address.TransferMbox)}
	mc := seedDeliver(t, store, "msg-mbox", rcpts)

	w := &Worker{Store: store, Config: Config{MboxDir: filepath.Join(dir, "mbox")}, Log: testLogger()}
	w.ProcessOne(context.Background(), "msg-mbox")

	data, err := os.ReadFile(filepath.Join(dir, "mbox", "alice"))
	if err != nil {
		t.Fatalf("expected mbox file written: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty mbox file")
	}

	// alice has no system account in this environment, so the chown
	// attempt fails; that must not prevent the message from completing.
	if _, err := store.Read(queuestore.Deliver, "msg-mbox"); !queuestore.IsNotFound(err) {
		t.Fatalf("expected msg-mbox removed from deliver after full success, got err=%v", err)
	}
	_ = mc
}

func TestDeliverViaMaildirWritesAndMarksSent(t *testing.T) {
	dir := t.TempDir()
	store := queuestore.New(dir)
	rcpts := []address.Rcpt{rcpt("bob@example.invalid", address.TransferMaildir)}
	seedDeliver(t, store, "msg-maildir", rcpts)

	w := &Worker{Store: store, Config: Config{MaildirRoot: filepath.Join(dir, "home")}, Log: testLogger()}
	w.ProcessOne(context.Background(), "msg-maildir")

	path := filepath.Join(dir, "home", "bob", "Maildir", "new", "msg-maildir")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected maildir entry written: %v", err)
	}
	if _, err := store.Read(queuestore.Deliver, "msg-maildir"); !queuestore.IsNotFound(err) {
		t.Fatalf("expected msg-maildir removed from deliver, got err=%v", err)
	}
}

func TestTransferNoneRecipientNeverBlocksCompletion(t *testing.T) {
	dir := t.TempDir()
	store := queuestore.New(dir)
	rcpts := []address.Rcpt{rcpt("skip@example.invalid", address.TransferNone)}
	seedDeliver(t, store, "msg-none", rcpts)

	w := &Worker{Store: store, Config: Config{}, Log: testLogger()}
	w.ProcessOne(context.Background(), "msg-none")

	if _, err := store.Read(queuestore.Deliver, "msg-none"); !queuestore.IsNotFound(err) {
		t.Fatalf("expected msg-none removed from deliver (only a None recipient), got err=%v", err)
	}
	if _, err := store.Read(queuestore.Dead, "msg-none"); !queuestore.IsNotFound(err) {
		t.Fatal("msg-none should not have landed in dead")
	}
}

func TestFinalizeAllFailedMovesToDead(t *testing.T) {
	dir := t.TempDir()
	store := queuestore.New(dir)
	w := &Worker{Store: store, Log: testLogger()}

	mc := &mailctx.MailContext{
		Envelope: address.Envelope{Rcpt: []address.Rcpt{
			{Address: address.MustParse("a@example.invalid"), Transfer: address.Transfer{Method: address.TransferDeliver},
				Status: address.RcptStatus{Kind: address.StatusFailed, Reason: "bounced"}},
		}},
	}
	if err := store.Enqueue(queuestore.Deliver, "msg-dead", mc); err != nil {
		t.Fatal(err)
	}
	w.finalize("msg-dead", mc)

	if _, err := store.Read(queuestore.Dead, "msg-dead"); err != nil {
		t.Fatalf("expected msg-dead in dead queue: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "dead", "msg-dead.reason")); err != nil {
		t.Fatalf("expected .reason sidecar: %v", err)
	}
}

func TestFinalizeHeldBackMovesToDeferredWithBackoff(t *testing.T) {
	dir := t.TempDir()
	store := queuestore.New(dir)
	w := &Worker{Store: store, Log: testLogger(), Config: Config{RetryBase: time.Second, RetryCap: time.Minute}}

	mc := &mailctx.MailContext{
		Envelope: address.Envelope{Rcpt: []address.Rcpt{
			{Address: address.MustParse("a@example.invalid"), Transfer: address.Transfer{Method: address.TransferDeliver},
				Status: address.RcptStatus{Kind: address.StatusHeldBack, Tries: 2}},
		}},
		Metadata: &mailctx.MessageMetadata{MessageID: "msg-defer"},
	}
	if err := store.Enqueue(queuestore.Deliver, "msg-defer", mc); err != nil {
		t.Fatal(err)
	}
	before := time.Now()
	w.finalize("msg-defer", mc)

	got, err := store.Read(queuestore.Deferred, "msg-defer")
	if err != nil {
		t.Fatalf("expected msg-defer in deferred queue: %v", err)
	}
	if got.Metadata.Retry != 2 {
		t.Fatalf("expected Retry=2, got %d", got.Metadata.Retry)
	}
	if !got.Metadata.NextAttempt.After(before) {
		t.Fatal("expected NextAttempt to be set in the future")
	}
}

func TestFinalizeAllSentDeletesEntry(t *testing.T) {
	dir := t.TempDir()
	store := queuestore.New(dir)
	w := &Worker{Store: store, Log: testLogger()}

	mc := &mailctx.MailContext{
		Envelope: address.Envelope{Rcpt: []address.Rcpt{
			{Address: address.MustParse("a@example.invalid"), Transfer: address.Transfer{Method: address.TransferDeliver},
				Status: address.RcptStatus{Kind: address.StatusSent}},
		}},
	}
	if err := store.Enqueue(queuestore.Deliver, "msg-done", mc); err != nil {
		t.Fatal(err)
	}
	w.finalize("msg-done", mc)

	if _, err := store.Read(queuestore.Deliver, "msg-done"); !queuestore.IsNotFound(err) {
		t.Fatalf("expected msg-done gone from deliver, got err=%v", err)
	}
}

func TestSweepDeferredOnlyMovesDueEntries(t *testing.T) {
	dir := t.TempDir()
	store := queuestore.New(dir)
	w := &Worker{Store: store, Log: testLogger(), Config: Config{DeferredRetryPeriod: time.Hour}}

	due := &mailctx.MailContext{Metadata: &mailctx.MessageMetadata{MessageID: "due", NextAttempt: time.Now().Add(-time.Minute)}}
	notDue := &mailctx.MailContext{Metadata: &mailctx.MessageMetadata{MessageID: "not-due", NextAttempt: time.Now().Add(time.Hour)}}

	if err := store.Enqueue(queuestore.Deferred, "due", due); err != nil {
		t.Fatal(err)
	}
	if err := store.Enqueue(queuestore.Deferred, "not-due", notDue); err != nil {
		t.Fatal(err)
	}

	w.sweepDeferred(context.Background())

	if _, err := store.Read(queuestore.Deferred, "due"); !queuestore.IsNotFound(err) {
		t.Fatal("expected due entry removed from deferred")
	}
	// ProcessOne will have removed "due" from deliver as complete, since
	// it has no recipients at all; the important assertion here is
	// that it left deferred, not where it ended up next.
	if _, err := store.Read(queuestore.Deferred, "not-due"); err != nil {
		t.Fatalf("expected not-due entry to remain in deferred: %v", err)
	}
}
