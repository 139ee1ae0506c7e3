package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/vsmtp/vsmtp-go/internal/address"
	"github.com/vsmtp/vsmtp-go/internal/mailctx"
	"github.com/vsmtp/vsmtp-go/internal/queuestore"
)

func TestParseQueueAcceptsFixedAndQuarantineNames(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"working", false},
		{"deliver", false},
		{"deferred", false},
		{"dead", false},
		{"spam", false}, // valid quarantine name
		{"../escape", true},
		{"", true},
	}
	for _, c := range cases {
		_, err := parseQueue(c.name)
		if (err != nil) != c.wantErr {
			t.Errorf("parseQueue(%q): err=%v, wantErr=%v", c.name, err, c.wantErr)
		}
	}
}

func writeTestConfig(t *testing.T, queueDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vsmtp.toml")
	body := "server.name = \"mx.test.invalid\"\n" +
		"server.interfaces.addr = \"127.0.0.1:2525\"\n" +
		"server.smtp.rcpt_count_max = 10\n" +
		"server.queues.dirpath = \"" + queueDir + "\"\n"
	if err := os.WriteFile(path, []byte(body), 0o640); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func ctxWithConfig(t *testing.T, cfgPath string, extra []cli.Flag, args []string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	(&cli.StringFlag{Name: "config", Value: "/etc/vsmtp/vsmtp.toml"}).Apply(set)
	for _, f := range extra {
		f.Apply(set)
	}
	if err := set.Parse(args); err != nil {
		t.Fatalf("parsing test flags: %v", err)
	}
	app := &cli.App{}
	c := cli.NewContext(app, set, nil)
	if err := c.Set("config", cfgPath); err != nil {
		t.Fatalf("setting config flag: %v", err)
	}
	return c
}

func seedDeliverEntry(t *testing.T, store *queuestore.Store, id, helo string) *mailctx.MailContext {
	t.Helper()
	mc := &mailctx.MailContext{
		Connection: mailctx.ConnectionContext{ServerName: "mx.test.invalid"},
		Envelope: address.Envelope{
			Helo:     helo,
			MailFrom: address.Address{},
			Rcpt: []address.Rcpt{
				{Address: address.Address{}, Transfer: address.Transfer{Method: address.TransferMbox}, Status: address.RcptStatus{Kind: address.StatusWaiting}},
			},
		},
	}
	mc.Body.SetRaw("Subject: test\r\n\r\nhello\r\n")
	if err := store.Enqueue(queuestore.Deliver, id, mc); err != nil {
		t.Fatalf("seeding %s: %v", id, err)
	}
	return mc
}

func TestMsgShowEmlDumpsRawBody(t *testing.T) {
	dir := t.TempDir()
	store := queuestore.New(dir)
	seedDeliverEntry(t, store, "msg-1", "client.invalid")
	cfgPath := writeTestConfig(t, dir)

	c := ctxWithConfig(t, cfgPath, nil, []string{"deliver", "msg-1", "eml"})

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	err := runMsgShow(c)
	w.Close()
	os.Stdout = old
	if err != nil {
		t.Fatalf("runMsgShow: %v", err)
	}
	var buf bytes.Buffer
	buf.ReadFrom(r)
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected body to contain %q, got %q", "hello", buf.String())
	}
}

func TestMsgShowJSONDumpsFullContext(t *testing.T) {
	dir := t.TempDir()
	store := queuestore.New(dir)
	seedDeliverEntry(t, store, "msg-2", "client.invalid")
	cfgPath := writeTestConfig(t, dir)

	c := ctxWithConfig(t, cfgPath, nil, []string{"deliver", "msg-2", "json"})

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	err := runMsgShow(c)
	w.Close()
	os.Stdout = old
	if err != nil {
		t.Fatalf("runMsgShow: %v", err)
	}
	var buf bytes.Buffer
	buf.ReadFrom(r)
	var decoded mailctx.MailContext
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decoding json output: %v\noutput: %s", err, buf.String())
	}
	if decoded.Envelope.Helo != "client.invalid" {
		t.Fatalf("expected helo %q, got %q", "client.invalid", decoded.Envelope.Helo)
	}
}

func TestMsgShowUnknownIDReturnsNotFoundExitCode(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)
	c := ctxWithConfig(t, cfgPath, nil, []string{"deliver", "nope", "eml"})

	err := runMsgShow(c)
	if err == nil {
		t.Fatal("expected a not-found error")
	}
	ee, ok := err.(*exitError)
	if !ok || ee.code != exitNotFound {
		t.Fatalf("expected exitNotFound, got %v", err)
	}
}

func TestMsgMoveWrapsQueueStoreMove(t *testing.T) {
	dir := t.TempDir()
	store := queuestore.New(dir)
	seedDeliverEntry(t, store, "msg-3", "client.invalid")
	cfgPath := writeTestConfig(t, dir)

	c := ctxWithConfig(t, cfgPath, nil, []string{"deliver", "msg-3", "dead"})
	if err := runMsgMove(c); err != nil {
		t.Fatalf("runMsgMove: %v", err)
	}

	if _, err := store.Read(queuestore.Deliver, "msg-3"); !queuestore.IsNotFound(err) {
		t.Fatalf("expected msg-3 gone from deliver, got err=%v", err)
	}
	if _, err := store.Read(queuestore.Dead, "msg-3"); err != nil {
		t.Fatalf("expected msg-3 present in dead: %v", err)
	}
}

func TestMsgRemoveWithYesSkipsConfirmation(t *testing.T) {
	dir := t.TempDir()
	store := queuestore.New(dir)
	seedDeliverEntry(t, store, "msg-4", "client.invalid")
	cfgPath := writeTestConfig(t, dir)

	yesFlag := []cli.Flag{&cli.BoolFlag{Name: "yes"}}
	c := ctxWithConfig(t, cfgPath, yesFlag, []string{"--yes", "deliver", "msg-4"})

	if err := runMsgRemove(c); err != nil {
		t.Fatalf("runMsgRemove: %v", err)
	}
	if _, err := store.Read(queuestore.Deliver, "msg-4"); !queuestore.IsNotFound(err) {
		t.Fatalf("expected msg-4 removed, got err=%v", err)
	}
}

func TestShowGroupsByHelo(t *testing.T) {
	dir := t.TempDir()
	store := queuestore.New(dir)
	seedDeliverEntry(t, store, "msg-5", "alpha.invalid")
	seedDeliverEntry(t, store, "msg-6", "alpha.invalid")
	seedDeliverEntry(t, store, "msg-7", "beta.invalid")
	cfgPath := writeTestConfig(t, dir)

	c := ctxWithConfig(t, cfgPath, nil, []string{"deliver"})

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	err := runShow(c)
	w.Close()
	os.Stdout = old
	if err != nil {
		t.Fatalf("runShow: %v", err)
	}
	var buf bytes.Buffer
	buf.ReadFrom(r)
	out := buf.String()
	if !strings.Contains(out, "alpha.invalid") || !strings.Contains(out, "beta.invalid") {
		t.Fatalf("expected both helos in output, got:\n%s", out)
	}
}
