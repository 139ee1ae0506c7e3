package supervisor

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vsmtp/vsmtp-go/internal/policy"
	"github.com/vsmtp/vsmtp-go/internal/queuestore"
	"github.com/vsmtp/vsmtp-go/internal/session"
	"github.com/vsmtp/vsmtp-go/internal/vlog"
)

func testLogger() vlog.Logger {
	return vlog.Logger{Out: vlog.WriterOutput(io.Discard, false)}
}

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return &Supervisor{
		Config: Config{
			ServerName: "mx.test.invalid",
			Session: session.Config{
				ServerName:      "mx.test.invalid",
				RcptCountMax:    10,
				SoftCount:       -1,
				TimeoutPerState: 2 * time.Second,
			},
		},
		Policy: policy.NewStaticPolicy(nil),
		Store:  queuestore.New(t.TempDir()),
		Log:    testLogger(),
	}
}

// acceptOnePipe opens a real loopback listener and returns the dialed
// client connection plus the server-side connection accepted from it, so
// handle() can be exercised directly without going through Run/serve.
func acceptOnePipe(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = <-accepted
	return client, server
}

func TestHandleRunsSessionAndSendsGreeting(t *testing.T) {
	sv := testSupervisor(t)
	client, server := acceptOnePipe(t)
	defer client.Close()

	go sv.handle(context.Background(), server, session.Opportunistic)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(client).ReadString('\n')
	if err != nil {
		t.Fatalf("reading greeting: %v", err)
	}
	if line[:3] != "220" {
		t.Fatalf("expected 220 greeting, got %q", line)
	}
}

func TestHandleSaturatedConnectionGetsGreetingThen421(t *testing.T) {
	sv := testSupervisor(t)
	sv.sem = semaphore.NewWeighted(1)
	if !sv.sem.TryAcquire(1) {
		t.Fatal("setup: could not pre-acquire the single slot")
	}

	client, server := acceptOnePipe(t)
	defer client.Close()

	go sv.handle(context.Background(), server, session.Opportunistic)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(client)
	greeting, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading greeting: %v", err)
	}
	if greeting[:3] != "220" {
		t.Fatalf("expected 220 greeting, got %q", greeting)
	}
	busy, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading busy reply: %v", err)
	}
	if busy[:3] != "421" {
		t.Fatalf("expected 421 after saturation, got %q", busy)
	}

	// The server side must close immediately after; further reads see EOF.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	if _, err := client.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF after saturation reply, got %v", err)
	}
}

func TestHandleRefusesTunneledWithoutTLSConfig(t *testing.T) {
	sv := testSupervisor(t)
	client, server := acceptOnePipe(t)
	defer client.Close()

	go sv.handle(context.Background(), server, session.Tunneled)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	if _, err := client.Read(buf); err != io.EOF {
		t.Fatalf("expected connection closed with no data, got %v", err)
	}
}
