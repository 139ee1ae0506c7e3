// Package supervisor implements the server supervisor (component I):
// binds the three configured socket sets, spawns a session task per
// accepted connection, and enforces the global max-concurrent-connections
// cap named in spec.md §4.8.
package supervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vsmtp/vsmtp-go/internal/ioconn"
	"github.com/vsmtp/vsmtp-go/internal/mailctx"
	"github.com/vsmtp/vsmtp-go/internal/metrics"
	"github.com/vsmtp/vsmtp-go/internal/policy"
	"github.com/vsmtp/vsmtp-go/internal/queuestore"
	"github.com/vsmtp/vsmtp-go/internal/session"
	"github.com/vsmtp/vsmtp-go/internal/vlog"
)

// Config is the supervisor's resolved view of server.interfaces plus the
// per-connection session settings and the saturation cap. An empty Addr*
// field leaves that socket set unbound.
type Config struct {
	ServerName string

	Addr            string // opportunistic: plain, may STARTTLS
	AddrSubmission  string // plain, may STARTTLS, authenticated
	AddrSubmissions string // implicit TLS, authenticated

	MaxConnections int // <=0 means unbounded

	Session session.Config // Session.TLSConfig must be non-nil for AddrSubmissions to accept anything
}

// Supervisor owns the listening sockets and the shared, read-only state
// (policy engine, queue store, metrics) every spawned session is handed.
type Supervisor struct {
	Config Config
	Policy policy.Policy
	Hooks  *policy.Hooks
	Store  *queuestore.Store
	Metric *metrics.Metrics
	Log    vlog.Logger

	// Commit is the bounded channel each session notifies the post-queue
	// worker through after a successful DATA commit.
	Commit chan<- string

	sem *semaphore.Weighted
}

// Run binds every non-empty configured socket set and serves until ctx is
// canceled or a listener fails irrecoverably.
func (sv *Supervisor) Run(ctx context.Context) error {
	if sv.Config.MaxConnections > 0 {
		sv.sem = semaphore.NewWeighted(int64(sv.Config.MaxConnections))
	}

	g, ctx := errgroup.WithContext(ctx)
	if sv.Config.Addr != "" {
		g.Go(func() error { return sv.serve(ctx, sv.Config.Addr, session.Opportunistic) })
	}
	if sv.Config.AddrSubmission != "" {
		g.Go(func() error { return sv.serve(ctx, sv.Config.AddrSubmission, session.Submission) })
	}
	if sv.Config.AddrSubmissions != "" {
		g.Go(func() error { return sv.serve(ctx, sv.Config.AddrSubmissions, session.Tunneled) })
	}
	return g.Wait()
}

func (sv *Supervisor) serve(ctx context.Context, addr string, kind session.ConnectionKind) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("supervisor: listening on %s: %w", addr, err)
	}

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stopped:
		}
	}()
	defer close(stopped)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("supervisor: accept on %s (%s): %w", addr, kind, err)
		}
		go sv.handle(ctx, conn, kind)
	}
}

// handle runs one accepted connection to completion. On saturation it
// writes the greeting followed immediately by 421 and closes, per
// spec.md §4.8 ("new accepts are closed with 421 after the greeting")
// rather than silently dropping the connection.
func (sv *Supervisor) handle(ctx context.Context, conn net.Conn, kind session.ConnectionKind) {
	if sv.sem != nil && !sv.sem.TryAcquire(1) {
		sv.rejectSaturated(conn)
		return
	}
	if sv.sem != nil {
		defer sv.sem.Release(1)
	}

	secured := kind == session.Tunneled
	if secured {
		if sv.Config.Session.TLSConfig == nil {
			sv.Log.Msg("supervisor: implicit-TLS listener has no TLS config, refusing connection")
			conn.Close()
			return
		}
		tlsConn := tls.Server(conn, sv.Config.Session.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			sv.Log.Error("supervisor: implicit TLS handshake failed", err)
			tlsConn.Close()
			return
		}
		conn = tlsConn
	}

	mc := mailctx.MailContext{
		Connection: mailctx.ConnectionContext{
			Timestamp:  time.Now(),
			ServerName: sv.Config.ServerName,
			IsSecured:  secured,
		},
		ClientAddr: conn.RemoteAddr(),
		ClientIP:   conn.RemoteAddr().String(),
	}

	ioc := ioconn.New(conn, secured)
	sess := session.New(ioc, sv.Config.Session, sv.Policy, sv.Hooks, sv.Store, sv.Metric, sv.Log, sv.Commit, kind, mc)
	sess.Run(ctx)
}

func (sv *Supervisor) rejectSaturated(conn net.Conn) {
	defer conn.Close()
	greeting := fmt.Sprintf("220 %s Service ready\r\n", sv.Config.ServerName)
	busy := "421 4.3.2 too many connections, try again later\r\n"
	if _, err := conn.Write([]byte(greeting)); err != nil {
		return
	}
	conn.Write([]byte(busy))
}
