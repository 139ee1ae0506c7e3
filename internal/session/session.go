// Package session implements the per-connection SMTP state machine
// (component E): command parsing, reply dispatch, TLS upgrade, SASL
// authentication, the error budget, and the end-of-DATA commit to the
// working queue.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/vsmtp/vsmtp-go/internal/ioconn"
	"github.com/vsmtp/vsmtp-go/internal/mailctx"
	"github.com/vsmtp/vsmtp-go/internal/metrics"
	"github.com/vsmtp/vsmtp-go/internal/policy"
	"github.com/vsmtp/vsmtp-go/internal/queuestore"
	"github.com/vsmtp/vsmtp-go/internal/verr"
	"github.com/vsmtp/vsmtp-go/internal/vlog"
)

// Session is one accepted connection's worth of protocol state. It is
// created fresh per connection and never shared across goroutines.
type Session struct {
	Conn   *ioconn.Conn
	Config Config
	Policy policy.Policy
	Hooks  *policy.Hooks
	Store  *queuestore.Store
	Metric *metrics.Metrics
	Log    vlog.Logger

	// Commit is the bounded channel the engine notifies the post-queue
	// worker on after a successful DATA commit; it carries message_ids.
	Commit chan<- string

	Kind ConnectionKind

	state      State
	mc         mailctx.MailContext
	errCount   int
	authFailed int
}

// New builds a Session ready to Run. mc.Connection should already carry
// ServerName/IsSecured/Timestamp as populated by the supervisor at accept
// time (spec.md §4.8).
func New(conn *ioconn.Conn, cfg Config, pol policy.Policy, hooks *policy.Hooks, store *queuestore.Store, m *metrics.Metrics, log vlog.Logger, commit chan<- string, kind ConnectionKind, mc mailctx.MailContext) *Session {
	return &Session{
		Conn: conn, Config: cfg, Policy: pol, Hooks: hooks, Store: store,
		Metric: m, Log: log, Commit: commit, Kind: kind, state: StateConnect, mc: mc,
	}
}

// Run drives the session to completion: greeting, command loop, and
// eventual Stop. It returns only once the connection is done with (on
// QUIT, a fatal IO error, or a closed transport) - never on a policy Deny,
// which merely sends a reply and continues.
func (s *Session) Run(ctx context.Context) {
	if s.Metric != nil {
		s.Metric.SessionsActive.Inc()
		defer s.Metric.SessionsActive.Dec()
		s.Metric.SessionsTotal.WithLabelValues(s.Kind.String()).Inc()
	}
	defer s.Conn.Close()

	if err := s.greet(ctx); err != nil {
		s.Log.Error("greeting failed", err)
		return
	}

	for s.state != StateStop {
		line, err := s.Conn.NextLine(s.Config.TimeoutPerState)
		if err != nil {
			s.handleReadError(err)
			return
		}

		if err := s.dispatch(ctx, line); err != nil {
			s.Log.Error("command dispatch failed", err, "line", line)
			return
		}
	}
}

func (s *Session) handleReadError(err error) {
	switch err {
	case ioconn.ErrTimeout:
		s.reply(421, [3]int{4, 4, 2}, "Timeout")
	case ioconn.ErrLineTooLong:
		s.reply(500, [3]int{5, 5, 2}, "Line too long")
	default:
		// EOF or a fatal transport error: close with no reply, per
		// spec.md §7 ("Fatal IO: terminate session; no reply").
	}
}

func (s *Session) greet(ctx context.Context) error {
	verdict, err := s.runPolicy(ctx, policy.Connect)
	if err != nil {
		return err
	}
	if verdict.Kind == mailctx.VerdictDeny {
		s.sendVerdictReply(verdict, 554, [3]int{5, 0, 0}, "Connection refused")
		s.state = StateStop
		return nil
	}
	s.state = StateHelo
	return s.reply(220, [3]int{2, 0, 0}, fmt.Sprintf("%s Service ready", s.Config.ServerName))
}

func (s *Session) runPolicy(ctx context.Context, stage policy.Stage) (mailctx.PolicyVerdict, error) {
	if s.Policy == nil {
		return mailctx.Next(), nil
	}
	return s.Policy.RunAt(ctx, stage, &s.mc, s.Hooks)
}

// reply sends one single-line SMTP reply, "code enhcode message".
func (s *Session) reply(code int, enh [3]int, msg string) error {
	line := fmt.Sprintf("%d %d.%d.%d %s\r\n", code, enh[0], enh[1], enh[2], msg)
	if s.Metric != nil {
		s.Metric.RepliesTotal.WithLabelValues(fmt.Sprintf("%dxx", code/100)).Inc()
	}
	return s.Conn.WriteAll([]byte(line))
}

// replyPlain sends a reply with no enhanced status code, for the small
// set of legacy replies that never carried one (221, 354 in the original
// RFC 821 base set are commonly sent bare by real servers; spec.md's
// literal scenarios in §8 show 250/220/221/354/501 all without one).
func (s *Session) replyPlain(code int, msg string) error {
	line := fmt.Sprintf("%d %s\r\n", code, msg)
	if s.Metric != nil {
		s.Metric.RepliesTotal.WithLabelValues(fmt.Sprintf("%dxx", code/100)).Inc()
	}
	return s.Conn.WriteAll([]byte(line))
}

// replyMultiline sends n lines where all but the last use "code-" and the
// last uses "code ", per spec.md §6.
func (s *Session) replyMultiline(code int, lines []string) error {
	var out []byte
	for i, l := range lines {
		sep := byte('-')
		if i == len(lines)-1 {
			sep = ' '
		}
		out = append(out, fmt.Sprintf("%d%c%s\r\n", code, sep, l)...)
	}
	if s.Metric != nil {
		s.Metric.RepliesTotal.WithLabelValues(fmt.Sprintf("%dxx", code/100)).Inc()
	}
	return s.Conn.WriteAll(out)
}

func (s *Session) sendVerdictReply(v mailctx.PolicyVerdict, defCode int, defEnh [3]int, defMsg string) error {
	if v.Reply != nil {
		return s.replyPlain(v.Reply.Code, v.Reply.Message)
	}
	return s.reply(defCode, defEnh, defMsg)
}

// countError increments the per-session error budget and applies the
// configured delay once SoftCount is reached; at HardCount it sends the
// closing 421 itself and reports true, so the caller must not send its own
// reply for the command that tripped the budget (spec.md §4.4 "Error
// budget and timeouts"). A negative SoftCount disables the mechanism
// entirely (used for fuzzing).
func (s *Session) countError(ctx context.Context) bool {
	if !s.Config.softCountEnabled() {
		return false
	}
	s.errCount++
	if s.errCount >= s.Config.HardCount {
		if s.Metric != nil {
			s.Metric.ErrorBudgetTripped.Inc()
		}
		s.reply(421, [3]int{4, 2, 0}, "Too many errors")
		s.state = StateStop
		return true
	}
	if s.errCount >= s.Config.SoftCount && s.Config.ErrDelay > 0 {
		select {
		case <-time.After(s.Config.ErrDelay):
		case <-ctx.Done():
		}
	}
	return false
}

// replyOf converts err (from a non-policy internal failure) to an SMTP
// reply using the verr conventions, for the rare path where session-layer
// code itself fails rather than being denied by policy.
func replyOf(err error) *verr.SMTPError {
	return verr.ReplyOf(err)
}
