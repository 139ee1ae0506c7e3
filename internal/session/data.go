package session

import (
	"context"

	"github.com/vsmtp/vsmtp-go/internal/ioconn"
	"github.com/vsmtp/vsmtp-go/internal/mailctx"
	"github.com/vsmtp/vsmtp-go/internal/policy"
	"github.com/vsmtp/vsmtp-go/internal/queuestore"
)

func (s *Session) cmdData(ctx context.Context, _ string) error {
	if s.state != StateRcptTo || len(s.mc.Envelope.Rcpt) == 0 {
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(503, "Bad sequence of commands")
	}

	if err := s.replyPlain(354, "Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return err
	}

	raw, err := s.Conn.ReadDataSegment(s.Config.TimeoutPerState, s.Config.MaxDataSize)
	if err != nil {
		switch err {
		case ioconn.ErrTimeout:
			s.reply(421, [3]int{4, 4, 2}, "Timeout")
			s.state = StateStop
			return nil
		case ioconn.ErrTooLarge:
			return s.replyPlain(552, "Message size exceeds fixed maximum message size")
		default:
			return err
		}
	}

	s.state = StateData
	s.mc.Body.SetRaw(raw)

	s.insertReceivedHeader()

	verdict, perr := s.runPolicy(ctx, policy.PreQ)
	if perr != nil {
		return perr
	}

	if verdict.Kind == mailctx.VerdictDeny {
		s.state = StateRcptTo
		if s.countError(ctx) {
			return nil
		}
		return s.sendVerdictReply(verdict, 554, [3]int{5, 7, 1}, "Transaction failed")
	}
	return s.commit(ctx, verdict)
}

// insertReceivedHeader counts the Received headers already in the stored
// Body.Raw (RFC 5321 §6.3 loop detection) and logs a suspected loop when
// there are more than maxReceivedHops. It does not add a Received header
// and does not reject the message. The raw body is read just far enough
// to see the header block, without a full MIME parse.
func (s *Session) insertReceivedHeader() {
	// A lightweight header peek: count occurrences of "received:" at the
	// start of a line in the header block, stopping at the first blank
	// line, without invoking the full recursive MIME parser on
	// attacker-controlled input at this stage.
	count := countReceivedHeaders(s.mc.Body.Raw)
	if count > maxReceivedHops {
		s.Log.Msg("received header loop suspected", "count", count)
	}
}

const maxReceivedHops = 100

func countReceivedHeaders(raw string) int {
	count := 0
	lines := mimeparseSplitLinesForCount(raw)
	for _, l := range lines {
		if l == "" {
			break
		}
		if len(l) >= 9 && (l[:9] == "Received:" || l[:9] == "received:" || l[:9] == "RECEIVED:") {
			count++
		}
	}
	return count
}

// mimeparseSplitLinesForCount avoids pulling in mimeparse's internal
// splitter; it is intentionally minimal (CRLF/LF split only, no folding
// awareness) since it exists only to bound-check Received: hop count, not
// to parse the message.
func mimeparseSplitLinesForCount(raw string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\n' {
			line := raw[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	return lines
}

// commit implements spec.md §4.4's "Commit": assign/finalize metadata,
// write to working (or the policy-indicated quarantine queue), notify the
// post-queue worker, reply 250. Backpressure on Commit blocks up to the
// state timeout; on continued full channel the entry is rolled back.
func (s *Session) commit(ctx context.Context, verdict mailctx.PolicyVerdict) error {
	target := queuestore.Working
	if verdict.Kind == mailctx.VerdictQuarantine {
		q, err := queuestore.QuarantineQueue(verdict.Quarantine)
		if err != nil {
			return err
		}
		target = q
	}

	id := s.mc.Metadata.MessageID
	if err := s.Store.Enqueue(target, id, &s.mc); err != nil {
		return s.replyPlain(451, "Requested action aborted: local error in processing")
	}
	if s.Metric != nil {
		s.Metric.QueueEnqueue.WithLabelValues(string(target)).Inc()
	}

	if !s.notifyWorker(ctx, id) {
		s.Store.Remove(target, id)
		return s.replyPlain(451, "Requested action aborted: local error in processing")
	}

	s.mc.Reset()
	s.state = StateHelo
	return s.replyPlain(250, "Ok")
}

func (s *Session) notifyWorker(ctx context.Context, id string) bool {
	if s.Commit == nil {
		return true
	}
	timer := s.Config.TimeoutPerState
	if timer <= 0 {
		select {
		case s.Commit <- id:
			return true
		default:
			return false
		}
	}

	deadline, cancel := context.WithTimeout(ctx, timer)
	defer cancel()

	select {
	case s.Commit <- id:
		return true
	case <-deadline.Done():
		return false
	}
}
