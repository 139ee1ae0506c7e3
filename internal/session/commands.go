package session

import (
	"context"
	"strings"
	"time"

	"github.com/vsmtp/vsmtp-go/internal/address"
	"github.com/vsmtp/vsmtp-go/internal/mailctx"
	"github.com/vsmtp/vsmtp-go/internal/policy"
)

// dispatch parses one command line and routes it to the matching handler.
// Per spec.md §5 ("Ordering"), commands are strictly serialized: dispatch
// is never called again until the previous call has returned.
func (s *Session) dispatch(ctx context.Context, line string) error {
	verb, arg := splitCommand(line)
	if verb == "" {
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(500, "Syntax error, command unrecognized")
	}

	switch strings.ToUpper(verb) {
	case "HELO":
		return s.cmdHelo(ctx, arg, false)
	case "EHLO":
		return s.cmdHelo(ctx, arg, true)
	case "STARTTLS":
		return s.cmdStartTLS(ctx, arg)
	case "AUTH":
		return s.cmdAuth(ctx, arg)
	case "MAIL":
		return s.cmdMail(ctx, arg)
	case "RCPT":
		return s.cmdRcpt(ctx, arg)
	case "DATA":
		return s.cmdData(ctx, arg)
	case "RSET":
		s.mc.Reset()
		if s.state != StateStop {
			s.state = StateHelo
		}
		return s.replyPlain(250, "Ok")
	case "NOOP":
		return s.replyPlain(250, "Ok")
	case "HELP":
		return s.replyPlain(214, "See RFC 5321")
	case "VRFY", "EXPN":
		return s.replyPlain(252, "Cannot VRFY user, but will accept message and attempt delivery")
	case "QUIT":
		s.state = StateStop
		return s.replyPlain(221, "Service closing transmission channel")
	default:
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(501, "Syntax error in parameters or arguments")
	}
}

func splitCommand(line string) (verb, arg string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	idx := strings.IndexAny(line, " :")
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx:])
}

func (s *Session) requireState(allowed ...State) bool {
	for _, a := range allowed {
		if s.state == a {
			return true
		}
	}
	return false
}

func (s *Session) cmdHelo(ctx context.Context, arg string, extended bool) error {
	domain := strings.TrimSpace(arg)
	if domain == "" {
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(501, "Syntax error in parameters or arguments")
	}

	verdict, err := s.runPolicy(ctx, policy.Helo)
	if err != nil {
		return err
	}
	if verdict.Kind == mailctx.VerdictDeny {
		if s.countError(ctx) {
			return nil
		}
		return s.sendVerdictReply(verdict, 554, [3]int{5, 0, 0}, "Helo rejected")
	}

	s.mc.Reset()
	s.mc.Envelope.Helo = domain
	s.state = StateHelo

	if !extended {
		// Open Question (spec.md §9): preserve EHLO-only extension
		// advertisement; plain HELO just acknowledges, per §8 scenario 1.
		return s.replyPlain(250, "Ok")
	}
	return s.replyEhlo()
}

func (s *Session) replyEhlo() error {
	lines := []string{s.Config.ServerName}

	if s.Config.TLSConfig != nil && !s.Conn.IsSecured() {
		lines = append(lines, "STARTTLS")
	}
	if len(s.Config.AuthMechanisms) > 0 {
		if !s.Config.AuthMustBeAuthenticated || s.Conn.IsSecured() || s.Config.AuthEnableDangerousMechanismsWithoutEncryption {
			lines = append(lines, "AUTH "+strings.Join(s.Config.AuthMechanisms, " "))
		}
	}
	lines = append(lines, "8BITMIME", "SMTPUTF8")
	// PIPELINING is deliberately not advertised: the server serializes
	// replies (spec.md §4.4).

	return s.replyMultiline(250, lines)
}

func (s *Session) cmdStartTLS(ctx context.Context, _ string) error {
	if s.Conn.IsSecured() {
		return s.replyPlain(554, "5.5.1 Error: TLS already active")
	}
	if s.state != StateHelo {
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(503, "Bad sequence of commands")
	}
	if s.Config.TLSConfig == nil {
		return s.replyPlain(454, "TLS not available due to temporary reason")
	}

	if err := s.replyPlain(220, "Ready to start TLS"); err != nil {
		return err
	}
	if err := s.Conn.UpgradeTLS(s.Config.TLSConfig); err != nil {
		return err
	}

	s.mc.Connection.IsSecured = true
	// STARTTLS resets session state to Connect-equivalent: HELO must be
	// re-issued (spec.md §4.4).
	s.mc.Reset()
	s.mc.Envelope.Helo = ""
	s.state = StateConnect
	return nil
}

func (s *Session) cmdMail(ctx context.Context, arg string) error {
	if s.state != StateHelo {
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(503, "Bad sequence of commands")
	}
	if s.Config.AuthMustBeAuthenticated && s.Config.TLSConfig != nil && !s.Conn.IsSecured() {
		return s.replyPlain(530, "Must issue a STARTTLS command first")
	}

	addrStr, ok := extractBracketed(arg, "FROM")
	if !ok {
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(501, "Syntax error in parameters or arguments")
	}
	addr, err := address.Parse(addrStr)
	if err != nil {
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(553, "Invalid mailbox syntax")
	}

	verdict, perr := s.runPolicy(ctx, policy.MailFrom)
	if perr != nil {
		return perr
	}
	if verdict.Kind == mailctx.VerdictDeny {
		if s.countError(ctx) {
			return nil
		}
		return s.sendVerdictReply(verdict, 554, [3]int{5, 7, 1}, "Sender rejected")
	}

	now := time.Now()
	s.mc.Envelope.MailFrom = addr
	s.mc.Metadata = &mailctx.MessageMetadata{
		Timestamp: now,
		MessageID: mailctx.NewMessageID(now, s.mc.Connection.Timestamp),
	}
	s.state = StateMailFrom
	return s.replyPlain(250, "Ok")
}

func (s *Session) cmdRcpt(ctx context.Context, arg string) error {
	if !s.requireState(StateMailFrom, StateRcptTo) {
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(503, "Bad sequence of commands")
	}

	addrStr, ok := extractBracketed(arg, "TO")
	if !ok {
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(501, "Syntax error in parameters or arguments")
	}
	addr, err := address.Parse(addrStr)
	if err != nil {
		if s.countError(ctx) {
			return nil
		}
		return s.replyPlain(553, "Invalid mailbox syntax")
	}

	if s.Config.RcptCountMax > 0 && len(s.mc.Envelope.Rcpt) >= s.Config.RcptCountMax {
		return s.replyPlain(452, "Too many recipients")
	}

	verdict, perr := s.runPolicy(ctx, policy.RcptTo)
	if perr != nil {
		return perr
	}
	if verdict.Kind == mailctx.VerdictDeny {
		if s.countError(ctx) {
			return nil
		}
		return s.sendVerdictReply(verdict, 550, [3]int{5, 1, 1}, "Recipient rejected")
	}

	if err := s.mc.Envelope.AddRcpt(addr, address.Transfer{Method: address.TransferDeliver}); err != nil {
		return s.replyPlain(250, "Ok") // duplicate with identical transfer: tolerated, not re-added
	}
	s.state = StateRcptTo
	return s.replyPlain(250, "Ok")
}

// extractBracketed pulls the address out of "FROM:<addr> PARAM=value ..."
// (or "TO:..."), tolerating the bare unbracketed form some clients send.
func extractBracketed(arg, keyword string) (string, bool) {
	arg = strings.TrimSpace(arg)
	upper := strings.ToUpper(arg)
	kw := strings.ToUpper(keyword) + ":"
	if !strings.HasPrefix(upper, kw) {
		return "", false
	}
	rest := strings.TrimSpace(arg[len(kw):])

	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return "", false
		}
		return rest[1:end], true
	}

	// Bare address, trailing params separated by space.
	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		rest = rest[:sp]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}
