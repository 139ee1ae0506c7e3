// Package policy implements the policy engine contract (component F): the
// interface the session engine uses to obtain a verdict at each stage and
// to let policy mutate the in-flight MailContext, plus two reference
// backends (ShellService, CsvDatabase) that a real policy implementation
// is expected to lean on for credential lookups and side effects.
package policy

import (
	"context"

	"github.com/vsmtp/vsmtp-go/internal/mailctx"
)

// Stage names a point in a session at which policy runs.
type Stage int

const (
	Connect Stage = iota
	Helo
	Authentication
	MailFrom
	RcptTo
	PreQ
	PostQ
	Delivery
)

func (s Stage) String() string {
	switch s {
	case Connect:
		return "connect"
	case Helo:
		return "helo"
	case Authentication:
		return "authentication"
	case MailFrom:
		return "mail_from"
	case RcptTo:
		return "rcpt_to"
	case PreQ:
		return "preq"
	case PostQ:
		return "postq"
	case Delivery:
		return "delivery"
	default:
		return "unknown"
	}
}

// Policy is the interface the session engine, post-queue worker, and
// delivery worker treat as opaque. Implementations must be synchronous and
// free of unbounded I/O in the hot path (long-running side effects are
// expressed by returning Quarantine or Faccept and doing the work in a
// worker stage instead), and deterministic for a given (stage, context)
// within one process lifetime - it may hold state, but that state must be
// explicit (e.g. a CsvDatabase opened from configuration), never hidden
// global mutable state.
type Policy interface {
	// RunAt evaluates policy for stage against mc, which it may mutate in
	// place via Hooks before returning.
	RunAt(ctx context.Context, stage Stage, mc *mailctx.MailContext, hooks *Hooks) (mailctx.PolicyVerdict, error)

	// SASLCredentials looks up the plaintext password for authID, needed by
	// mechanisms that must compute their own digest (CRAM-MD5). A missing
	// account, or a backend that cannot return a plaintext password (e.g. a
	// bcrypt-backed store), is reported as an error.
	SASLCredentials(ctx context.Context, authID string) (string, error)

	// SASLValidate verifies an (authID, authPass) pair directly; this is
	// the path PLAIN and LOGIN use, and the only one a hash-backed
	// credential store can support.
	SASLValidate(ctx context.Context, authID, authPass string) (bool, error)
}
