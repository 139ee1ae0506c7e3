package policy

import (
	"context"
	"fmt"

	"github.com/vsmtp/vsmtp-go/internal/mailctx"
)

// Rule is one stage's policy logic: inspect (and optionally mutate) mc,
// return a verdict. A returned error is not turned into a reply: the
// session engine logs it and closes the connection without replying, and
// the post-queue worker leaves the message in working. An explicit Deny
// verdict is the way to refuse an expected outcome (unknown recipient,
// rate limit) with a reply.
type Rule func(ctx context.Context, mc *mailctx.MailContext, hooks *Hooks) (mailctx.PolicyVerdict, error)

// StaticPolicy is a reference Policy built from a fixed table of per-stage
// rules plus a credential backend, with no script language behind it -
// the minimal concrete implementation of the §4.5 contract, suitable for
// embedding a small number of Go-native checks directly in configuration
// rather than through the (out-of-scope) scripting layer.
type StaticPolicy struct {
	Rules       map[Stage]Rule
	Credentials CredentialBackend
}

// CredentialBackend backs SASLCredentials/SASLValidate. *CsvDatabase
// implements it for the password-lookup-free, verify-only path (PLAIN
// submits a plaintext password here too, since bcrypt comparison only
// works in the verify direction).
type CredentialBackend interface {
	Validate(authID, pass string) (bool, error)
}

func NewStaticPolicy(creds CredentialBackend) *StaticPolicy {
	return &StaticPolicy{Rules: make(map[Stage]Rule), Credentials: creds}
}

// On registers rule for stage, replacing any previous rule for that stage.
func (p *StaticPolicy) On(stage Stage, rule Rule) *StaticPolicy {
	p.Rules[stage] = rule
	return p
}

func (p *StaticPolicy) RunAt(ctx context.Context, stage Stage, mc *mailctx.MailContext, hooks *Hooks) (mailctx.PolicyVerdict, error) {
	rule, ok := p.Rules[stage]
	if !ok {
		return mailctx.Next(), nil
	}
	return rule(ctx, mc, hooks)
}

// SASLCredentials has no plaintext password to return for a bcrypt-backed
// store; CRAM-MD5 (the one mechanism that needs a plaintext password to
// compute its own digest) is therefore unsupported against StaticPolicy's
// default CsvDatabase backend: a CRAM-MD5 exchange always fails here. The
// session engine still advertises whatever AuthMechanisms lists.
func (p *StaticPolicy) SASLCredentials(ctx context.Context, authID string) (string, error) {
	return "", fmt.Errorf("policy: SASLCredentials not supported by this backend for %q", authID)
}

func (p *StaticPolicy) SASLValidate(ctx context.Context, authID, authPass string) (bool, error) {
	if p.Credentials == nil {
		return false, fmt.Errorf("policy: no credential backend configured")
	}
	return p.Credentials.Validate(authID, authPass)
}
