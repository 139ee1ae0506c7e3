// Package mailctx holds the per-transaction aggregate (MailContext) that
// flows from the session engine through the queue store to the post-queue
// and delivery workers. It is the one type every other domain package
// (session, policy, postqueue, delivery, queuestore) shares.
package mailctx

import (
	"encoding/json"
	"fmt"

	"github.com/vsmtp/vsmtp-go/internal/mimeparse"
)

// BodyKind tags Body's variant.
type BodyKind int

const (
	// BodyEmpty is the state before DATA.
	BodyEmpty BodyKind = iota
	// BodyRaw is the state after DATA, before the MIME parser has run.
	BodyRaw
	// BodyParsed is the state after a successful MIME parse.
	BodyParsed
)

// Body is the tagged variant {Empty | Raw(string) | Parsed(Mail)}.
// Transition Raw->Parsed is idempotent (re-parsing replaces Mail in place);
// Empty->Raw happens exactly once per transaction, at end of DATA.
type Body struct {
	Kind BodyKind
	Raw  string          // valid when Kind == BodyRaw
	Mail *mimeparse.Mail // valid when Kind == BodyParsed
}

func (b *Body) SetRaw(s string) {
	b.Kind = BodyRaw
	b.Raw = s
	b.Mail = nil
}

func (b *Body) SetParsed(m *mimeparse.Mail) {
	b.Kind = BodyParsed
	b.Mail = m
}

func (b Body) IsEmpty() bool { return b.Kind == BodyEmpty }

type bodyJSON struct {
	Kind string          `json:"kind"`
	Raw  string          `json:"raw,omitempty"`
	Mail *mimeparse.Mail `json:"mail,omitempty"`
}

func (b Body) MarshalJSON() ([]byte, error) {
	switch b.Kind {
	case BodyEmpty:
		return json.Marshal(bodyJSON{Kind: "empty"})
	case BodyRaw:
		return json.Marshal(bodyJSON{Kind: "raw", Raw: b.Raw})
	case BodyParsed:
		return json.Marshal(bodyJSON{Kind: "parsed", Mail: b.Mail})
	default:
		return nil, fmt.Errorf("mailctx: invalid body kind %d", b.Kind)
	}
}

func (b *Body) UnmarshalJSON(data []byte) error {
	var bj bodyJSON
	if err := json.Unmarshal(data, &bj); err != nil {
		return err
	}
	switch bj.Kind {
	case "empty", "":
		*b = Body{Kind: BodyEmpty}
	case "raw":
		*b = Body{Kind: BodyRaw, Raw: bj.Raw}
	case "parsed":
		*b = Body{Kind: BodyParsed, Mail: bj.Mail}
	default:
		return fmt.Errorf("mailctx: unknown body kind %q", bj.Kind)
	}
	return nil
}
