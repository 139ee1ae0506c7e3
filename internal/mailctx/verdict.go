package mailctx

import (
	"encoding/json"
	"fmt"

	"github.com/vsmtp/vsmtp-go/internal/verr"
)

// VerdictKind tags PolicyVerdict's variant.
type VerdictKind int

const (
	VerdictAccept VerdictKind = iota
	VerdictNext
	VerdictDeny
	VerdictFaccept
	VerdictInfo
	VerdictQuarantine
	VerdictSend
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictAccept:
		return "accept"
	case VerdictNext:
		return "next"
	case VerdictDeny:
		return "deny"
	case VerdictFaccept:
		return "faccept"
	case VerdictInfo:
		return "info"
	case VerdictQuarantine:
		return "quarantine"
	case VerdictSend:
		return "send"
	default:
		return "unknown"
	}
}

// PolicyVerdict is returned by Policy.RunAt (see internal/policy) at every
// session stage and steers both the reply sent to the client and what
// happens to the MailContext after this stage.
type PolicyVerdict struct {
	Kind       VerdictKind
	Reply      *verr.SMTPError // valid for Deny (optional) and Info (required)
	Quarantine string          // valid for Quarantine: target name under quarantine/
	Send       string          // valid for Send: opaque routing string
}

func Accept() PolicyVerdict   { return PolicyVerdict{Kind: VerdictAccept} }
func Next() PolicyVerdict     { return PolicyVerdict{Kind: VerdictNext} }
func Faccept() PolicyVerdict  { return PolicyVerdict{Kind: VerdictFaccept} }
func Deny(reply *verr.SMTPError) PolicyVerdict {
	return PolicyVerdict{Kind: VerdictDeny, Reply: reply}
}
func Info(reply *verr.SMTPError) PolicyVerdict {
	return PolicyVerdict{Kind: VerdictInfo, Reply: reply}
}
func Quarantine(name string) PolicyVerdict {
	return PolicyVerdict{Kind: VerdictQuarantine, Quarantine: name}
}
func Send(route string) PolicyVerdict { return PolicyVerdict{Kind: VerdictSend, Send: route} }

type verdictJSON struct {
	Kind         string `json:"kind"`
	ReplyCode    int    `json:"reply_code,omitempty"`
	ReplyMessage string `json:"reply_message,omitempty"`
	Quarantine   string `json:"quarantine,omitempty"`
	Send         string `json:"send,omitempty"`
}

func (v PolicyVerdict) MarshalJSON() ([]byte, error) {
	vj := verdictJSON{Kind: v.Kind.String(), Quarantine: v.Quarantine, Send: v.Send}
	if v.Reply != nil {
		vj.ReplyCode = v.Reply.Code
		vj.ReplyMessage = v.Reply.Message
	}
	return json.Marshal(vj)
}

func (v *PolicyVerdict) UnmarshalJSON(data []byte) error {
	var vj verdictJSON
	if err := json.Unmarshal(data, &vj); err != nil {
		return err
	}
	kinds := map[string]VerdictKind{
		"accept": VerdictAccept, "next": VerdictNext, "deny": VerdictDeny,
		"faccept": VerdictFaccept, "info": VerdictInfo, "quarantine": VerdictQuarantine,
		"send": VerdictSend,
	}
	k, ok := kinds[vj.Kind]
	if !ok {
		return fmt.Errorf("mailctx: unknown verdict kind %q", vj.Kind)
	}
	v.Kind = k
	v.Quarantine = vj.Quarantine
	v.Send = vj.Send
	if vj.ReplyCode != 0 {
		v.Reply = &verr.SMTPError{Code: vj.ReplyCode, Message: vj.ReplyMessage}
	} else {
		v.Reply = nil
	}
	return nil
}
