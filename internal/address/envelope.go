package address

import (
	"encoding/json"
	"fmt"
)

// TransferMethod names the protocol used to deliver to one recipient.
type TransferMethod int

const (
	TransferNone TransferMethod = iota
	TransferDeliver
	TransferMbox
	TransferMaildir
	TransferForward
)

// Transfer is a recipient's transfer method; Host carries the host
// parameter for TransferForward and is empty for every other method.
type Transfer struct {
	Method TransferMethod
	Host   string // only meaningful when Method == TransferForward
}

func (t Transfer) String() string {
	switch t.Method {
	case TransferNone:
		return "none"
	case TransferDeliver:
		return "deliver"
	case TransferMbox:
		return "mbox"
	case TransferMaildir:
		return "maildir"
	case TransferForward:
		return "forward(" + t.Host + ")"
	default:
		return "unknown"
	}
}

type transferJSON struct {
	Method string `json:"method"`
	Host   string `json:"host,omitempty"`
}

func (t Transfer) MarshalJSON() ([]byte, error) {
	names := [...]string{"none", "deliver", "mbox", "maildir", "forward"}
	if int(t.Method) < 0 || int(t.Method) >= len(names) {
		return nil, fmt.Errorf("address: invalid transfer method %d", t.Method)
	}
	return json.Marshal(transferJSON{Method: names[t.Method], Host: t.Host})
}

func (t *Transfer) UnmarshalJSON(data []byte) error {
	var tj transferJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return err
	}
	switch tj.Method {
	case "none", "":
		t.Method = TransferNone
	case "deliver":
		t.Method = TransferDeliver
	case "mbox":
		t.Method = TransferMbox
	case "maildir":
		t.Method = TransferMaildir
	case "forward":
		t.Method = TransferForward
	default:
		return fmt.Errorf("address: unknown transfer method %q", tj.Method)
	}
	t.Host = tj.Host
	return nil
}

// RcptStatusKind is the tag of Rcpt.Status.
type RcptStatusKind int

const (
	StatusWaiting RcptStatusKind = iota
	StatusSent
	StatusHeldBack
	StatusFailed
)

// RcptStatus is the per-recipient delivery status. Transitions are
// monotonic except Waiting -> HeldBack(n) -> HeldBack(n+1) up to a
// configured cap, then -> Failed (see Terminal below and Rcpt.HoldBack).
type RcptStatus struct {
	Kind   RcptStatusKind
	Tries  int    // valid when Kind == StatusHeldBack: number of attempts so far
	Reason string // valid when Kind == StatusFailed
}

func (s RcptStatus) Terminal() bool {
	return s.Kind == StatusSent || s.Kind == StatusFailed
}

type rcptStatusJSON struct {
	Kind   string `json:"kind"`
	Tries  int    `json:"tries,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s RcptStatus) MarshalJSON() ([]byte, error) {
	names := [...]string{"waiting", "sent", "held_back", "failed"}
	return json.Marshal(rcptStatusJSON{Kind: names[s.Kind], Tries: s.Tries, Reason: s.Reason})
}

func (s *RcptStatus) UnmarshalJSON(data []byte) error {
	var sj rcptStatusJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return err
	}
	switch sj.Kind {
	case "waiting", "":
		s.Kind = StatusWaiting
	case "sent":
		s.Kind = StatusSent
	case "held_back":
		s.Kind = StatusHeldBack
	case "failed":
		s.Kind = StatusFailed
	default:
		return fmt.Errorf("address: unknown rcpt status %q", sj.Kind)
	}
	s.Tries = sj.Tries
	s.Reason = sj.Reason
	return nil
}

// Rcpt is one recipient of an envelope.
type Rcpt struct {
	Address  Address    `json:"address"`
	Transfer Transfer   `json:"transfer"`
	Status   RcptStatus `json:"status"`
}

// HoldBack advances the recipient to HeldBack(tries+1), or to Failed once
// tries+1 reaches maxTries.
func (r *Rcpt) HoldBack(maxTries int) {
	tries := 0
	if r.Status.Kind == StatusHeldBack {
		tries = r.Status.Tries
	}
	tries++
	if tries >= maxTries {
		r.Status = RcptStatus{Kind: StatusFailed, Reason: "maximum retry attempts exceeded"}
		return
	}
	r.Status = RcptStatus{Kind: StatusHeldBack, Tries: tries}
}

// Envelope is the SMTP-level sender and recipients of one transaction,
// distinct from the message headers parsed out of the body.
type Envelope struct {
	Helo     string `json:"helo"`
	MailFrom Address `json:"mail_from"`
	Rcpt     []Rcpt  `json:"rcpt"`
}

// AddRcpt appends rcpt with the given transfer method. Per spec.md §3,
// duplicate addresses are allowed only if the transfer method differs.
func (e *Envelope) AddRcpt(addr Address, transfer Transfer) error {
	for _, existing := range e.Rcpt {
		if existing.Address.Equal(addr) && existing.Transfer == transfer {
			return fmt.Errorf("address: duplicate recipient %s with identical transfer method", addr.Full())
		}
	}
	e.Rcpt = append(e.Rcpt, Rcpt{Address: addr, Transfer: transfer, Status: RcptStatus{Kind: StatusWaiting}})
	return nil
}

// Reset clears the envelope in place, used by RSET and by a fresh
// HELO/EHLO after a completed transaction.
func (e *Envelope) Reset() {
	e.MailFrom = Address{}
	e.Rcpt = nil
}
