package address

import (
	"encoding/json"
	"testing"
)

func TestParseValid(t *testing.T) {
	cases := []string{"john@doe", "aa@bb", "postmaster", "user.name@sub.example.com"}
	for _, c := range cases {
		if _, err := Parse(c); err != nil {
			t.Errorf("Parse(%q) = %v, want nil", c, err)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{"", "noatsign", "@nomailbox", "user@", "user@.bad", "user@bad..com"}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) = nil, want error", c)
		}
	}
}

func TestAddressAccessors(t *testing.T) {
	a := MustParse("john@doe.example")
	if a.LocalPart() != "john" {
		t.Errorf("LocalPart() = %q", a.LocalPart())
	}
	if a.Domain() != "doe.example" {
		t.Errorf("Domain() = %q", a.Domain())
	}
	if a.Full() != "john@doe.example" {
		t.Errorf("Full() = %q", a.Full())
	}
}

func TestAddressEqualByFullOnly(t *testing.T) {
	a := MustParse("John@Example.com")
	b := MustParse("John@Example.com")
	c := MustParse("john@example.com")
	if !a.Equal(b) {
		t.Error("identical strings should be Equal")
	}
	if a.Equal(c) {
		t.Error("Equal must compare full string only, not case-fold")
	}
}

func TestAddressJSONRoundTrip(t *testing.T) {
	a := MustParse("john@doe.example")
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	var b Address
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Errorf("round-trip changed address: %v != %v", a, b)
	}
}

func TestEnvelopeAddRcptDuplicateTransfer(t *testing.T) {
	var e Envelope
	addr := MustParse("a@b.com")
	if err := e.AddRcpt(addr, Transfer{Method: TransferDeliver}); err != nil {
		t.Fatal(err)
	}
	if err := e.AddRcpt(addr, Transfer{Method: TransferDeliver}); err == nil {
		t.Error("expected duplicate rcpt with identical transfer to be rejected")
	}
	if err := e.AddRcpt(addr, Transfer{Method: TransferMbox}); err != nil {
		t.Errorf("duplicate address with different transfer method should be allowed: %v", err)
	}
	if len(e.Rcpt) != 2 {
		t.Errorf("len(Rcpt) = %d, want 2", len(e.Rcpt))
	}
}

func TestRcptHoldBackCap(t *testing.T) {
	r := Rcpt{Status: RcptStatus{Kind: StatusWaiting}}
	r.HoldBack(3)
	if r.Status.Kind != StatusHeldBack || r.Status.Tries != 1 {
		t.Fatalf("after first HoldBack: %+v", r.Status)
	}
	r.HoldBack(3)
	if r.Status.Kind != StatusHeldBack || r.Status.Tries != 2 {
		t.Fatalf("after second HoldBack: %+v", r.Status)
	}
	r.HoldBack(3)
	if r.Status.Kind != StatusFailed {
		t.Fatalf("expected Failed after exceeding cap, got %+v", r.Status)
	}
}

func TestTransferJSONRoundTrip(t *testing.T) {
	tr := Transfer{Method: TransferForward, Host: "mx.example.com"}
	data, err := json.Marshal(tr)
	if err != nil {
		t.Fatal(err)
	}
	var got Transfer
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got != tr {
		t.Errorf("round trip = %+v, want %+v", got, tr)
	}
}
