// Package address implements RFC 5321 mailbox parsing and the envelope
// types (Envelope, Rcpt) that the session engine and delivery worker pass
// around.
package address

import (
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// Address is a validated RFC 5321 mailbox string plus the precomputed
// index of '@'. full contains exactly one '@' (the bare "postmaster" form
// is the single exception, matching RFC 5321's forward-path grammar) and
// parses as a valid address. Equality and hashing are by full alone.
type Address struct {
	full  string
	atIdx int // -1 for the bare postmaster form
}

// Parse validates addr as an RFC 5321 mailbox and returns the Address.
func Parse(addr string) (Address, error) {
	if err := Valid(addr); err != nil {
		return Address{}, err
	}
	idx := strings.LastIndexByte(addr, '@')
	return Address{full: addr, atIdx: idx}, nil
}

// MustParse is Parse but panics on error; only for literals in tests.
func MustParse(addr string) Address {
	a, err := Parse(addr)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) Full() string { return a.full }

func (a Address) LocalPart() string {
	if a.atIdx < 0 {
		return a.full
	}
	return a.full[:a.atIdx]
}

func (a Address) Domain() string {
	if a.atIdx < 0 {
		return ""
	}
	return a.full[a.atIdx+1:]
}

func (a Address) IsZero() bool { return a.full == "" }

func (a Address) String() string { return a.full }

func (a Address) Equal(b Address) bool {
	return a.full == b.full
}

// MarshalJSON/UnmarshalJSON store the Address as its plain string form;
// atIdx is recomputed on load, so JSON round-tripping through
// Address preserves full and therefore Equal/hashing semantics exactly
// (spec.md §8 "Address equality is preserved across JSON round-trip").
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.full)
}

func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*a = Address{}
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Split splits an RFC 5321 forward-path token into local-part and domain.
// The bare "postmaster" address is the one case with no domain part.
// Split performs minimal validation; use Valid for full validation.
func Split(addr string) (mailbox, domain string, err error) {
	if strings.EqualFold(addr, "postmaster") {
		return addr, "", nil
	}

	idx := strings.LastIndexByte(addr, '@')
	if idx == -1 {
		return "", "", errors.New("address: missing at-sign")
	}
	mailbox = addr[:idx]
	domain = addr[idx+1:]
	if mailbox == "" {
		return "", "", errors.New("address: empty local-part")
	}
	if domain == "" {
		return "", "", errors.New("address: empty domain")
	}
	return mailbox, domain, nil
}

// Valid reports whether addr parses as a valid RFC 5321 mailbox. Rules are
// deliberately conservative subsets of the full grammar, matching the
// "reject obvious garbage" posture taken by the corpus MTAs rather than a
// byte-exact RFC 5322 address-spec parser.
func Valid(addr string) error {
	if len(addr) == 0 {
		return errors.New("address: empty address")
	}
	if len(addr) > 320 { // RFC 3696: 320, not the oft-cited 255
		return errors.New("address: too long")
	}

	mbox, domain, err := Split(addr)
	if err != nil {
		return err
	}

	if domain == "" {
		// Only reachable for the "postmaster" special case.
		return nil
	}

	if !validMailboxName(mbox) {
		return errors.New("address: invalid local-part")
	}
	if !validDomain(domain) {
		return errors.New("address: invalid domain")
	}
	return nil
}

func validMailboxName(mbox string) bool {
	if mbox == "" || len(mbox) > 64 {
		return false
	}
	if strings.HasPrefix(mbox, "\"") && strings.HasSuffix(mbox, "\"") && len(mbox) >= 2 {
		return true // quoted-string local-part, accept as opaque
	}
	if strings.HasPrefix(mbox, ".") || strings.HasSuffix(mbox, ".") || strings.Contains(mbox, "..") {
		return false
	}
	for _, ch := range mbox {
		if ch <= ' ' || ch == 0x7f {
			return false
		}
		if strings.ContainsRune("()<>[]:;@\\,\"", ch) {
			return false
		}
	}
	return true
}

func validDomain(domain string) bool {
	if len(domain) > 255 {
		return false
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}
	if strings.Contains(domain, "..") {
		return false
	}
	if strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]") {
		return true // address literal, e.g. [192.0.2.1]
	}
	labels := strings.Split(domain, ".")
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return false
		}
	}
	return true
}

// IsASCII reports whether s contains only 7-bit characters, used to decide
// whether SMTPUTF8 was required for a given MAIL FROM/RCPT TO argument.
func IsASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

// CleanDomain converts the domain part of addr to A-label (punycode) form
// and case-folds it, leaving the local-part untouched. Used when
// normalizing MAIL FROM/RCPT TO arguments before they are stored or used
// for routing decisions.
func CleanDomain(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return strings.ToLower(addr), err
	}
	if domain == "" {
		return mbox, nil
	}

	aDomain, err := idna.ToASCII(domain)
	if err != nil {
		return strings.ToLower(addr), err
	}
	return mbox + "@" + strings.ToLower(aDomain), nil
}

// ForLookup returns a canonical form of addr suitable for map keys/
// equality checks: NFC-normalized, case-folded local-part and A-label,
// case-folded domain.
func ForLookup(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return strings.ToLower(addr), err
	}

	mbox = strings.ToLower(norm.NFC.String(mbox))
	if domain == "" {
		return mbox, nil
	}

	aDomain, err := idna.ToASCII(domain)
	if err != nil {
		return strings.ToLower(addr), err
	}
	return mbox + "@" + strings.ToLower(aDomain), nil
}
