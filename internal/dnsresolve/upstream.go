package dnsresolve

import (
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/miekg/dns"
)

// Upstream queries a single configured DNS server directly via miekg/dns,
// bypassing the OS stub resolver. Used for the config schema's dns.Google,
// dns.CloudFlare, and dns.Custom{address} variants.
type Upstream struct {
	// Server is "host:port", e.g. "8.8.8.8:53".
	Server string
	Client *dns.Client
}

func NewUpstream(server string) *Upstream {
	return &Upstream{Server: server, Client: &dns.Client{}}
}

func NewGoogle() *Upstream     { return NewUpstream("8.8.8.8:53") }
func NewCloudFlare() *Upstream { return NewUpstream("1.1.1.1:53") }

func (u *Upstream) exchange(ctx context.Context, domain string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), qtype)
	m.RecursionDesired = true

	resp, _, err := u.Client.ExchangeContext(ctx, m, u.Server)
	if err != nil {
		return nil, fmt.Errorf("dnsresolve: querying %s for %s: %w", u.Server, domain, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dnsresolve: %s: rcode %s", domain, dns.RcodeToString[resp.Rcode])
	}
	return resp, nil
}

func (u *Upstream) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	resp, err := u.exchange(ctx, domain, dns.TypeMX)
	if err != nil {
		return nil, err
	}
	var out []*net.MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			out = append(out, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pref < out[j].Pref })
	return out, nil
}

func (u *Upstream) LookupHost(ctx context.Context, domain string) ([]string, error) {
	var out []string

	respA, err := u.exchange(ctx, domain, dns.TypeA)
	if err == nil {
		for _, rr := range respA.Answer {
			if a, ok := rr.(*dns.A); ok {
				out = append(out, a.A.String())
			}
		}
	}

	respAAAA, err6 := u.exchange(ctx, domain, dns.TypeAAAA)
	if err6 == nil {
		for _, rr := range respAAAA.Answer {
			if aaaa, ok := rr.(*dns.AAAA); ok {
				out = append(out, aaaa.AAAA.String())
			}
		}
	}

	if len(out) == 0 && err != nil {
		return nil, err
	}
	return out, nil
}

func (u *Upstream) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	resp, err := u.exchange(ctx, domain, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, txt.Txt...)
		}
	}
	return out, nil
}
