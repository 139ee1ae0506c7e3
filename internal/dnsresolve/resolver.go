// Package dnsresolve implements the DNS lookups used by policy RCPT/PreQ
// hooks and by the delivery worker's MX-based routing: MX, A/AAAA, and TXT.
// The config schema's dns.{System|Google|CloudFlare|Custom} selects which
// implementation below backs a given MessageMetadata.Resolver name.
package dnsresolve

import (
	"context"
	"net"
)

// Resolver is the lookup surface every caller (policy, delivery) depends
// on. *net.Resolver already implements it, so the System variant needs no
// wrapper type; *mockdns.Resolver implements the same method set, so tests
// substitute it directly.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
	LookupHost(ctx context.Context, domain string) ([]string, error)
	LookupTXT(ctx context.Context, domain string) ([]string, error)
}

// NewSystem returns the OS stub resolver as a Resolver, matching the
// config schema's dns.System variant.
func NewSystem() Resolver { return net.DefaultResolver }
