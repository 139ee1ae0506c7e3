package dnsresolve

import (
	"context"
	"net"
	"testing"

	"github.com/foxcpp/go-mockdns"
)

func testResolver(t *testing.T) Resolver {
	t.Helper()
	return &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}},
			TXT: []string{"v=spf1 -all"},
		},
		"mx.example.invalid.": {
			A: []string{"127.0.0.1"},
		},
	}}
}

func TestMockResolverLookupMX(t *testing.T) {
	r := testResolver(t)
	mxs, err := r.LookupMX(context.Background(), "example.invalid")
	if err != nil {
		t.Fatal(err)
	}
	if len(mxs) != 1 || mxs[0].Host != "mx.example.invalid." {
		t.Fatalf("mxs = %+v", mxs)
	}
}

func TestMockResolverLookupHost(t *testing.T) {
	r := testResolver(t)
	addrs, err := r.LookupHost(context.Background(), "mx.example.invalid")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0] != "127.0.0.1" {
		t.Fatalf("addrs = %v", addrs)
	}
}

func TestMockResolverLookupTXT(t *testing.T) {
	r := testResolver(t)
	txt, err := r.LookupTXT(context.Background(), "example.invalid")
	if err != nil {
		t.Fatal(err)
	}
	if len(txt) != 1 || txt[0] != "v=spf1 -all" {
		t.Fatalf("txt = %v", txt)
	}
}

func TestNewSystemImplementsResolver(t *testing.T) {
	var _ Resolver = NewSystem()
}

func TestUpstreamConstructors(t *testing.T) {
	if NewGoogle().Server != "8.8.8.8:53" {
		t.Error("NewGoogle should target 8.8.8.8:53")
	}
	if NewCloudFlare().Server != "1.1.1.1:53" {
		t.Error("NewCloudFlare should target 1.1.1.1:53")
	}
	var _ Resolver = NewUpstream("127.0.0.1:53")
}
