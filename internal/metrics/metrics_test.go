package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterOnPrivateRegistryIsHermetic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	if err := m.RegisterOn(reg); err != nil {
		t.Fatal(err)
	}

	m.SessionsTotal.WithLabelValues("opportunistic").Inc()
	m.SessionsActive.Set(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestTwoRegistriesDoNotCollide(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	if err := New().RegisterOn(reg1); err != nil {
		t.Fatal(err)
	}
	if err := New().RegisterOn(reg2); err != nil {
		t.Fatal(err)
	}
}
