package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// The collectors are promauto-registered to the global default registry, so
// these tests mainly assert they are initialized with the expected label
// sets: a wrong label count panics on first use.

func TestCounters(t *testing.T) {
	t.Run("Commands", func(t *testing.T) {
		Commands.WithLabelValues("login", "ok").Inc()
		val := testutil.ToFloat64(Commands.WithLabelValues("login", "ok"))
		if val < 1 {
			t.Errorf("Expected Commands to be at least 1, got %v", val)
		}
	})

	t.Run("RegistryOps", func(t *testing.T) {
		RegistryOps.WithLabelValues("register", "ok").Inc()
		val := testutil.ToFloat64(RegistryOps.WithLabelValues("register", "ok"))
		if val < 1 {
			t.Errorf("Expected RegistryOps to be at least 1, got %v", val)
		}
	})

	t.Run("FanoutDeliveries", func(t *testing.T) {
		FanoutDeliveries.WithLabelValues("local", "ok").Inc()
		val := testutil.ToFloat64(FanoutDeliveries.WithLabelValues("local", "ok"))
		if val < 1 {
			t.Errorf("Expected FanoutDeliveries to be at least 1, got %v", val)
		}
	})
}

func TestSessionGauge(t *testing.T) {
	before := testutil.ToFloat64(ActiveSessions)
	IncSession()
	if got := testutil.ToFloat64(ActiveSessions); got != before+1 {
		t.Errorf("Expected ActiveSessions %v, got %v", before+1, got)
	}
	DecSession()
	if got := testutil.ToFloat64(ActiveSessions); got != before {
		t.Errorf("Expected ActiveSessions %v, got %v", before, got)
	}
}

func TestHistograms(t *testing.T) {
	// No-panic is the main goal here: histograms are awkward to read back.
	CommandDuration.WithLabelValues("send").Observe(0.01)
	RemoteCallDuration.Observe(0.05)
}
