package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_Singleton(t *testing.T) {
	if NewMetrics() != NewMetrics() {
		t.Fatal("expected the same instance")
	}
}

func TestObserveHelpers(t *testing.T) {
	m := NewMetrics()

	before := testutil.ToFloat64(m.RateLimitDecisionTotal.WithLabelValues("voice", "denied"))
	m.ObserveRateLimit("voice", false)
	if got := testutil.ToFloat64(m.RateLimitDecisionTotal.WithLabelValues("voice", "denied")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}

	before = testutil.ToFloat64(m.StorageOperationTotal.WithLabelValues("get_mission", "error"))
	m.ObserveStorage("get_mission", time.Now(), errors.New("boom"))
	if got := testutil.ToFloat64(m.StorageOperationTotal.WithLabelValues("get_mission", "error")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}

	before = testutil.ToFloat64(m.EventPublishTotal.WithLabelValues("x", "ok"))
	m.ObserveEvent("x", nil)
	if got := testutil.ToFloat64(m.EventPublishTotal.WithLabelValues("x", "ok")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}
}
