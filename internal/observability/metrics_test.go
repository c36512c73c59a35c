package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	Register()
	Register()
}

func TestObserveAttempt(t *testing.T) {
	before := testutil.ToFloat64(AttemptsTotal.WithLabelValues("gemini", "gemini", "success"))
	ObserveAttempt("gemini", "gemini", "success", 1500*time.Millisecond)
	after := testutil.ToFloat64(AttemptsTotal.WithLabelValues("gemini", "gemini", "success"))
	if after != before+1 {
		t.Fatalf("expected counter to grow by one, got %v -> %v", before, after)
	}
}
