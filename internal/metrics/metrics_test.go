package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.RequestsTotal.WithLabelValues("completed").Inc()
	if out := scrape(t, a); !strings.Contains(out, `signalbox_requests_total{outcome="completed"} 1`) {
		t.Error("a should report one completed request")
	}
	if out := scrape(t, b); strings.Contains(out, `signalbox_requests_total{outcome="completed"}`) {
		t.Error("b should not see a's counter")
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ReclaimedTotal.Add(3)
	m.LeaseAcquireTotal.WithLabelValues("granted").Inc()

	out := scrape(t, m)
	for _, want := range []string{
		"signalbox_reclaimed_total 3",
		`signalbox_lease_acquire_total{result="granted"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
