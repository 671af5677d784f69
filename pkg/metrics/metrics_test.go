package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounter(t *testing.T) {
	r := New()
	c := r.Counter("requests_total", "Total requests.")
	c.Inc()
	c.Add(4)
	if c.Value() != 5 {
		t.Errorf("Value = %d, want 5", c.Value())
	}
	if again := r.Counter("requests_total", ""); again != c {
		t.Error("same name should return the same counter")
	}
}

func TestWithLabels(t *testing.T) {
	got := WithLabels("requests_total", "outcome", "ok")
	if got != `requests_total{outcome="ok"}` {
		t.Errorf("WithLabels = %q", got)
	}
	if got := WithLabels("x", "dangling"); got != "x" {
		t.Errorf("odd label pairs should be ignored, got %q", got)
	}
}

func TestRender(t *testing.T) {
	r := New()
	r.Counter(WithLabels("requests_total", "outcome", "ok"), "Total requests.").Add(3)
	r.Counter(WithLabels("requests_total", "outcome", "error"), "").Inc()
	h := r.Histogram("latency_seconds", "Latency.", []float64{0.1, 1})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5)

	out := r.Render()
	for _, want := range []string{
		"# HELP requests_total Total requests.",
		"# TYPE requests_total counter",
		`requests_total{outcome="ok"} 3`,
		`requests_total{outcome="error"} 1`,
		"# TYPE latency_seconds histogram",
		`latency_seconds_bucket{le="0.1"} 1`,
		`latency_seconds_bucket{le="1"} 2`,
		`latency_seconds_bucket{le="+Inf"} 3`,
		"latency_seconds_count 3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q\n%s", want, out)
		}
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("up", "").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "up 1") {
		t.Errorf("body missing counter:\n%s", rec.Body.String())
	}
}
