package observability_test

import (
	"FlashLever/internal/observability"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	// Two registries must not collide
	m1 := observability.NewMetrics(prometheus.NewRegistry())
	m2 := observability.NewMetrics(prometheus.NewRegistry())
	m1.ActivePositions.Set(1)
	m2.ActivePositions.Set(2)
}

func TestHealthChecker_Readiness(t *testing.T) {
	h := observability.NewHealthChecker()

	var last bool
	h.OnChange(func(ready bool) { last = ready })

	if h.IsReady() {
		t.Fatal("should start not ready")
	}

	h.SetReady(true)
	if !h.IsReady() || !last {
		t.Error("should be ready after SetReady(true)")
	}

	h.SetDependency("postgres", false)
	if h.IsReady() || last {
		t.Error("a down dependency must block readiness")
	}

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz: got %d, want 503", rec.Code)
	}

	h.SetDependency("postgres", true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz: got %d, want 200", rec.Code)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":      zerolog.InfoLevel,
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := observability.ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
