package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"ExtensionHub/pkg/plugin"
)

func TestCollectorRecordsAndExposes(t *testing.T) {
	c := New()
	c.ObserveHTTPRequest("/api/v1/plugins", "GET", 200, 20*time.Millisecond)
	c.ObserveHTTPRequest("/api/v1/plugins", "GET", 500, time.Second)
	c.ObserveDispatch("logger", "note.created", "delivered", time.Millisecond)
	c.ObserveDrop("logger", "note.created")
	c.ObserveHealth("logger", plugin.Unhealthy)
	c.ObserveSubmission("IN_REVIEW")

	if got := testutil.ToFloat64(c.httpErrors.WithLabelValues("/api/v1/plugins", "GET")); got != 1 {
		t.Fatalf("expected one server error, got %v", got)
	}
	if got := testutil.ToFloat64(c.drops.WithLabelValues("logger", "note.created")); got != 1 {
		t.Fatalf("expected one drop, got %v", got)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`exthub_http_requests_total{code="200",handler="/api/v1/plugins",method="GET"} 1`,
		`exthub_event_dispatch_total{event_type="note.created",outcome="delivered",plugin="logger"} 1`,
		`exthub_plugin_health_checks_total{plugin="logger",state="UNHEALTHY"} 1`,
		`exthub_submission_transitions_total{to="IN_REVIEW"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestPluginStateGaugeFollowsTransitions(t *testing.T) {
	c := New()
	c.ObserveTransition("logger", "", plugin.StateRegistered)
	c.ObserveTransition("logger", plugin.StateRegistered, plugin.StateInitialized)
	c.ObserveTransition("logger", plugin.StateInitialized, plugin.StateStarted)

	if n := testutil.CollectAndCount(c.pluginStates); n != 1 {
		t.Fatalf("expected a single state series, got %d", n)
	}
	if got := testutil.ToFloat64(c.pluginStates.WithLabelValues("logger", string(plugin.StateStarted))); got != 1 {
		t.Fatalf("expected STARTED gauge, got %v", got)
	}
	c.ObserveTransition("logger", plugin.StateStarted, plugin.StateStopped)
	c.ObserveTransition("logger", plugin.StateStopped, plugin.StateUnloaded)
	if n := testutil.CollectAndCount(c.pluginStates); n != 0 {
		t.Fatalf("unloaded plugin should have no state series, got %d", n)
	}
	if got := testutil.ToFloat64(c.transitions.WithLabelValues("logger", "STARTED", "STOPPED")); got != 1 {
		t.Fatalf("transition not counted: %v", got)
	}
}
