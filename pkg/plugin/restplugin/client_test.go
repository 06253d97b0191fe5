package restplugin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ExtensionHub/pkg/plugin"
)

func TestClientRoundTrip(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		cfg   map[string]any
		evt   plugin.Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/initialize":
			var body struct {
				Config map[string]any `json:"config"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			cfg = body.Config
			mu.Unlock()
		case "/events":
			var got plugin.Event
			_ = json.NewDecoder(r.Body).Decode(&got)
			mu.Lock()
			evt = got
			mu.Unlock()
		case "/health":
			_ = json.NewEncoder(w).Encode(plugin.Health{State: plugin.Degraded, Message: "slow"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, err := NewLoader(nil).Load(context.Background(), plugin.ArtifactRef{
		Name:     "calendar",
		Runtime:  plugin.RuntimeREST,
		Location: srv.URL + "/",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	execCtx := &plugin.ExecutionContext{C: context.Background(), Config: map[string]any{"account": "a@b"}}
	if err := p.Initialize(execCtx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.Start(execCtx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.(plugin.EventHandler).HandleEvent(context.Background(), plugin.Event{ID: "1", Type: "note.created", Timestamp: time.Now()}); err != nil {
		t.Fatalf("event: %v", err)
	}
	if h := p.HealthCheck(context.Background()); h.State != plugin.Degraded || h.Message != "slow" {
		t.Fatalf("unexpected health: %+v", h)
	}
	if err := p.Stop(execCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if cfg["account"] != "a@b" {
		t.Fatalf("config not sent: %+v", cfg)
	}
	if evt.Type != "note.created" {
		t.Fatalf("event not sent: %+v", evt)
	}
	want := []string{"POST /initialize", "POST /start", "POST /events", "GET /health", "POST /stop"}
	if len(paths) != len(want) {
		t.Fatalf("unexpected calls: %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("call %d: got %s want %s", i, paths[i], want[i])
		}
	}
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(plugin.Descriptor{Name: "broken"}, srv.URL, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Start(&plugin.ExecutionContext{}); err == nil {
		t.Fatalf("expected error status to surface")
	}
	if h := c.HealthCheck(context.Background()); h.State != plugin.Unhealthy {
		t.Fatalf("expected unhealthy, got %+v", h)
	}
	if _, err := New(plugin.Descriptor{Name: "bad"}, "ftp://x", nil); err == nil {
		t.Fatalf("expected scheme validation error")
	}
}
