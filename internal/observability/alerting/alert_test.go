package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "ExtensionHub/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return ChannelSlack }
func (failingNotifier) Notify(context.Context, Event) error {
	return errors.New("unreachable")
}

func TestFanoutFillsDefaultsAndJoinsErrors(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewFanout(NewWebhook(srv.URL, ""), failingNotifier{}, nil)
	if chans := d.Channels(); len(chans) != 2 {
		t.Fatalf("unexpected channels: %v", chans)
	}
	err := d.Notify(context.Background(), Event{Code: xerrors.CodeStorageFailure, Message: "db down", Plugin: "logger"})
	if err == nil || !strings.Contains(err.Error(), "channel slack") {
		t.Fatalf("expected joined slack error, got %v", err)
	}
	if got.Plugin != "logger" || got.Severity != xerrors.SeverityCritical || got.OccurredAt.IsZero() {
		t.Fatalf("unexpected webhook payload: %+v", got)
	}
}

func TestWebhookFormats(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	evt := Event{Code: "PLUGIN_FAILED", Message: "health check failed", Plugin: "sync", Metadata: map[string]string{"failures": "3"}}
	if err := NewWebhook(srv.URL, ChannelDingTalk).Notify(context.Background(), evt); err != nil {
		t.Fatalf("dingtalk: %v", err)
	}
	text, _ := body["text"].(map[string]any)
	if body["msgtype"] != "text" || !strings.Contains(text["content"].(string), "failures: 3") {
		t.Fatalf("unexpected dingtalk body: %v", body)
	}

	if err := NewWebhook(srv.URL, ChannelSlack).Notify(context.Background(), evt); err != nil {
		t.Fatalf("slack: %v", err)
	}
	if !strings.Contains(body["text"].(string), "PLUGIN_FAILED") {
		t.Fatalf("unexpected slack body: %v", body)
	}
}

func TestWebhookSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := NewWebhook(srv.URL, "").Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected status error")
	}
	if err := (&WebhookNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured notifier should skip: %v", err)
	}
}
