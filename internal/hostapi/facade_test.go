package hostapi

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/permission"
	"ExtensionHub/pkg/plugin"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []plugin.Event
}

func (c *capturePublisher) Publish(_ context.Context, evt plugin.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func newFacade(t *testing.T) (*Facade, *permission.Service, *capturePublisher, *bytes.Buffer) {
	t.Helper()
	var audit bytes.Buffer
	perms := permission.NewService(permission.NewMemoryStore(),
		permission.WithAuditLogger(slog.New(slog.NewJSONHandler(&audit, nil))))
	events := &capturePublisher{}
	f := NewStandard(perms, NewNoteService(events), NewKVStore(), events)
	return f, perms, events, &audit
}

func TestLoggerPluginPermissionBoundary(t *testing.T) {
	f, perms, events, audit := newFacade(t)
	ctx := context.Background()
	if err := perms.Grant(ctx, "logger", "notes.read"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	host := f.For("logger")

	if _, err := host.Call(ctx, "notes.create", map[string]any{"title": "hi"}); !xerrors.HasCode(err, xerrors.CodePermissionDenied) {
		t.Fatalf("expected PermissionDenied for notes.write, got %v", err)
	}
	got, err := host.Call(ctx, "notes.list", nil)
	if err != nil {
		t.Fatalf("notes.read call should succeed: %v", err)
	}
	if notes, ok := got.([]Note); !ok || len(notes) != 0 {
		t.Fatalf("unexpected notes result %#v", got)
	}
	if len(events.events) != 0 {
		t.Fatalf("denied write must not emit events")
	}
	if n := strings.Count(audit.String(), `"msg":"permission_check"`); n != 2 {
		t.Fatalf("expected 2 audited checks, got %d:\n%s", n, audit.String())
	}
	if !strings.Contains(audit.String(), `"allowed":false`) {
		t.Fatalf("denied check should be audited")
	}
}

func TestNotesWriteEmitsEvents(t *testing.T) {
	f, perms, events, _ := newFacade(t)
	ctx := context.Background()
	_ = perms.Grant(ctx, "editor", "notes.write")
	_ = perms.Grant(ctx, "editor", "notes.read")
	host := f.For("editor")

	created, err := host.Call(ctx, "notes.create", map[string]any{"title": "todo", "content": "buy milk"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	note := created.(Note)
	if _, err := host.Call(ctx, "notes.update", map[string]any{"id": note.ID, "content": "buy oat milk"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	fetched, err := host.Call(ctx, "notes.get", map[string]any{"id": note.ID})
	if err != nil || fetched.(Note).Content != "buy oat milk" || fetched.(Note).Title != "todo" {
		t.Fatalf("unexpected note %+v err=%v", fetched, err)
	}
	if _, err := host.Call(ctx, "notes.delete", map[string]any{"id": note.ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := host.Call(ctx, "notes.get", map[string]any{"id": note.ID}); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := host.Call(ctx, "notes.create", map[string]any{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	var types []string
	for _, e := range events.events {
		types = append(types, e.Type)
		if e.Source != "editor" {
			t.Fatalf("event source should be the calling plugin: %+v", e)
		}
	}
	if strings.Join(types, ",") != "note.created,note.updated,note.deleted" {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestStorageIsNamespacedPerPlugin(t *testing.T) {
	f, perms, _, _ := newFacade(t)
	ctx := context.Background()
	for _, p := range []string{"a", "b"} {
		_ = perms.Grant(ctx, p, "storage.read")
		_ = perms.Grant(ctx, p, "storage.write")
	}
	if _, err := f.Call(ctx, "a", "storage.put", map[string]any{"key": "cursor", "value": 42}); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := f.Call(ctx, "a", "storage.get", map[string]any{"key": "cursor"})
	if err != nil || v != 42 {
		t.Fatalf("unexpected value %v err=%v", v, err)
	}
	if _, err := f.Call(ctx, "b", "storage.get", map[string]any{"key": "cursor"}); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("plugin b must not see plugin a's keys, got %v", err)
	}
	keys, _ := f.Call(ctx, "a", "storage.keys", nil)
	if ks := keys.([]string); len(ks) != 1 || ks[0] != "cursor" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestPublisherRequiresEventsPermission(t *testing.T) {
	f, perms, events, _ := newFacade(t)
	ctx := context.Background()
	pub := f.Publisher("sync")
	if err := pub.Publish(ctx, "sync.done", nil); !xerrors.HasCode(err, xerrors.CodePermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	_ = perms.Grant(ctx, "sync", PermissionPublish)
	if err := pub.Publish(ctx, "sync.done", map[string]any{"n": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(events.events) != 1 || events.events[0].Source != "sync" || events.events[0].Type != "sync.done" {
		t.Fatalf("unexpected events %+v", events.events)
	}
}

func TestRegisterValidation(t *testing.T) {
	f, _, _, _ := newFacade(t)
	noop := func(context.Context, string, map[string]any) (any, error) { return nil, nil }
	if err := f.Register(Operation{Name: "notes.list", Permission: "notes.read", Handler: noop}); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected duplicate operation conflict, got %v", err)
	}
	if err := f.Register(Operation{Name: "x", Permission: "nope", Handler: noop}); !xerrors.HasCode(err, xerrors.CodeInvalidPermission) {
		t.Fatalf("expected invalid permission, got %v", err)
	}
	if _, err := f.Call(context.Background(), "a", "missing.op", nil); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if names := f.OperationNames(); len(names) != 10 || names[0] != "events.publish" {
		t.Fatalf("unexpected operations %v", names)
	}
}
