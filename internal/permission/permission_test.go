package permission

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"
	"testing"

	xerrors "ExtensionHub/internal/errors"
)

func newAuditedService(t *testing.T, store Store) (*Service, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	audit := slog.New(slog.NewJSONHandler(buf, nil))
	return NewService(store, WithAuditLogger(audit)), buf
}

func TestGrantRevokeAndCheck(t *testing.T) {
	ctx := context.Background()
	svc, _ := newAuditedService(t, NewMemoryStore())

	if err := svc.Grant(ctx, "logger", "notes.read"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !svc.IsGranted(ctx, "logger", "notes.read") {
		t.Fatalf("expected notes.read to be granted")
	}
	if err := svc.CheckOrFail(ctx, "logger", "notes.write"); !stdErrors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	if err := svc.Revoke(ctx, "logger", "notes.read"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if svc.IsGranted(ctx, "logger", "notes.read") {
		t.Fatalf("expected notes.read to be revoked")
	}
	if err := svc.Revoke(ctx, "logger", "notes.delete"); err != nil {
		t.Fatalf("revoking an absent grant is not an error: %v", err)
	}
}

func TestInvalidPermissionRejected(t *testing.T) {
	svc, _ := newAuditedService(t, NewMemoryStore())
	for _, perm := range []string{"", "notes", "Notes.Read", "notes..read", ".read"} {
		err := svc.Grant(context.Background(), "logger", perm)
		if !xerrors.HasCode(err, xerrors.CodeInvalidPermission) {
			t.Fatalf("permission %q: expected InvalidPermission, got %v", perm, err)
		}
	}
}

func TestChecksAreAudited(t *testing.T) {
	ctx := context.Background()
	svc, buf := newAuditedService(t, NewMemoryStore())
	_ = svc.Grant(ctx, "logger", "notes.read")
	buf.Reset()

	_ = svc.CheckOrFail(ctx, "logger", "notes.read")
	_ = svc.CheckOrFail(ctx, "logger", "notes.write")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two audit records, got %d: %s", len(lines), buf.String())
	}
	var first, second map[string]any
	_ = json.Unmarshal([]byte(lines[0]), &first)
	_ = json.Unmarshal([]byte(lines[1]), &second)
	if first["msg"] != "permission_check" || first["allowed"] != true || first["permission"] != "notes.read" {
		t.Fatalf("unexpected first record: %v", first)
	}
	if second["allowed"] != false || second["plugin"] != "logger" {
		t.Fatalf("unexpected second record: %v", second)
	}
}

func TestLookupLoadsFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.SaveGrant(ctx, Grant{Plugin: "calendar", Permission: "tasks.write", Granted: true})

	svc, _ := newAuditedService(t, store)
	if !svc.IsGranted(ctx, "calendar", "tasks.write") {
		t.Fatalf("expected grant loaded from store")
	}

	_ = store.SaveGrant(ctx, Grant{Plugin: "calendar", Permission: "tasks.write", Granted: false})
	if !svc.IsGranted(ctx, "calendar", "tasks.write") {
		t.Fatalf("cached value should be used until Forget")
	}
	svc.Forget("calendar")
	if svc.IsGranted(ctx, "calendar", "tasks.write") {
		t.Fatalf("expected reload after Forget")
	}
}
