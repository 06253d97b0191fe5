package submission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"ExtensionHub/internal/artifact"
	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/registry"
	"ExtensionHub/internal/storage/sqlstore"
	"ExtensionHub/pkg/logger"
	"ExtensionHub/pkg/plugin"
)

type harness struct {
	svc       *Service
	store     Store
	artifacts *artifact.FilesystemStore
	dir       string
	registry  *registry.Service
}

func newHarness(t *testing.T, store Store) *harness {
	t.Helper()
	dir := t.TempDir()
	fs, err := artifact.NewFilesystem(dir)
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	reg := registry.NewService(registry.NewMemoryRepository())
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ids := 0
	svc := NewService(store, fs,
		WithPublisher(RegistryPublisher{Registry: reg}),
		WithValidator(Validator{HostVersion: "1.4.0"}),
		WithLogger(logger.Discard(), logger.Discard()),
		WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}),
		WithIDGenerator(func() string {
			ids++
			if ids == 1 {
				return "demo-id"
			}
			return fmt.Sprintf("sub-%d", ids)
		}),
	)
	return &harness{svc: svc, store: store, artifacts: fs, dir: dir, registry: reg}
}

func demoRequest() SubmitRequest {
	return SubmitRequest{
		Manifest: Manifest{
			Name:        "demo",
			Version:     "1.0.0",
			Description: "demo plugin",
			Category:    "tools",
			Runtime:     plugin.RuntimeJAR,
			Permissions: []string{"notes.read"},
			Subscribes:  []string{"note.created"},
			HostVersion: ">= 1.0, < 2.0",
		},
		Developer: Developer{Name: "Dev", Email: "dev@example.com"},
		FileName:  "demo.jar",
		Artifact:  strings.NewReader("jar-bytes"),
	}
}

func TestDemoSubmissionScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewMemoryStore())

	sub, err := h.svc.Submit(ctx, demoRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.ID != "demo-id" || sub.Status != StatusInReview {
		t.Fatalf("expected demo-id in review, got %s %s (%v)", sub.ID, sub.Status, sub.ValidationErrors)
	}
	if !sub.SecurityCheckPassed || !sub.CompatibilityCheckPassed || sub.ReviewStartedAt == nil {
		t.Fatalf("checks not recorded: %+v", sub)
	}
	if sub.Artifact.Size != int64(len("jar-bytes")) || len(sub.Artifact.Checksum) != 64 {
		t.Fatalf("unexpected artifact: %+v", sub.Artifact)
	}

	sub, err = h.svc.UpdateStatus(ctx, "demo-id", StatusApproved, "looks good", "admin")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if sub.Status != StatusApproved || sub.ApprovedAt == nil || sub.ReviewNotes != "looks good" {
		t.Fatalf("unexpected approved record: %+v", sub)
	}
	if !sub.IsReadyForPublication() {
		t.Fatalf("approved submission with passed checks should be ready")
	}

	sub, err = h.svc.UpdateStatus(ctx, "demo-id", StatusPublished, "", "")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if sub.Status != StatusPublished || sub.PublishedAt == nil || sub.RegistryEntryID == "" {
		t.Fatalf("unexpected published record: %+v", sub)
	}
	entry, err := h.registry.GetByName(ctx, "demo")
	if err != nil {
		t.Fatalf("registry entry missing: %v", err)
	}
	if entry.ID != sub.RegistryEntryID || entry.Status != registry.StatusInactive {
		t.Fatalf("unexpected registry entry: %+v", entry)
	}

	_, err = h.svc.UpdateStatus(ctx, "demo-id", StatusRejected, "too late", "admin")
	if !xerrors.HasCode(err, xerrors.CodeInvalidTransition) {
		t.Fatalf("expected InvalidTransition from PUBLISHED, got %v", err)
	}
	after, _ := h.svc.Get(ctx, "demo-id")
	if !reflect.DeepEqual(after, sub) {
		t.Fatalf("record changed after rejected transition:\n%+v\n%+v", after, sub)
	}
}

func TestInvalidTransitionsLeaveRecordUnchanged(t *testing.T) {
	ctx := context.Background()
	for _, from := range Statuses {
		for _, to := range Statuses {
			if from.CanTransitionTo(to) {
				continue
			}
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				store := NewMemoryStore()
				h := newHarness(t, store)
				seeded := Submission{
					ID:       "s1",
					Manifest: Manifest{Name: "demo", Version: "1.0.0", Runtime: plugin.RuntimeJAR},
					Status:   from,
				}
				if err := store.Create(ctx, seeded); err != nil {
					t.Fatalf("seed: %v", err)
				}
				_, err := h.svc.UpdateStatus(ctx, "s1", to, "note", "admin")
				if !xerrors.HasCode(err, xerrors.CodeInvalidTransition) {
					t.Fatalf("expected InvalidTransition, got %v", err)
				}
				got, _ := store.Get(ctx, "s1")
				if !reflect.DeepEqual(got, seeded) {
					t.Fatalf("record changed: %+v", got)
				}
			})
		}
	}
}

func TestValidationFailureRejectsWithoutError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewMemoryStore())
	req := demoRequest()
	req.Manifest.Version = "one"
	req.Manifest.Permissions = []string{"NOTES"}
	req.Manifest.HostVersion = ">= 2.0"

	sub, err := h.svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("validation failures must not fail submit: %v", err)
	}
	if sub.Status != StatusRejected || sub.RejectedAt == nil {
		t.Fatalf("expected REJECTED, got %s", sub.Status)
	}
	if sub.SecurityCheckPassed || sub.CompatibilityCheckPassed {
		t.Fatalf("both checks should fail: %+v", sub)
	}
	if len(sub.ValidationErrors) != 3 {
		t.Fatalf("expected three validation errors, got %v", sub.ValidationErrors)
	}
}

func TestValidatorRules(t *testing.T) {
	base := Submission{
		Manifest:  demoRequest().Manifest,
		Developer: Developer{Email: "dev@example.com"},
		Artifact:  Artifact{Size: 10, Checksum: strings.Repeat("a", 64)},
	}
	cases := []struct {
		name     string
		mutate   func(*Submission)
		security bool
		compat   bool
	}{
		{"valid", func(*Submission) {}, true, true},
		{"remote without location", func(s *Submission) { s.Manifest.Runtime = plugin.RuntimeGRPC }, true, false},
		{"bad event type", func(s *Submission) { s.Manifest.Publishes = []string{"Bad Event"} }, true, false},
		{"bad email", func(s *Submission) { s.Developer.Email = "nope" }, true, false},
		{"denied capability", func(s *Submission) {
			s.Manifest.Capabilities = []plugin.Capability{plugin.CapabilityExecution}
		}, false, true},
		{"empty artifact", func(s *Submission) { s.Artifact.Size = 0 }, false, true},
		{"bad constraint", func(s *Submission) { s.Manifest.HostVersion = "not a range" }, true, false},
	}
	v := Validator{HostVersion: "1.4.0", DeniedCapabilities: []plugin.Capability{plugin.CapabilityExecution}}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := base.Clone()
			tc.mutate(&sub)
			r := v.Validate(sub)
			if r.SecurityPassed != tc.security || r.CompatibilityPassed != tc.compat {
				t.Fatalf("security=%v compat=%v errors=%v", r.SecurityPassed, r.CompatibilityPassed, r.Errors)
			}
		})
	}

	warn := Validator{HostVersion: "1.4.0"}.Validate(Submission{
		Manifest:  Manifest{Name: "exec", Version: "v1.0.0", Runtime: plugin.RuntimeJAR, Capabilities: []plugin.Capability{plugin.CapabilityExecution}},
		Developer: Developer{Email: "dev@example.com"},
		Artifact:  Artifact{Size: 1, Checksum: strings.Repeat("b", 64)},
	})
	if !warn.Passed() || len(warn.Warnings) != 3 {
		t.Fatalf("expected pass with warnings, got %+v", warn)
	}
}

func TestResubmitReplacesArtifactAndResetsTimeline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewMemoryStore())

	sub, err := h.svc.Submit(ctx, demoRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.svc.Resubmit(ctx, sub.ID, ResubmitRequest{Artifact: strings.NewReader("x")}); !xerrors.HasCode(err, xerrors.CodeInvalidTransition) {
		t.Fatalf("resubmit outside REJECTED should fail, got %v", err)
	}
	rejected, err := h.svc.UpdateStatus(ctx, sub.ID, StatusRejected, "missing docs", "admin")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := h.svc.UpdateStatus(ctx, sub.ID, StatusPendingReview, "", ""); !xerrors.HasCode(err, xerrors.CodeInvalidTransition) {
		t.Fatalf("REJECTED -> PENDING_REVIEW must go through resubmit, got %v", err)
	}

	again, err := h.svc.Resubmit(ctx, sub.ID, ResubmitRequest{FileName: "demo-2.jar", Artifact: strings.NewReader("new jar bytes")})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.Status != StatusInReview {
		t.Fatalf("expected IN_REVIEW after resubmit, got %s %v", again.Status, again.ValidationErrors)
	}
	if again.Artifact.Size != int64(len("new jar bytes")) || again.Artifact.Checksum == rejected.Artifact.Checksum {
		t.Fatalf("artifact not replaced: %+v", again.Artifact)
	}
	if !again.SubmittedAt.After(rejected.SubmittedAt) {
		t.Fatalf("submittedAt should be reset")
	}
	if again.RejectedAt != nil || again.ApprovedAt != nil || again.PublishedAt != nil || again.WithdrawnAt != nil {
		t.Fatalf("timestamps should be cleared: %+v", again)
	}
	if !again.ReviewStartedAt.Equal(again.SubmittedAt) {
		t.Fatalf("review should start at resubmission time")
	}
	if _, _, err := h.artifacts.Open(ctx, rejected.Artifact.Key); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("old artifact should be removed, got %v", err)
	}

	renamed := demoRequest().Manifest
	renamed.Name = "other"
	if _, err := h.svc.UpdateStatus(ctx, sub.ID, StatusRejected, "", ""); err != nil {
		t.Fatalf("reject again: %v", err)
	}
	if _, err := h.svc.Resubmit(ctx, sub.ID, ResubmitRequest{Manifest: &renamed, Artifact: strings.NewReader("x")}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("renaming on resubmit should fail, got %v", err)
	}
}

func TestPublishRequiresReadinessAndIntactArtifact(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	h := newHarness(t, store)

	sub, err := h.svc.Submit(ctx, demoRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.svc.UpdateStatus(ctx, sub.ID, StatusApproved, "", "admin"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	path := filepath.Join(h.dir, filepath.FromSlash(sub.Artifact.Key))
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_, err = h.svc.UpdateStatus(ctx, sub.ID, StatusPublished, "", "")
	if !xerrors.HasCode(err, xerrors.CodeArtifactIntegrity) {
		t.Fatalf("expected ArtifactIntegrity, got %v", err)
	}
	if _, err := h.registry.GetByName(ctx, "demo"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("nothing should be registered, got %v", err)
	}

	notReady := Submission{ID: "manual", Manifest: Manifest{Name: "manual", Version: "1.0.0"}, Status: StatusApproved, SecurityCheckPassed: true}
	if err := store.Create(ctx, notReady); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := h.svc.UpdateStatus(ctx, "manual", StatusPublished, "", ""); !xerrors.HasCode(err, xerrors.CodeValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}

func approve(t *testing.T, h *harness, req SubmitRequest) Submission {
	t.Helper()
	ctx := context.Background()
	sub, err := h.svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	sub, err = h.svc.UpdateStatus(ctx, sub.ID, StatusApproved, "ok", "admin")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return sub
}

func TestPublishRejectsExistingRegistryEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewMemoryStore())

	installedID, err := h.registry.Register(ctx, plugin.Descriptor{
		Name:                "demo",
		Version:             "0.9.0",
		RequiredPermissions: []string{"notes.read"},
	}, nil, "builtin:demo")
	if err != nil {
		t.Fatalf("register installed plugin: %v", err)
	}

	req := demoRequest()
	req.Manifest.Permissions = []string{"notes.write"}
	sub := approve(t, h, req)
	if _, err := h.svc.UpdateStatus(ctx, sub.ID, StatusPublished, "", ""); !xerrors.HasCode(err, xerrors.CodeDuplicateName) {
		t.Fatalf("expected DuplicateName, got %v", err)
	}

	stored, _ := h.svc.Get(ctx, sub.ID)
	if stored.Status != StatusApproved || stored.RegistryEntryID != "" {
		t.Fatalf("submission should stay approved: %+v", stored)
	}
	entry, err := h.registry.GetByName(ctx, "demo")
	if err != nil || entry.ID != installedID || entry.Descriptor.Version != "0.9.0" {
		t.Fatalf("installed entry replaced: %+v (%v)", entry, err)
	}
	grants, _ := h.registry.GetPermissions(ctx, "demo")
	if len(grants) != 1 || grants[0].Permission != "notes.read" {
		t.Fatalf("installed grants replaced: %+v", grants)
	}
}

func TestSecondPublishOfSameNameFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewMemoryStore())

	first := approve(t, h, demoRequest())
	nextReq := demoRequest()
	nextReq.Manifest.Version = "1.1.0"
	next := approve(t, h, nextReq)

	published, err := h.svc.UpdateStatus(ctx, first.ID, StatusPublished, "", "")
	if err != nil {
		t.Fatalf("publish first: %v", err)
	}
	if _, err := h.svc.UpdateStatus(ctx, next.ID, StatusPublished, "", ""); !xerrors.HasCode(err, xerrors.CodeDuplicateName) {
		t.Fatalf("expected DuplicateName for second publish, got %v", err)
	}
	entry, err := h.registry.GetByName(ctx, "demo")
	if err != nil || entry.ID != published.RegistryEntryID || entry.Descriptor.Version != "1.0.0" {
		t.Fatalf("first published entry replaced: %+v (%v)", entry, err)
	}
}

// failingPublishStore 在写入 PUBLISHED 时失败。
type failingPublishStore struct {
	Store
}

func (s failingPublishStore) Update(ctx context.Context, sub Submission, expected Status) error {
	if sub.Status == StatusPublished {
		return xerrors.New(xerrors.CodeConflict, "concurrent review")
	}
	return s.Store.Update(ctx, sub, expected)
}

func TestPublishRetractsEntryWhenStatusWriteFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, failingPublishStore{Store: NewMemoryStore()})

	sub := approve(t, h, demoRequest())
	if _, err := h.svc.UpdateStatus(ctx, sub.ID, StatusPublished, "", ""); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	stored, _ := h.svc.Get(ctx, sub.ID)
	if stored.Status != StatusApproved {
		t.Fatalf("expected approved record, got %s", stored.Status)
	}
	if _, err := h.registry.GetByName(ctx, "demo"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("registry entry should be retracted, got %v", err)
	}
	grants, _ := h.registry.GetPermissions(ctx, "demo")
	if len(grants) != 0 {
		t.Fatalf("grants left behind: %+v", grants)
	}
}

func TestDeleteOnlyInDeletableStates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewMemoryStore())

	sub, err := h.svc.Submit(ctx, demoRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.svc.Delete(ctx, sub.ID); !xerrors.HasCode(err, xerrors.CodeInvalidTransition) {
		t.Fatalf("IN_REVIEW should not be deletable, got %v", err)
	}
	if _, err := h.svc.Withdraw(ctx, sub.ID, "changed my mind"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := h.svc.Delete(ctx, sub.ID); err != nil {
		t.Fatalf("delete withdrawn: %v", err)
	}
	if _, err := h.svc.Get(ctx, sub.ID); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
	if _, _, err := h.artifacts.Open(ctx, sub.Artifact.Key); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("artifact should be deleted, got %v", err)
	}
}

func TestStatsAndListFilters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewMemoryStore())

	if _, err := h.svc.Submit(ctx, demoRequest()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	bad := demoRequest()
	bad.Manifest.Name = "broken"
	bad.Manifest.Version = "x"
	if _, err := h.svc.Submit(ctx, bad); err != nil {
		t.Fatalf("submit: %v", err)
	}

	stats, err := h.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.ByStatus[StatusInReview] != 1 || stats.ByStatus[StatusRejected] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if _, ok := stats.ByStatus[StatusPublished]; !ok {
		t.Fatalf("every status should be reported")
	}
	rejected, err := h.svc.List(ctx, Filter{Status: StatusRejected})
	if err != nil || len(rejected) != 1 || rejected[0].Manifest.Name != "broken" {
		t.Fatalf("unexpected filtered list: %v %+v", err, rejected)
	}
	if _, err := h.svc.List(ctx, Filter{Status: "BOGUS"}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected InvalidArgument for unknown status, got %v", err)
	}
}

func TestSQLStore(t *testing.T) {
	ctx := context.Background()
	db, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver: sqlstore.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "submissions.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := NewSQLStore(db)

	h := newHarness(t, store)
	sub, err := h.svc.Submit(ctx, demoRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := store.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusInReview || got.Manifest.HostVersion != ">= 1.0, < 2.0" || !got.SubmittedAt.Equal(sub.SubmittedAt) {
		t.Fatalf("document not round-tripped: %+v", got)
	}

	stale := got.Clone()
	stale.Status = StatusApproved
	if err := store.Update(ctx, stale, StatusPendingReview); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected Conflict on stale status, got %v", err)
	}
	if err := store.Update(ctx, stale, StatusInReview); err != nil {
		t.Fatalf("conditional update: %v", err)
	}

	list, err := store.List(ctx, Filter{Plugin: "demo"})
	if err != nil || len(list) != 1 || list[0].Status != StatusApproved {
		t.Fatalf("unexpected list: %v %+v", err, list)
	}
	counts, err := store.Counts(ctx)
	if err != nil || counts[StatusApproved] != 1 {
		t.Fatalf("unexpected counts: %v %+v", err, counts)
	}
	if err := store.Delete(ctx, sub.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, sub.ID); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
