package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type echoPlugin struct {
	Base
}

func TestDescriptorNormalizeAndValidate(t *testing.T) {
	d := Descriptor{
		Name:                "logger",
		Version:             "1.0.0",
		RequiredPermissions: []string{"notes.read", "notes.read", ""},
		SubscribedEvents:    []string{"note.created", "note.created"},
	}.Normalize()

	if d.Runtime != RuntimeJAR || d.Type != TypeInternal {
		t.Fatalf("unexpected defaults: %s/%s", d.Type, d.Runtime)
	}
	if len(d.RequiredPermissions) != 1 || len(d.SubscribedEvents) != 1 {
		t.Fatalf("expected duplicates removed: %+v", d)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	bad := []Descriptor{
		{Name: "Bad Name", Version: "1.0.0", Type: TypeInternal, Runtime: RuntimeJAR},
		{Name: "ok", Type: TypeInternal, Runtime: RuntimeJAR},
		{Name: "ok", Version: "1", Type: TypeInternal, Runtime: RuntimeGRPC},
		{Name: "ok", Version: "1", Type: "PLUGIN", Runtime: RuntimeJAR},
	}
	for i, d := range bad {
		if err := d.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestParseManifest(t *testing.T) {
	raw := []byte(`
name: remote-sync
version: 2.1.0
runtime: GRPC
location: localhost:9000
permissions: [notes.read]
subscribes: [note.created, note.updated]
config:
  interval: 30
`)
	path := filepath.Join(t.TempDir(), "plugin.yaml")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if m.Type != TypeExternal || m.Runtime != RuntimeGRPC {
		t.Fatalf("unexpected type/runtime: %s/%s", m.Type, m.Runtime)
	}
	if m.Location != "localhost:9000" || m.Config["interval"] != 30 {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if !m.Subscribes("note.updated") {
		t.Fatalf("expected subscription")
	}
}

func TestRuntimeLoaderRoutesBuiltins(t *testing.T) {
	static := NewStaticLoader()
	static.Register("echo", func() Plugin {
		return &echoPlugin{Base{Descriptor: Descriptor{Name: "echo", Version: "1.0.0"}}}
	})
	loader := NewRuntimeLoader(static)
	var remoteCalls int
	loader.Handle(RuntimeREST, LoaderFunc(func(context.Context, ArtifactRef) (Plugin, error) {
		remoteCalls++
		return &echoPlugin{}, nil
	}))

	p, err := loader.Load(context.Background(), ArtifactRef{Name: "echo", Runtime: RuntimeJAR, Location: "builtin:echo"})
	if err != nil {
		t.Fatalf("load builtin: %v", err)
	}
	if p.Info().Name != "echo" {
		t.Fatalf("unexpected plugin %+v", p.Info())
	}
	if _, err := loader.Load(context.Background(), ArtifactRef{Name: "echo"}); err != nil {
		t.Fatalf("bare registered name should resolve: %v", err)
	}
	if _, err := loader.Load(context.Background(), ArtifactRef{Name: "x", Runtime: RuntimeREST, Location: "http://x"}); err != nil || remoteCalls != 1 {
		t.Fatalf("rest route: err=%v calls=%d", err, remoteCalls)
	}
	if _, err := loader.Load(context.Background(), ArtifactRef{Name: "x", Runtime: RuntimeGRPC, Location: "x:1"}); err == nil {
		t.Fatalf("expected missing grpc loader error")
	}
	if _, err := loader.Load(context.Background(), ArtifactRef{Name: "x", Location: "builtin:missing"}); err == nil {
		t.Fatalf("expected unknown builtin error")
	}
}

func TestCapabilityIsolation(t *testing.T) {
	iso := NewIsolationStrategy(nil)
	desc := Descriptor{Name: "net", Capabilities: []Capability{CapabilityNetwork}}

	if err := iso.Validate(desc, IsolationPolicy{}); err != nil {
		t.Fatalf("empty policy allows everything: %v", err)
	}
	if err := iso.Validate(desc, IsolationPolicy{DeniedCapabilities: []Capability{CapabilityNetwork}}); err == nil {
		t.Fatalf("expected denied capability error")
	}
	if err := iso.Validate(desc, IsolationPolicy{AllowedCapabilities: []Capability{CapabilityFilesystem}}); err == nil {
		t.Fatalf("expected not permitted error")
	}
	merged := IsolationPolicy{}.Merge(IsolationPolicy{AllowedCapabilities: []Capability{CapabilityNetwork}})
	if err := iso.Validate(desc, merged); err != nil {
		t.Fatalf("merged policy should allow network: %v", err)
	}
}

func TestExecutionContextClone(t *testing.T) {
	orig := &ExecutionContext{Config: map[string]any{"a": 1}}
	dup := orig.Clone()
	dup.Config["a"] = 2
	if orig.Config["a"] != 1 {
		t.Fatalf("clone must not share config map")
	}
	if (*ExecutionContext)(nil).Context() == nil {
		t.Fatalf("nil context should fall back to background")
	}
}

func TestScanDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, name, ManifestFile), []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("b-local", "name: b-local\nversion: 1.0.0\nlocation: b.so\n")
	write("a-remote", "name: a-remote\nversion: 1.0.0\nruntime: REST\nlocation: http://localhost:9000\n")
	write("c-builtin", "name: c-builtin\nversion: 1.0.0\nlocation: builtin:c\n")
	write("broken", "name: Broken Name\nversion: 1.0.0\n")
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	manifests, err := ScanDir(dir)
	if err == nil {
		t.Fatalf("expected error for invalid manifest")
	}
	if len(manifests) != 3 {
		t.Fatalf("expected 3 valid manifests, got %d", len(manifests))
	}
	if manifests[0].Name != "a-remote" || manifests[0].Location != "http://localhost:9000" {
		t.Fatalf("unexpected remote manifest: %+v", manifests[0])
	}
	if want := filepath.Join(dir, "b-local", "b.so"); manifests[1].Location != want {
		t.Fatalf("local location not resolved: %s", manifests[1].Location)
	}
	if manifests[2].Location != "builtin:c" {
		t.Fatalf("builtin location rewritten: %s", manifests[2].Location)
	}

	none, err := ScanDir(filepath.Join(dir, "missing"))
	if err != nil || len(none) != 0 {
		t.Fatalf("missing dir should be empty: %v %v", none, err)
	}
}
