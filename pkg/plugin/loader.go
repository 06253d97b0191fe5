package plugin

import (
	"context"
	"errors"
	"fmt"
	goplugin "plugin"
	"strings"
	"sync"
)

// ArtifactRef identifies what a loader should turn into a plugin handle.
type ArtifactRef struct {
	Name     string
	Runtime  Runtime
	Location string
	// Descriptor is the installed descriptor. Remote runtimes use it as
	// their Info because they cannot introspect the far side statically.
	Descriptor Descriptor
}

// Loader resolves artifact references into Plugin implementations.
type Loader interface {
	Load(ctx context.Context, ref ArtifactRef) (Plugin, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, ref ArtifactRef) (Plugin, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, ref ArtifactRef) (Plugin, error) { return f(ctx, ref) }

// GoPluginLoader uses the Go standard library plugin mechanism to open shared objects.
type GoPluginLoader struct{}

// Load opens the shared object and searches for a `Plugin` symbol implementing the Plugin interface.
func (GoPluginLoader) Load(_ context.Context, ref ArtifactRef) (Plugin, error) {
	if ref.Location == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(ref.Location)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, err
	}
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() Plugin:
		return p(), nil
	case *func() Plugin:
		return (*p)(), nil
	default:
		return nil, errors.New("plugin symbol must implement plugin.Plugin")
	}
}

// Factory builds a fresh plugin instance.
type Factory func() Plugin

// StaticLoader serves compiled-in plugins. A location of the form
// "builtin:<name>" or a bare registered name selects the factory.
type StaticLoader struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewStaticLoader creates an empty StaticLoader.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous one.
func (l *StaticLoader) Register(name string, factory Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = factory
}

// Load implements Loader.
func (l *StaticLoader) Load(_ context.Context, ref ArtifactRef) (Plugin, error) {
	key := strings.TrimPrefix(ref.Location, "builtin:")
	if key == "" {
		key = ref.Name
	}
	l.mu.RLock()
	factory, ok := l.factories[key]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no builtin plugin named %q", key)
	}
	return factory(), nil
}

// Has reports whether a factory is registered for name.
func (l *StaticLoader) Has(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.factories[name]
	return ok
}

// RuntimeLoader routes a reference to the loader registered for its runtime.
// JAR references with a "builtin:" location go to the static loader.
type RuntimeLoader struct {
	Static  *StaticLoader
	loaders map[Runtime]Loader
}

// NewRuntimeLoader creates a router with the given static loader. The JAR
// runtime defaults to GoPluginLoader.
func NewRuntimeLoader(static *StaticLoader) *RuntimeLoader {
	if static == nil {
		static = NewStaticLoader()
	}
	return &RuntimeLoader{
		Static:  static,
		loaders: map[Runtime]Loader{RuntimeJAR: GoPluginLoader{}},
	}
}

// Handle registers the loader used for runtime.
func (r *RuntimeLoader) Handle(runtime Runtime, loader Loader) {
	r.loaders[runtime] = loader
}

// Load implements Loader.
func (r *RuntimeLoader) Load(ctx context.Context, ref ArtifactRef) (Plugin, error) {
	runtime := ref.Runtime
	if runtime == "" {
		runtime = RuntimeJAR
	}
	if runtime == RuntimeJAR && (strings.HasPrefix(ref.Location, "builtin:") || (ref.Location == "" && r.Static.Has(ref.Name))) {
		return r.Static.Load(ctx, ref)
	}
	loader, ok := r.loaders[runtime]
	if !ok {
		return nil, fmt.Errorf("no loader for runtime %s", runtime)
	}
	return loader.Load(ctx, ref)
}
