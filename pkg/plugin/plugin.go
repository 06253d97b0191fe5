package plugin

import (
	"context"
	"slices"
)

// Plugin defines the operations every plugin variant must satisfy,
// whether it runs in-process or behind a call boundary.
type Plugin interface {
	// Info returns the static metadata for the plugin.
	Info() Descriptor
	// Initialize prepares the plugin using ctx.Config. It may be retried.
	Initialize(ctx *ExecutionContext) error
	// Start activates the plugin and should spawn long running routines if required.
	Start(ctx *ExecutionContext) error
	// Stop gracefully halts the plugin and releases any resources.
	Stop(ctx *ExecutionContext) error
	// HealthCheck reports liveness. Implementations must honour ctx cancellation.
	HealthCheck(ctx context.Context) Health

	Capabilities() []Capability
	RequiredPermissions() []string
	SubscribedEvents() []string
	PublishedEvents() []string
}

// EventHandler is implemented by plugins that subscribe to events.
type EventHandler interface {
	HandleEvent(ctx context.Context, evt Event) error
}

// Host is the capability-gated API a plugin uses to reach host services.
// Every call is checked against the plugin's permission grants.
type Host interface {
	Call(ctx context.Context, operation string, args map[string]any) (any, error)
}

// Publisher lets a plugin emit events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

// ExecutionContext is passed to plugins for every lifecycle stage.
type ExecutionContext struct {
	// C is the underlying context for cancellation and deadlines.
	C context.Context
	// Config is the plugin specific configuration block.
	Config map[string]any
	// Host exposes host services scoped to this plugin.
	Host Host
	// Events publishes events on behalf of this plugin.
	Events Publisher
}

// Context returns the embedded context or context.Background when unset.
func (c *ExecutionContext) Context() context.Context {
	if c == nil || c.C == nil {
		return context.Background()
	}
	return c.C
}

// Clone returns a shallow copy of the execution context so plugins can safely mutate the config map.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	dup.Config = CloneConfig(c.Config)
	return &dup
}

// CloneConfig copies a configuration map one level deep.
func CloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}

// Base implements the descriptor-derived parts of Plugin. Embed it and
// override the hooks you need.
type Base struct {
	Descriptor Descriptor
}

func (b *Base) Info() Descriptor { return b.Descriptor.Clone() }
func (b *Base) Initialize(*ExecutionContext) error { return nil }
func (b *Base) Start(*ExecutionContext) error { return nil }
func (b *Base) Stop(*ExecutionContext) error { return nil }
func (b *Base) HealthCheck(context.Context) Health { return Health{State: Healthy} }
func (b *Base) Capabilities() []Capability { return slices.Clone(b.Descriptor.Capabilities) }
func (b *Base) RequiredPermissions() []string { return slices.Clone(b.Descriptor.RequiredPermissions) }
func (b *Base) SubscribedEvents() []string { return slices.Clone(b.Descriptor.SubscribedEvents) }
func (b *Base) PublishedEvents() []string { return slices.Clone(b.Descriptor.PublishedEvents) }
