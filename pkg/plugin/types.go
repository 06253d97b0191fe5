package plugin

import (
	"regexp"
	"slices"
	"time"
)

// Type distinguishes in-process plugins from plugins reached over a call boundary.
type Type string

const (
	TypeInternal Type = "INTERNAL"
	TypeExternal Type = "EXTERNAL"
)

// Runtime names the mechanism used to obtain a plugin handle.
type Runtime string

const (
	// RuntimeJAR is an in-process artifact: a Go shared object or a compiled-in factory.
	RuntimeJAR  Runtime = "JAR"
	RuntimeGRPC Runtime = "GRPC"
	RuntimeREST Runtime = "REST"
)

// Capability expresses optional features a plugin declares it needs.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Descriptor contains the identity and static metadata of a plugin.
type Descriptor struct {
	Name                string       `json:"name" yaml:"name"`
	Version             string       `json:"version" yaml:"version"`
	Description         string       `json:"description,omitempty" yaml:"description"`
	Author              string       `json:"author,omitempty" yaml:"author"`
	Type                Type         `json:"type" yaml:"type"`
	Runtime             Runtime      `json:"runtime" yaml:"runtime"`
	Capabilities        []Capability `json:"capabilities,omitempty" yaml:"capabilities"`
	RequiredPermissions []string     `json:"required_permissions,omitempty" yaml:"permissions"`
	SubscribedEvents    []string     `json:"subscribed_events,omitempty" yaml:"subscribes"`
	PublishedEvents     []string     `json:"published_events,omitempty" yaml:"publishes"`
}

var nameRE = regexp.MustCompile(`^[a-z][a-z0-9-]{1,62}$`)

// ValidName reports whether name is usable as a plugin identifier.
func ValidName(name string) bool {
	return nameRE.MatchString(name)
}

// Normalize fills defaults and removes duplicate list entries.
func (d Descriptor) Normalize() Descriptor {
	if d.Runtime == "" {
		d.Runtime = RuntimeJAR
	}
	if d.Type == "" {
		if d.Runtime == RuntimeJAR {
			d.Type = TypeInternal
		} else {
			d.Type = TypeExternal
		}
	}
	d.Capabilities = dedupe(d.Capabilities)
	d.RequiredPermissions = dedupe(d.RequiredPermissions)
	d.SubscribedEvents = dedupe(d.SubscribedEvents)
	d.PublishedEvents = dedupe(d.PublishedEvents)
	return d
}

// Clone returns a deep copy of the descriptor.
func (d Descriptor) Clone() Descriptor {
	d.Capabilities = slices.Clone(d.Capabilities)
	d.RequiredPermissions = slices.Clone(d.RequiredPermissions)
	d.SubscribedEvents = slices.Clone(d.SubscribedEvents)
	d.PublishedEvents = slices.Clone(d.PublishedEvents)
	return d
}

// Subscribes reports whether the descriptor lists eventType as a subscription.
func (d Descriptor) Subscribes(eventType string) bool {
	return slices.Contains(d.SubscribedEvents, eventType)
}

func dedupe[T comparable](values []T) []T {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[T]struct{}, len(values))
	out := make([]T, 0, len(values))
	var zero T
	for _, v := range values {
		if v == zero {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateUnloaded    State = "UNLOADED"
	StateRegistered  State = "REGISTERED"
	StateInitialized State = "INITIALIZED"
	StateStarted     State = "STARTED"
	StateStopped     State = "STOPPED"
	StateFailed      State = "FAILED"
)

// HealthState is the outcome of a health probe.
type HealthState string

const (
	Healthy   HealthState = "HEALTHY"
	Degraded  HealthState = "DEGRADED"
	Unhealthy HealthState = "UNHEALTHY"
)

// Health is a plugin health report.
type Health struct {
	State   HealthState       `json:"state"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Event is a typed message routed by the event bus.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
