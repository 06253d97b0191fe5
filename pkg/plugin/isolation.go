package plugin

import (
	"fmt"
	"slices"
)

// IsolationStrategy enforces restrictions on plugins around their lifecycle.
type IsolationStrategy interface {
	Validate(desc Descriptor, policy IsolationPolicy) error
	Prepare(desc Descriptor) error
	Cleanup(desc Descriptor) error
}

// IsolationPolicy governs which declared capabilities a plugin may hold.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowed_capabilities" json:"allowed_capabilities,omitempty"`
	DeniedCapabilities  []Capability `yaml:"denied_capabilities" json:"denied_capabilities,omitempty"`
}

// Merge returns a new policy using values from other when not present.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// CapabilityIsolation validates declared capabilities and has no runtime hooks.
type CapabilityIsolation struct{}

// Validate ensures the capabilities declared by the plugin are allowed.
func (CapabilityIsolation) Validate(desc Descriptor, policy IsolationPolicy) error {
	for _, c := range policy.DeniedCapabilities {
		if slices.Contains(desc.Capabilities, c) {
			return fmt.Errorf("capability %s is explicitly denied", c)
		}
	}
	if len(policy.AllowedCapabilities) == 0 {
		return nil
	}
	for _, c := range desc.Capabilities {
		if !slices.Contains(policy.AllowedCapabilities, c) {
			return fmt.Errorf("capability %s not permitted", c)
		}
	}
	return nil
}

// Prepare implements IsolationStrategy.
func (CapabilityIsolation) Prepare(Descriptor) error { return nil }

// Cleanup implements IsolationStrategy.
func (CapabilityIsolation) Cleanup(Descriptor) error { return nil }

// NewIsolationStrategy returns the default strategy if none is supplied.
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return CapabilityIsolation{}
	}
	return strategy
}
