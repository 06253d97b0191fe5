package manager

import (
	"sync"
	"time"

	"ExtensionHub/internal/registry"
	"ExtensionHub/pkg/plugin"
)

// Status 是插件运行时状态与注册条目的合并视图。
type Status struct {
	Name                string             `json:"name"`
	Version             string             `json:"version"`
	Runtime             plugin.Runtime     `json:"runtime"`
	EntryID             string             `json:"entry_id,omitempty"`
	State               plugin.State       `json:"state"`
	RegistryStatus      registry.Status    `json:"registry_status,omitempty"`
	Health              plugin.HealthState `json:"health,omitempty"`
	HealthMessage       string             `json:"health_message,omitempty"`
	CheckedAt           time.Time          `json:"checked_at,omitzero"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastError           string             `json:"last_error,omitempty"`
	Subscriptions       []string           `json:"subscriptions,omitempty"`
	Degraded            bool               `json:"degraded,omitempty"`
	Config              map[string]any     `json:"config,omitempty"`
	UpdatedAt           time.Time          `json:"updated_at,omitzero"`
}

type runtime struct {
	name     string
	desc     plugin.Descriptor
	entryID  string
	location string

	mu          sync.Mutex
	plugin      plugin.Plugin
	state       plugin.State
	config      map[string]any
	configDirty bool
	health      plugin.HealthState
	healthMsg   string
	checkedAt   time.Time
	failures    int
	lastErr     string
	updatedAt   time.Time
}

func newRuntime(entry registry.Entry, p plugin.Plugin) *runtime {
	return &runtime{
		name:     entry.Name(),
		desc:     entry.Descriptor.Clone(),
		entryID:  entry.ID,
		location: entry.Location,
		plugin:   p,
		state:    plugin.StateUnloaded,
		config:   plugin.CloneConfig(entry.Config),
	}
}

func (rt *runtime) currentState() plugin.State {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *runtime) handle() plugin.Plugin {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.plugin
}

func (rt *runtime) setPlugin(p plugin.Plugin) {
	rt.mu.Lock()
	rt.plugin = p
	rt.mu.Unlock()
}

func (rt *runtime) setState(to plugin.State, lastErr string, at time.Time) plugin.State {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	from := rt.state
	rt.state = to
	if lastErr != "" {
		rt.lastErr = lastErr
	}
	if to == plugin.StateStarted {
		rt.failures = 0
	}
	rt.updatedAt = at
	return from
}

func (rt *runtime) configCopy() map[string]any {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return plugin.CloneConfig(rt.config)
}

func (rt *runtime) setConfig(cfg map[string]any) {
	rt.mu.Lock()
	rt.config = plugin.CloneConfig(cfg)
	rt.configDirty = true
	rt.mu.Unlock()
}

func (rt *runtime) takeDirty() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	dirty := rt.configDirty
	rt.configDirty = false
	return dirty
}

// recordHealth 记录一次探测结果，返回连续 UNHEALTHY 次数。
func (rt *runtime) recordHealth(h plugin.Health, at time.Time) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.health = h.State
	rt.healthMsg = h.Message
	rt.checkedAt = at
	if h.State == plugin.Unhealthy {
		rt.failures++
	} else {
		rt.failures = 0
	}
	return rt.failures
}

func (rt *runtime) status() Status {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return Status{
		Name:                rt.name,
		Version:             rt.desc.Version,
		Runtime:             rt.desc.Runtime,
		EntryID:             rt.entryID,
		State:               rt.state,
		Health:              rt.health,
		HealthMessage:       rt.healthMsg,
		CheckedAt:           rt.checkedAt,
		ConsecutiveFailures: rt.failures,
		LastError:           rt.lastErr,
		Config:              plugin.CloneConfig(rt.config),
		UpdatedAt:           rt.updatedAt,
	}
}
