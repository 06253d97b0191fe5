package api

import (
	"net/http"

	"ExtensionHub/internal/eventbus"
	"ExtensionHub/internal/registry"
	"ExtensionHub/internal/submission"
	"ExtensionHub/pkg/plugin"
)

// Statistics 是 /statistics 的响应体。
type Statistics struct {
	Submissions     submission.Statistics   `json:"submissions"`
	PluginsByStatus map[registry.Status]int `json:"plugins_by_status"`
	PluginsByState  map[plugin.State]int    `json:"plugins_by_state"`
	Events          eventbus.Stats          `json:"events"`
}

func (h *handlers) statistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var stats Statistics
	if h.Submissions != nil {
		s, err := h.Submissions.Stats(ctx)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		stats.Submissions = s
	}
	entries, err := h.Manager.Registry().ListAll(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	stats.PluginsByStatus = map[registry.Status]int{
		registry.StatusInactive: 0,
		registry.StatusActive:   0,
		registry.StatusFailed:   0,
	}
	for _, e := range entries {
		stats.PluginsByStatus[e.Status]++
	}
	stats.PluginsByState = h.Manager.StateCounts()
	stats.Events = h.Manager.Bus().Stats()
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.Manager != nil {
		body["plugins"] = h.Manager.StateCounts()
	}
	writeJSON(w, http.StatusOK, body)
}
