package api

import (
	"context"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/manager"
	"ExtensionHub/internal/registry"
	"ExtensionHub/pkg/plugin"
)

type installRequest struct {
	Name         string                 `json:"name"`
	Version      string                 `json:"version"`
	Description  string                 `json:"description"`
	Author       string                 `json:"author"`
	Type         plugin.Type            `json:"type"`
	Runtime      plugin.Runtime         `json:"runtime"`
	Capabilities []plugin.Capability    `json:"capabilities"`
	Permissions  []string               `json:"permissions"`
	Subscribes   []string               `json:"subscribes"`
	Publishes    []string               `json:"publishes"`
	Location     string                 `json:"location"`
	Config       map[string]any         `json:"config"`
	Policy       plugin.IsolationPolicy `json:"policy"`
}

func (req installRequest) toManager() manager.InstallRequest {
	return manager.InstallRequest{
		Descriptor: plugin.Descriptor{
			Name:                req.Name,
			Version:             req.Version,
			Description:         req.Description,
			Author:              req.Author,
			Type:                req.Type,
			Runtime:             req.Runtime,
			Capabilities:        req.Capabilities,
			RequiredPermissions: req.Permissions,
			SubscribedEvents:    req.Subscribes,
			PublishedEvents:     req.Publishes,
		},
		Config:   req.Config,
		Location: req.Location,
		Policy:   req.Policy,
	}
}

func (h *handlers) listPlugins(w http.ResponseWriter, r *http.Request) {
	status := registry.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		h.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "未知插件状态: "+string(status)))
		return
	}
	list, err := h.Manager.List(r.Context(), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) installPlugin(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if !h.decode(w, r, &req) {
		return
	}
	st, err := h.Manager.Install(r.Context(), req.toManager())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *handlers) pluginStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Manager.Status(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) uninstallPlugin(w http.ResponseWriter, r *http.Request) {
	if err := h.Manager.Uninstall(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) startPlugin(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Manager.Start)
}

func (h *handlers) stopPlugin(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Manager.Stop)
}

func (h *handlers) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, name string) (manager.Status, error)) {
	st, err := op(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) updatePluginConfig(w http.ResponseWriter, r *http.Request) {
	var cfg map[string]any
	if !h.decode(w, r, &cfg) {
		return
	}
	st, err := h.Manager.UpdateConfig(r.Context(), chi.URLParam(r, "name"), cfg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) grantPermission(w http.ResponseWriter, r *http.Request) {
	h.permission(w, r, h.Manager.Grant)
}

func (h *handlers) revokePermission(w http.ResponseWriter, r *http.Request) {
	h.permission(w, r, h.Manager.Revoke)
}

func (h *handlers) permission(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, name, perm string) error) {
	name := chi.URLParam(r, "name")
	if err := op(r.Context(), name, chi.URLParam(r, "permission")); err != nil {
		h.writeError(w, r, err)
		return
	}
	grants, err := h.Manager.Registry().GetPermissions(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].Permission < grants[j].Permission })
	writeJSON(w, http.StatusOK, grants)
}
