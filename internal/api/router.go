package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ExtensionHub/internal/auth"
)

type handlers struct {
	Dependencies
}

// NewRouter 构建 /api/v1 路由。
func NewRouter(deps Dependencies) http.Handler {
	if deps.Auth == nil {
		deps.Auth, _ = auth.NewService(auth.Config{Mode: auth.ModeDisabled})
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 64 << 20
	}
	h := &handlers{Dependencies: deps}
	a := deps.Auth

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(h.observe)
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}
	r.Get("/healthz", h.healthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.Authenticate)

		r.Route("/plugins", func(r chi.Router) {
			r.With(a.Require(auth.PermPluginsRead)).Get("/", h.listPlugins)
			r.With(a.Require(auth.PermPluginsAdmin)).Post("/", h.installPlugin)
			r.Route("/{name}", func(r chi.Router) {
				r.With(a.Require(auth.PermPluginsRead)).Get("/", h.pluginStatus)
				r.Group(func(r chi.Router) {
					r.Use(a.Require(auth.PermPluginsAdmin))
					r.Delete("/", h.uninstallPlugin)
					r.Post("/start", h.startPlugin)
					r.Post("/stop", h.stopPlugin)
					r.Put("/config", h.updatePluginConfig)
					r.Put("/permissions/{permission}", h.grantPermission)
					r.Delete("/permissions/{permission}", h.revokePermission)
				})
			})
		})

		r.Route("/submissions", func(r chi.Router) {
			r.With(a.Require(auth.PermSubmissionsSubmit)).Post("/", h.submit)
			r.With(a.Require(auth.PermSubmissionsReview)).Get("/", h.listSubmissions)
			r.Route("/{id}", func(r chi.Router) {
				r.With(a.Require(auth.PermSubmissionsSubmit)).Get("/", h.getSubmission)
				r.With(a.Require(auth.PermSubmissionsReview)).Put("/status", h.updateSubmissionStatus)
				r.With(a.Require(auth.PermSubmissionsSubmit)).Post("/withdraw", h.withdraw)
				r.With(a.Require(auth.PermSubmissionsSubmit)).Post("/resubmit", h.resubmit)
				r.With(a.Require(auth.PermSubmissionsSubmit)).Delete("/", h.deleteSubmission)
			})
		})

		r.With(a.Require(auth.PermPluginsRead)).Get("/statistics", h.statistics)
	})
	return r
}

// observe 以路由模板为标签记录请求指标，避免按具体路径产生高基数。
func (h *handlers) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		pattern := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.Metrics.ObserveHTTPRequest(pattern, r.Method, status, time.Since(start))
	})
}
