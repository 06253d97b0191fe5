package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Authenticate 解析 bearer 令牌并把主体放入请求上下文，同时记录审计日志。
// 认证关闭时直接放行。
func (s *Service) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Mode() == ModeDisabled {
			next.ServeHTTP(w, r)
			return
		}
		subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			s.deny(w, r, http.StatusUnauthorized, err, "")
			return
		}
		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
		s.audit.Info("api_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", aw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("user", subject.Name),
		)
	})
}

// Require 返回要求主体持有全部 perms 的中间件，须挂在 Authenticate 之后。
func (s *Service) Require(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Mode() == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject := SubjectFromContext(r.Context())
			if err := subject.Authorize(perms...); err != nil {
				status := http.StatusForbidden
				if subject == nil {
					status = http.StatusUnauthorized
				}
				name := ""
				if subject != nil {
					name = subject.Name
				}
				s.deny(w, r, status, err, name)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Service) deny(w http.ResponseWriter, r *http.Request, status int, err error, user string) {
	code := "UNAUTHENTICATED"
	if errors.Is(err, ErrPermissionDenied) {
		code = "PERMISSION_DENIED"
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="extensionhub"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": err.Error()},
	})
	s.audit.Warn("access_denied",
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.Int("status", status),
		slog.String("user", user),
		slog.Any("error", err),
	)
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
