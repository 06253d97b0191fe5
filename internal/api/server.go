package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ExtensionHub/internal/auth"
	"ExtensionHub/internal/manager"
	"ExtensionHub/internal/observability/metrics"
	"ExtensionHub/internal/submission"
	"ExtensionHub/pkg/logger"
)

// Dependencies 汇总路由需要的服务。Metrics 为空时不导出 /metrics。
type Dependencies struct {
	Manager     *manager.Manager
	Submissions *submission.Service
	Auth        *auth.Service
	Metrics     *metrics.Collector
	// MaxUploadBytes 限制提交接口的请求体大小。
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Server 负责暴露管理 REST 接口。
type Server struct {
	addr            string
	handler         http.Handler
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, shutdownTimeout time.Duration, deps Dependencies) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	log := deps.Logger
	if log == nil {
		log = logger.Named("api")
	}
	deps.Logger = log
	return &Server{addr: addr, handler: NewRouter(deps), shutdownTimeout: shutdownTimeout, log: log}
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler { return s.handler }

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("管理接口已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
