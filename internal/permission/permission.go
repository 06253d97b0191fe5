package permission

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/pkg/logger"
)

// Grant 记录插件对某个权限的授予状态。
type Grant struct {
	Plugin     string    `json:"plugin"`
	Permission string    `json:"permission"`
	Granted    bool      `json:"granted"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store 持久化授权记录。注册表实现该接口。
type Store interface {
	SaveGrant(ctx context.Context, grant Grant) error
	ListGrants(ctx context.Context, plugin string) ([]Grant, error)
}

var (
	// ErrPermissionDenied 表示插件未被授予所需权限。
	ErrPermissionDenied = xerrors.New(xerrors.CodePermissionDenied, "")
	// ErrInvalidPermission 表示权限字符串格式不合法。
	ErrInvalidPermission = xerrors.New(xerrors.CodeInvalidPermission, "")
)

var permissionRE = regexp.MustCompile(`^[a-z][a-z0-9_-]*(\.[a-z][a-z0-9_-]*)+$`)

// Valid 判断权限字符串是否为 "<域>.<动作>" 形式。
func Valid(permission string) bool {
	return permissionRE.MatchString(permission)
}

// Service 实现授予、撤销与检查。检查结果在内存中缓存，写操作同步落库。
type Service struct {
	store Store
	audit *slog.Logger

	mu     sync.RWMutex
	cache  map[string]map[string]bool
	loaded map[string]bool
}

// Option 配置 Service。
type Option func(*Service)

// WithAuditLogger 指定审计日志输出。
func WithAuditLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.audit = l
		}
	}
}

// NewService 创建权限服务。
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		cache:  make(map[string]map[string]bool),
		loaded: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.audit == nil {
		s.audit = logger.Audit()
	}
	return s
}

// Grant 授予权限。
func (s *Service) Grant(ctx context.Context, plugin, permission string) error {
	return s.set(ctx, plugin, permission, true)
}

// Revoke 撤销权限。撤销未授予的权限不是错误。
func (s *Service) Revoke(ctx context.Context, plugin, permission string) error {
	return s.set(ctx, plugin, permission, false)
}

func (s *Service) set(ctx context.Context, plugin, permission string, granted bool) error {
	if !Valid(permission) {
		return xerrors.New(xerrors.CodeInvalidPermission, "invalid permission "+permission,
			xerrors.WithMetadata("plugin", plugin))
	}
	if err := s.store.SaveGrant(ctx, Grant{Plugin: plugin, Permission: permission, Granted: granted, UpdatedAt: time.Now().UTC()}); err != nil {
		return err
	}
	s.mu.Lock()
	if s.cache[plugin] == nil {
		s.cache[plugin] = make(map[string]bool)
	}
	s.cache[plugin][permission] = granted
	s.mu.Unlock()

	action := "permission_revoked"
	if granted {
		action = "permission_granted"
	}
	s.audit.Info(action, slog.String("plugin", plugin), slog.String("permission", permission))
	return nil
}

// IsGranted 返回插件当前是否持有权限，每次检查都会写入审计日志。
func (s *Service) IsGranted(ctx context.Context, plugin, permission string) bool {
	granted, err := s.lookup(ctx, plugin, permission)
	attrs := []any{
		slog.String("plugin", plugin),
		slog.String("permission", permission),
		slog.Bool("allowed", granted),
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	s.audit.Info("permission_check", attrs...)
	return granted
}

// CheckOrFail 在未授权时返回 PermissionDenied。
func (s *Service) CheckOrFail(ctx context.Context, plugin, permission string) error {
	if s.IsGranted(ctx, plugin, permission) {
		return nil
	}
	return xerrors.New(xerrors.CodePermissionDenied,
		"plugin "+plugin+" lacks permission "+permission,
		xerrors.WithMetadata("plugin", plugin),
		xerrors.WithMetadata("permission", permission))
}

// Grants 返回插件当前的授权列表。
func (s *Service) Grants(ctx context.Context, plugin string) ([]Grant, error) {
	return s.store.ListGrants(ctx, plugin)
}

// Forget 丢弃插件的缓存，在卸载或回滚后调用。
func (s *Service) Forget(plugin string) {
	s.mu.Lock()
	delete(s.cache, plugin)
	delete(s.loaded, plugin)
	s.mu.Unlock()
}

func (s *Service) lookup(ctx context.Context, plugin, permission string) (bool, error) {
	s.mu.RLock()
	loaded := s.loaded[plugin]
	granted := s.cache[plugin][permission]
	s.mu.RUnlock()
	if loaded {
		return granted, nil
	}

	grants, err := s.store.ListGrants(ctx, plugin)
	if err != nil {
		return false, err
	}
	set := make(map[string]bool, len(grants))
	for _, g := range grants {
		set[g.Permission] = g.Granted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded[plugin] {
		// 加载期间写入的授权比存储快照更新。
		for perm, ok := range s.cache[plugin] {
			set[perm] = ok
		}
		s.cache[plugin] = set
		s.loaded[plugin] = true
	}
	return s.cache[plugin][permission], nil
}
