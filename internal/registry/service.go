package registry

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/permission"
	"ExtensionHub/pkg/logger"
	"ExtensionHub/pkg/plugin"
)

// ChangeKind 描述注册表变更的类型。
type ChangeKind string

const (
	ChangeRegistered   ChangeKind = "registered"
	ChangeUnregistered ChangeKind = "unregistered"
	ChangeStatus       ChangeKind = "status"
	ChangeConfig       ChangeKind = "config"
)

// Change 在注册表写入成功后通知监听者。
type Change struct {
	Plugin string
	Kind   ChangeKind
}

// Service 是注册表的唯一写入方。
type Service struct {
	repo Repository
	now  func() time.Time
	log  *slog.Logger

	mu        sync.RWMutex
	listeners []func(Change)
}

// Option 配置 Service。
type Option func(*Service)

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 创建注册表服务。
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{repo: repo, now: time.Now, log: logger.Named("registry")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Repository 返回底层仓储，权限服务以它作为授权存储。
func (s *Service) Repository() Repository {
	return s.repo
}

// OnChange 注册变更监听器。监听器在写入方的 goroutine 中同步执行，不能阻塞。
func (s *Service) OnChange(fn func(Change)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Service) notify(name string, kind ChangeKind) {
	s.mu.RLock()
	listeners := slices.Clone(s.listeners)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(Change{Plugin: name, Kind: kind})
	}
}

// Register 写入注册条目，自动授予描述符声明的权限并登记事件绑定，返回条目 ID。
// 新条目状态为 INACTIVE。同名的非 ACTIVE 旧条目会被替换。
func (s *Service) Register(ctx context.Context, desc plugin.Descriptor, cfg map[string]any, location string) (string, error) {
	return s.register(ctx, desc, cfg, location, false)
}

// RegisterNew 与 Register 相同，但同名条目无论状态如何都返回 DuplicateName。
// 发布新版本前必须先卸载旧版本。
func (s *Service) RegisterNew(ctx context.Context, desc plugin.Descriptor, cfg map[string]any, location string) (string, error) {
	return s.register(ctx, desc, cfg, location, true)
}

func (s *Service) register(ctx context.Context, desc plugin.Descriptor, cfg map[string]any, location string, exclusive bool) (string, error) {
	desc = desc.Normalize()
	if err := desc.Validate(); err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid plugin descriptor")
	}
	for _, perm := range desc.RequiredPermissions {
		if !permission.Valid(perm) {
			return "", xerrors.New(xerrors.CodeInvalidPermission, "invalid permission "+perm,
				xerrors.WithMetadata("plugin", desc.Name))
		}
	}
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	entry := Entry{
		ID:         uuid.NewString(),
		Descriptor: desc,
		Status:     StatusInactive,
		Config:     normalized,
		Location:   location,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	grants := make([]permission.Grant, 0, len(desc.RequiredPermissions))
	for _, perm := range desc.RequiredPermissions {
		grants = append(grants, permission.Grant{Plugin: desc.Name, Permission: perm, Granted: true, UpdatedAt: now})
	}
	rec := Record{Entry: entry, Grants: grants, Bindings: BindingsFor(desc)}
	write := s.repo.Create
	if exclusive {
		write = s.repo.Insert
	}
	if err := write(ctx, rec); err != nil {
		return "", err
	}
	s.log.Info("插件已注册",
		slog.String("plugin", desc.Name),
		slog.String("version", desc.Version),
		slog.String("entry_id", entry.ID))
	s.notify(desc.Name, ChangeRegistered)
	return entry.ID, nil
}

// Unregister 删除条目及其全部授权与事件绑定。
func (s *Service) Unregister(ctx context.Context, name string) error {
	if err := s.repo.Delete(ctx, name); err != nil {
		return err
	}
	s.log.Info("插件已注销", slog.String("plugin", name))
	s.notify(name, ChangeUnregistered)
	return nil
}

// GetByName 查询条目，不存在时返回 NotFound。
func (s *Service) GetByName(ctx context.Context, name string) (Entry, error) {
	return s.repo.Get(ctx, name)
}

// ListAll 返回全部条目。
func (s *Service) ListAll(ctx context.Context) ([]Entry, error) {
	return s.repo.List(ctx, "")
}

// ListByStatus 返回指定状态的条目。
func (s *Service) ListByStatus(ctx context.Context, status Status) ([]Entry, error) {
	if !status.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown registry status "+string(status))
	}
	return s.repo.List(ctx, status)
}

// UpdateStatus 更新条目状态。
func (s *Service) UpdateStatus(ctx context.Context, name string, status Status) error {
	if !status.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, "unknown registry status "+string(status))
	}
	if err := s.repo.UpdateStatus(ctx, name, status, s.now().UTC()); err != nil {
		return err
	}
	s.notify(name, ChangeStatus)
	return nil
}

// UpdateConfig 替换条目配置。
func (s *Service) UpdateConfig(ctx context.Context, name string, cfg map[string]any) error {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateConfig(ctx, name, normalized, s.now().UTC()); err != nil {
		return err
	}
	s.notify(name, ChangeConfig)
	return nil
}

// GetSubscriptions 返回插件的事件绑定，订阅在前、发布在后。
func (s *Service) GetSubscriptions(ctx context.Context, name string) ([]Binding, error) {
	return s.repo.Bindings(ctx, name)
}

// GetPermissions 返回插件的授权记录。
func (s *Service) GetPermissions(ctx context.Context, name string) ([]permission.Grant, error) {
	if _, err := s.repo.Get(ctx, name); err != nil {
		return nil, err
	}
	return s.repo.ListGrants(ctx, name)
}

// SubscribersOf 返回订阅 eventType 的插件名。
func (s *Service) SubscribersOf(ctx context.Context, eventType string) ([]string, error) {
	return s.repo.SubscribersOf(ctx, eventType)
}
