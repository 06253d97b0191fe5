package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"ExtensionHub/internal/artifact"
	"ExtensionHub/internal/config"
	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/eventbus"
	"ExtensionHub/internal/manager"
	"ExtensionHub/internal/observability/alerting"
	"ExtensionHub/internal/registry"
	redisstore "ExtensionHub/internal/storage/redis"
	"ExtensionHub/internal/storage/sqlstore"
	"ExtensionHub/internal/submission"
	"ExtensionHub/pkg/logger"
	"ExtensionHub/pkg/plugin"
)

type storageSet struct {
	registry    registry.Repository
	submissions submission.Store
	db          *sqlstore.DB
}

func (s storageSet) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// openStorage 按配置选择数据库或内存存储。
func openStorage(ctx context.Context, cfg *config.Config) (storageSet, error) {
	if !cfg.Storage.Persistent() {
		return storageSet{
			registry:    registry.NewMemoryRepository(),
			submissions: submission.NewMemoryStore(),
		}, nil
	}
	db, err := sqlstore.Open(ctx, cfg.Storage.Config)
	if err != nil {
		return storageSet{}, err
	}
	return storageSet{
		registry:    registry.NewSQLRepository(db),
		submissions: submission.NewSQLStore(db),
		db:          db,
	}, nil
}

// bridgeOptions 构造跨节点事件桥接。
func bridgeOptions(ctx context.Context, cfg config.BridgeConfig) ([]eventbus.Option, func(), error) {
	switch cfg.Driver {
	case "", "none":
		return nil, func() {}, nil
	case "redis":
		client, err := redisstore.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return []eventbus.Option{eventbus.WithBridge(eventbus.NewRedisBridge(client, cfg.Channel))},
			func() { _ = client.Close() }, nil
	case "rabbitmq":
		rmq := cfg.RabbitMQ
		if rmq.Exchange == "" {
			rmq.Exchange = cfg.Channel
		}
		br, err := eventbus.NewRabbitMQBridge(rmq)
		if err != nil {
			return nil, nil, err
		}
		return []eventbus.Option{eventbus.WithBridge(br)}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("未知的事件桥接驱动: %s", cfg.Driver)
	}
}

// newAlerts 总是写日志，配置 webhook 后同时推送。
func newAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alert")}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhook(cfg.WebhookURL, alerting.Channel(cfg.Format)))
	}
	return alerting.NewFanout(notifiers...)
}

// newPublisher 选择发布方式：autoInstall 时由管理器安装，否则只写注册表，
// 插件在首次启动时加载。
func newPublisher(autoInstall bool, mgr *manager.Manager, store artifact.Store) submission.Publisher {
	var locate func(string) string
	if fs, ok := artifact.Unwrap(store).(*artifact.FilesystemStore); ok {
		locate = func(key string) string {
			p, err := fs.LocalPath(key)
			if err != nil {
				return ""
			}
			return p
		}
	}
	if !autoInstall {
		return submission.RegistryPublisher{Registry: mgr.Registry(), Locate: locate}
	}
	return installPublisher{mgr: mgr, locate: locate}
}

// installPublisher 通过管理器安装已发布的提交，插件停留在 INITIALIZED。
type installPublisher struct {
	mgr    *manager.Manager
	locate func(string) string
}

func (p installPublisher) Publish(ctx context.Context, sub submission.Submission) (string, error) {
	st, err := p.mgr.Install(ctx, manager.InstallRequest{
		Descriptor: sub.Manifest.Descriptor(),
		Config:     sub.Manifest.Config,
		Location:   submission.PublishLocation(sub, p.locate),
		Exclusive:  true,
	})
	if err != nil {
		return "", err
	}
	return st.EntryID, nil
}

func (p installPublisher) Retract(ctx context.Context, sub submission.Submission, _ string) error {
	if _, err := p.mgr.Stop(ctx, sub.Manifest.Name); err != nil && !xerrors.HasCode(err, xerrors.CodeInvalidStateTransition) {
		return err
	}
	return p.mgr.Uninstall(ctx, sub.Manifest.Name)
}

// installPluginDir 安装插件目录中尚未安装的清单，单个失败只记录日志。
func installPluginDir(ctx context.Context, mgr *manager.Manager, dir string, log *slog.Logger) {
	manifests, err := plugin.ScanDir(dir)
	if err != nil {
		log.Warn("插件目录中存在无效清单", slog.String("dir", dir), slog.Any("error", err))
	}
	for _, m := range manifests {
		if _, err := mgr.Status(ctx, m.Name); err == nil {
			continue
		}
		if _, err := mgr.InstallManifest(ctx, m); err != nil {
			log.Error("安装插件失败", slog.String("plugin", m.Name), slog.Any("error", err))
			continue
		}
		log.Info("已安装插件", slog.String("plugin", m.Name), slog.String("version", m.Version))
	}
}

// applyOverrides 将与 prev 相比变化的覆盖合并进插件当前配置。
// 删除的覆盖项不会回滚，只记录日志。
func applyOverrides(ctx context.Context, mgr *manager.Manager, next, prev map[string]map[string]any, log *slog.Logger) {
	changed, removed := config.DiffOverrides(prev, next)
	for name, override := range changed {
		st, err := mgr.Status(ctx, name)
		if err != nil {
			if !xerrors.HasCode(err, xerrors.CodeNotFound) {
				log.Error("读取插件状态失败", slog.String("plugin", name), slog.Any("error", err))
			}
			continue
		}
		merged := make(map[string]any, len(st.Config)+len(override))
		maps.Copy(merged, st.Config)
		maps.Copy(merged, override)
		if _, err := mgr.UpdateConfig(ctx, name, merged); err != nil {
			log.Error("更新插件配置失败", slog.String("plugin", name), slog.Any("error", err))
			continue
		}
		log.Info("插件配置已更新", slog.String("plugin", name))
	}
	for _, name := range removed {
		log.Warn("配置覆盖已移除，插件保留当前配置", slog.String("plugin", name))
	}
}
