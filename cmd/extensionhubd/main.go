package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ExtensionHub/internal/api"
	"ExtensionHub/internal/artifact"
	"ExtensionHub/internal/auth"
	"ExtensionHub/internal/config"
	"ExtensionHub/internal/eventbus"
	"ExtensionHub/internal/hostapi"
	"ExtensionHub/internal/manager"
	"ExtensionHub/internal/observability/metrics"
	"ExtensionHub/internal/permission"
	"ExtensionHub/internal/registry"
	"ExtensionHub/internal/submission"
	"ExtensionHub/pkg/logger"
	"ExtensionHub/pkg/plugin"
	"ExtensionHub/pkg/plugin/grpcplugin"
	"ExtensionHub/pkg/plugin/restplugin"
)

// main 是 ExtensionHub 守护进程的入口。
func main() {
	configFlag := flag.String("config", "", "配置文件路径，默认读取 EXTHUB_CONFIG 或 configs/extensionhub.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.ResolvePath(*configFlag)); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("extensionhubd 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("extensionhubd")

	collector := metrics.New()

	stores, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	reg := registry.NewService(stores.registry)
	perms := permission.NewService(stores.registry)

	busOpts, closeBridge, err := bridgeOptions(ctx, cfg.EventBus.Bridge)
	if err != nil {
		return err
	}
	defer closeBridge()

	loader := plugin.NewRuntimeLoader(plugin.NewStaticLoader())
	loader.Handle(plugin.RuntimeGRPC, grpcplugin.NewLoader(grpcplugin.WithCallTimeout(cfg.Plugins.CallTimeout)))
	loader.Handle(plugin.RuntimeREST, restplugin.NewLoader(nil))

	kv := hostapi.NewKVStore()
	mgr, err := manager.New(reg, perms, loader, cfg.Plugins.Config,
		manager.WithAlerts(newAlerts(cfg.Alerting)),
		manager.WithRecorder(collector),
		manager.WithUninstallHook(kv.Drop),
		manager.WithBus(cfg.EventBus.Config, append(busOpts, eventbus.WithRecorder(collector))...),
	)
	if err != nil {
		return err
	}
	mgr.SetHosts(hostapi.NewStandard(perms, hostapi.NewNoteService(mgr.Bus()), kv, mgr.Bus()))

	artifacts, err := artifact.Open(ctx, cfg.Artifacts)
	if err != nil {
		return err
	}
	submissions := submission.NewService(stores.submissions, artifacts,
		submission.WithValidator(submission.Validator{
			HostVersion:        cfg.Submissions.HostVersion,
			MaxArtifactSize:    cfg.Artifacts.MaxSizeMB << 20,
			DeniedCapabilities: cfg.Submissions.DeniedCapabilities,
		}),
		submission.WithPublisher(newPublisher(cfg.Submissions.AutoInstall, mgr, artifacts)),
		submission.WithRecorder(collector),
	)

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}
	if authSvc.Mode() == auth.ModeDisabled {
		log.Warn("管理接口未启用身份认证")
	}

	if err := mgr.Reconcile(ctx); err != nil {
		log.Error("恢复插件状态时出现错误", slog.Any("error", err))
	}
	installPluginDir(ctx, mgr, cfg.Plugins.Dir, log)
	applyOverrides(ctx, mgr, cfg.Plugins.Overrides, nil, log)
	mgr.StartHealthMonitor(ctx)

	if cfg.Plugins.WatchConfig {
		current := cfg.Plugins.Overrides
		watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
			applyOverrides(ctx, mgr, next.Plugins.Overrides, current, log)
			current = next.Plugins.Overrides
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	server := api.NewServer(cfg.Server.Address, cfg.Server.ShutdownTimeout, api.Dependencies{
		Manager:        mgr,
		Submissions:    submissions,
		Auth:           authSvc,
		Metrics:        collector,
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
	})
	log.Info("ExtensionHub 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("storage", string(cfg.Storage.Driver)),
		slog.String("artifacts", string(artifacts.Driver())),
		slog.String("bridge", cfg.EventBus.Bridge.Driver),
		slog.String("node", mgr.Bus().NodeID()))
	serveErr := server.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+10*time.Second)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Error("停止插件失败", slog.Any("error", err))
	}
	log.Info("ExtensionHub 已退出")
	return serveErr
}
