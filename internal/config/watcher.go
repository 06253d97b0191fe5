package config

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ExtensionHub/pkg/logger"
)

// UpdateHandler 在配置文件内容变化且解析成功后被调用。
type UpdateHandler func(*Config)

// Watcher 监听配置文件所在目录，文件内容变化时重新加载。
type Watcher struct {
	path     string
	handler  UpdateHandler
	debounce time.Duration
	log      *slog.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	digest  [sha256.Size]byte
	started bool
	done    chan struct{}
}

// NewWatcher 创建监听器。监听目录而不是文件本身，以兼容编辑器的原子替换。
func NewWatcher(path string, handler UpdateHandler) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		handler:  handler,
		debounce: 200 * time.Millisecond,
		log:      logger.Named("config"),
		watcher:  fsWatcher,
		done:     make(chan struct{}),
	}
	if raw, err := os.ReadFile(w.path); err == nil {
		w.digest = sha256.Sum256(raw)
	}
	return w, nil
}

// Start 开始监听，直到 ctx 结束或调用 Stop。
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.log.Info("开始监听配置文件", slog.String("path", w.path))
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.loop(ctx)
	return nil
}

// Stop 关闭底层 fsnotify 监听器并等待循环退出。
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("配置监听出错", slog.Any("error", err))
		}
	}
}

func (w *Watcher) reload() {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("读取配置文件失败", slog.String("path", w.path), slog.Any("error", err))
		return
	}
	digest := sha256.Sum256(raw)
	w.mu.Lock()
	unchanged := digest == w.digest
	w.digest = digest
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("热加载配置失败，继续使用旧配置", slog.Any("error", err))
		return
	}
	w.log.Info("检测到配置变化，已重新加载", slog.String("path", w.path))
	if w.handler != nil {
		w.handler(cfg)
	}
}

// DiffOverrides 返回在 next 中新增或取值变化的插件覆盖项，以及在 next 中被删除的插件名。
func DiffOverrides(prev, next map[string]map[string]any) (changed map[string]map[string]any, removed []string) {
	changed = make(map[string]map[string]any)
	for name, cfg := range next {
		if old, ok := prev[name]; !ok || !reflect.DeepEqual(old, cfg) {
			changed[name] = maps.Clone(cfg)
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
		}
	}
	return changed, removed
}
