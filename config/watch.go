package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"order-bridge/infrastructure/logger"
)

// Watcher 监听配置文件变化，重新加载并通过回调下发。
// 监听所在目录而不是文件本身，编辑器以重命名方式保存时也能收到事件。
type Watcher struct {
	Path     string
	Cooldown time.Duration // 两次重载的最小间隔，避免一次保存触发多次
	Logger   *logger.Logger
}

// Start 阻塞监听直到 ctx 取消；只有校验通过的配置才会交给 onUpdate。
func (w Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	log := w.Logger
	if log == nil {
		log = logger.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	target, err := filepath.Abs(w.Path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	var lastReload time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if w.Cooldown > 0 && time.Since(lastReload) < w.Cooldown {
				continue
			}
			cfg, err := LoadWithEnvOverrides(w.Path)
			if err != nil {
				log.Warn("config reload rejected", zap.String("path", w.Path), zap.Error(err))
				continue
			}
			lastReload = time.Now()
			log.Info("config reloaded", zap.String("path", w.Path))
			if onUpdate != nil {
				onUpdate(cfg)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", zap.Error(err))
		}
	}
}

// ApplyLogLevel 热更新回调：仅日志级别可在运行时生效，其余字段需要重启。
func ApplyLogLevel(l *logger.Logger) func(AppConfig) {
	return func(cfg AppConfig) {
		if cfg.Log.Level == l.Level() {
			return
		}
		prev := l.Level()
		if err := l.SetLevel(cfg.Log.Level); err != nil {
			l.Warn("log level not applied", zap.String("level", cfg.Log.Level), zap.Error(err))
			return
		}
		l.Info("log level changed", zap.String("from", prev), zap.String("to", cfg.Log.Level))
	}
}
