package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadFunc receives the freshly loaded config after a file change.
// Only hot-reloadable groups should be applied from it: the model
// alias table and the approval lists. Engine constants are load-time.
type ReloadFunc func(cfg *Config)

// Watcher hot-reloads configuration when config.yaml, stepline.yaml or
// models.yaml change on disk.
type Watcher struct {
	globalDir string
	localDir  string
	watcher   *fsnotify.Watcher
	logger    *zap.Logger

	mu        sync.Mutex
	callbacks []ReloadFunc

	// debounce coalesces editor write bursts into one reload
	debounce time.Duration
}

func NewWatcher(globalDir, localDir string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		globalDir: globalDir,
		localDir:  localDir,
		watcher:   fw,
		logger:    logger,
		debounce:  200 * time.Millisecond,
	}, nil
}

// OnReload registers a callback run after each successful reload.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start watches both config directories until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	for _, dir := range []string{w.globalDir, w.localDir} {
		if dir == "" {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Warn("Cannot watch config dir",
				zap.String("dir", dir),
				zap.Error(err),
			)
		}
	}

	go w.loop(ctx)

	w.logger.Info("Config hot-reload watching started",
		zap.String("global", w.globalDir),
		zap.String("local", w.localDir),
	)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	switch filepath.Base(event.Name) {
	case "config.yaml", "stepline.yaml", "models.yaml":
		return true
	}
	return false
}

func (w *Watcher) reload() {
	cfg, err := LoadFrom(w.globalDir, w.localDir)
	if err != nil {
		// Bad edits keep the previous config active.
		w.logger.Error("Config reload failed, keeping previous config", zap.Error(err))
		return
	}

	w.mu.Lock()
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}

	w.logger.Info("Config reloaded",
		zap.Int("aliases", len(cfg.LLM.Aliases)),
		zap.String("approval_mode", cfg.Approval.Mode),
	)
}
