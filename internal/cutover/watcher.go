package cutover

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/config"
)

// Watcher holds the current cutover snapshot and swaps it when settings
// change. Callers take Current() once per run and pass it down.
type Watcher struct {
	current atomic.Pointer[Config]
	reloads atomic.Int64
}

// NewWatcher seeds a watcher with an initial snapshot.
func NewWatcher(initial *Config) *Watcher {
	w := &Watcher{}
	if initial == nil {
		initial = NewConfig(nil, nil)
	}
	w.current.Store(initial)
	return w
}

// Current returns the active snapshot.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Reloads returns how many snapshots have been swapped in since start.
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

// Reload validates settings and swaps them in. On error the previous
// snapshot stays active.
func (w *Watcher) Reload(s config.CutoverConfig) error {
	next, err := FromSettings(s)
	if err != nil {
		return err
	}
	for _, c := range next.Conflicts() {
		zap.L().Warn("cutover: conflicting override", zap.String("conflict", c.String()))
	}
	w.current.Store(next)
	w.reloads.Add(1)
	zap.L().Info("cutover: config reloaded", zap.Any("global", next.Global()))
	return nil
}

// Watch re-reads the cutover section whenever v's config file is written
// or recreated.
func (w *Watcher) Watch(v *viper.Viper) {
	v.OnConfigChange(w.onConfigChange(v))
	v.WatchConfig()
}

func (w *Watcher) onConfigChange(v *viper.Viper) func(fsnotify.Event) {
	return func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write | fsnotify.Create) {
			return
		}
		if err := v.ReadInConfig(); err != nil {
			zap.L().Error("cutover: reread failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		cfg, err := config.Unmarshal(v)
		if err != nil {
			zap.L().Error("cutover: reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := w.Reload(cfg.Cutover); err != nil {
			zap.L().Error("cutover: reload rejected", zap.String("file", e.Name), zap.Error(err))
		}
	}
}
