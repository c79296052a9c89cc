package daemon

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/revgate/revgate/internal/config"
	"github.com/revgate/revgate/internal/scheduler"
)

// ConfigGetter provides access to the current config; StaticConfig and
// ConfigWatcher both implement it.
type ConfigGetter interface {
	Config() *config.Config
}

// StaticConfig is a non-reloading ConfigGetter, for tests.
type StaticConfig struct{ cfg *config.Config }

// NewStaticConfig wraps a fixed config.
func NewStaticConfig(cfg *config.Config) *StaticConfig { return &StaticConfig{cfg: cfg} }

// Config returns the wrapped config, unchanged.
func (sc *StaticConfig) Config() *config.Config { return sc.cfg }

// ConfigWatcher watches the TOML config file for changes and reloads
// it in the background.
//
// Each successful reload replaces the *config.Config that Config
// returns with a newly loaded one, logs the changed fields, broadcasts
// a config.reloaded event and records it in the activity log. The
// Config the daemon was started with is not modified: the worker pool,
// poller, webhook handler and HTTP listener keep the values they were
// built with, so no setting takes effect until the daemon restarts.
//
// Not restart-safe: once Stop is called, Start returns an error.
type ConfigWatcher struct {
	configPath  string
	cfg         *config.Config
	cfgMu       sync.RWMutex
	broadcaster Broadcaster
	activityLog *ActivityLog
	watcher     *fsnotify.Watcher
	stopCh      chan struct{}
	stopOnce    sync.Once
	stopped     bool

	lastReloadedAt time.Time
	reloadCounter  uint64
}

// NewConfigWatcher creates a watcher for configPath, seeded with cfg.
func NewConfigWatcher(configPath string, cfg *config.Config, broadcaster Broadcaster, activityLog *ActivityLog) *ConfigWatcher {
	return &ConfigWatcher{
		configPath:  configPath,
		cfg:         cfg,
		broadcaster: broadcaster,
		activityLog: activityLog,
		stopCh:      make(chan struct{}),
	}
}

// Start begins watching the config file's directory for changes.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.cfgMu.RLock()
	stopped := cw.stopped
	cw.cfgMu.RUnlock()
	if stopped {
		return fmt.Errorf("config watcher already stopped; create a new instance to restart")
	}

	if cw.configPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	cw.watcher = watcher

	configDir := filepath.Dir(cw.configPath)
	configFile := filepath.Base(cw.configPath)

	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		cw.watcher = nil
		return err
	}

	go cw.watchLoop(ctx, configFile)
	return nil
}

// Stop stops the watcher. Safe to call multiple times.
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		cw.cfgMu.Lock()
		cw.stopped = true
		cw.cfgMu.Unlock()
		close(cw.stopCh)
		if cw.watcher != nil {
			cw.watcher.Close()
		}
	})
}

// Config returns the current config.
func (cw *ConfigWatcher) Config() *config.Config {
	cw.cfgMu.RLock()
	defer cw.cfgMu.RUnlock()
	return cw.cfg
}

// LastReloadedAt returns the time of the last successful reload.
func (cw *ConfigWatcher) LastReloadedAt() time.Time {
	cw.cfgMu.RLock()
	defer cw.cfgMu.RUnlock()
	return cw.lastReloadedAt
}

// ReloadCounter returns a monotonic count of successful reloads, for
// detecting reloads that land within the same second.
func (cw *ConfigWatcher) ReloadCounter() uint64 {
	cw.cfgMu.RLock()
	defer cw.cfgMu.RUnlock()
	return cw.reloadCounter
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context, configFile string) {
	var debounceTimer *time.Timer
	const debounceDelay = 200 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopCh:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, cw.reloadConfig)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config watcher: %v", err)
		}
	}
}

func (cw *ConfigWatcher) reloadConfig() {
	newCfg, err := config.Load(cw.configPath)
	if err != nil {
		log.Printf("config watcher: reload failed: %v", err)
		return
	}

	cw.cfgMu.Lock()
	oldCfg := cw.cfg
	cw.cfg = newCfg
	cw.lastReloadedAt = time.Now()
	cw.reloadCounter++
	cw.cfgMu.Unlock()

	logConfigChanges(oldCfg, newCfg)

	if cw.broadcaster != nil {
		cw.broadcaster.Broadcast(scheduler.Event{Type: "config.reloaded", TS: time.Now()})
	}
	if cw.activityLog != nil {
		cw.activityLog.Log("config.reloaded", "config", "config reloaded", map[string]string{"path": cw.configPath})
	}
	log.Printf("config watcher: reloaded %s", cw.configPath)
}

func logConfigChanges(old, new *config.Config) {
	if old.InferenceAPIBase != new.InferenceAPIBase {
		log.Printf("config change: inference_api_base %q -> %q", old.InferenceAPIBase, new.InferenceAPIBase)
	}
	if old.InferenceModel != new.InferenceModel {
		log.Printf("config change: inference_model %q -> %q", old.InferenceModel, new.InferenceModel)
	}
	if old.BatchTimeoutSeconds != new.BatchTimeoutSeconds {
		log.Printf("config change: batch_timeout_seconds %d -> %d", old.BatchTimeoutSeconds, new.BatchTimeoutSeconds)
	}
	if old.MaxTokensPerBatch != new.MaxTokensPerBatch {
		log.Printf("config change: max_tokens_per_batch %d -> %d", old.MaxTokensPerBatch, new.MaxTokensPerBatch)
	}
	if old.PollIntervalSeconds != new.PollIntervalSeconds {
		log.Printf("config change: poll_interval_seconds %d -> %d", old.PollIntervalSeconds, new.PollIntervalSeconds)
	}
	if len(old.Repos) != len(new.Repos) {
		log.Printf("config change: repos %d -> %d configured", len(old.Repos), len(new.Repos))
	}
	if old.Workers != new.Workers {
		log.Printf("config change: workers %d -> %d (requires daemon restart to take effect)", old.Workers, new.Workers)
	}
	if old.BindAddr != new.BindAddr {
		log.Printf("config change: bind_addr %q -> %q (requires daemon restart to take effect)", old.BindAddr, new.BindAddr)
	}
}
