package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/revgate/revgate/internal/config"
	"github.com/revgate/revgate/internal/scheduler"
)

type configWatcherHarness struct {
	Watcher    *ConfigWatcher
	ConfigPath string
	EventCh    <-chan scheduler.Event
	dir        string
}

const (
	eventConfigReloaded = "config.reloaded"
	reloadTimeout       = 2 * time.Second
)

func newConfigWatcherHarness(t *testing.T, initialConfig string) *configWatcherHarness {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeTestFile(t, path, initialConfig)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	bc := NewBroadcaster()
	_, ch := bc.Subscribe("")
	cw := NewConfigWatcher(path, cfg, bc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := cw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(cw.Stop)

	return &configWatcherHarness{Watcher: cw, ConfigPath: path, EventCh: ch, dir: dir}
}

func (h *configWatcherHarness) updateConfig(t *testing.T, content string) {
	t.Helper()
	writeTestFile(t, h.ConfigPath, content)
}

func (h *configWatcherHarness) updateConfigAndWait(t *testing.T, content string) {
	t.Helper()
	h.updateConfig(t, content)
	h.waitForReload(t)
}

func (h *configWatcherHarness) waitForReload(t *testing.T) {
	t.Helper()
	timeout := time.After(reloadTimeout)
	for {
		select {
		case event := <-h.EventCh:
			if event.Type == eventConfigReloaded {
				return
			}
		case <-timeout:
			t.Fatal("timeout waiting for config.reloaded event")
		}
	}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", filepath.Base(path), err)
	}
}

func TestStaticConfig(t *testing.T) {
	cfg := &config.Config{AssistantCommand: "aider", Workers: 5}
	sc := NewStaticConfig(cfg)

	if sc.Config() != cfg {
		t.Error("StaticConfig.Config() should return the same config object")
	}
	for range 3 {
		if sc.Config().AssistantCommand != "aider" {
			t.Errorf("AssistantCommand = %q, want aider", sc.Config().AssistantCommand)
		}
	}
}

func TestNewConfigWatcher(t *testing.T) {
	cfg := &config.Config{AssistantCommand: "aider", Workers: 3}
	broadcaster := NewBroadcaster()

	cw := NewConfigWatcher("/path/to/config.toml", cfg, broadcaster, nil)

	if cw.Config() != cfg {
		t.Error("NewConfigWatcher should store the initial config")
	}
	if cw.configPath != "/path/to/config.toml" {
		t.Errorf("configPath = %q, want /path/to/config.toml", cw.configPath)
	}
	if !cw.LastReloadedAt().IsZero() {
		t.Error("LastReloadedAt should be zero initially")
	}
}

func TestConfigWatcherNoConfigPath(t *testing.T) {
	cfg := &config.Config{AssistantCommand: "test"}
	broadcaster := NewBroadcaster()

	cw := NewConfigWatcher("", cfg, broadcaster, nil)
	if err := cw.Start(context.Background()); err != nil {
		t.Errorf("Start with empty configPath should not error, got: %v", err)
	}
	cw.Stop()
}

func TestConfigWatcherReloads(t *testing.T) {
	h := newConfigWatcherHarness(t, "assistant_command = \"aider\"\nworkers = 2\n")

	if !h.Watcher.LastReloadedAt().IsZero() {
		t.Errorf("LastReloadedAt should be zero initially, got %v", h.Watcher.LastReloadedAt())
	}

	h.updateConfigAndWait(t, "assistant_command = \"claude\"\nworkers = 4\n")

	c := h.Watcher.Config()
	if c.AssistantCommand != "claude" {
		t.Errorf("AssistantCommand = %q, want claude", c.AssistantCommand)
	}
	if c.Workers != 4 {
		t.Errorf("Workers = %d, want 4", c.Workers)
	}
	if h.Watcher.LastReloadedAt().IsZero() {
		t.Error("LastReloadedAt should not be zero after reload")
	}
	if time.Since(h.Watcher.LastReloadedAt()) > 5*time.Second {
		t.Errorf("LastReloadedAt should be recent, got %v", h.Watcher.LastReloadedAt())
	}
}

func TestConfigWatcherHotReloadableFields(t *testing.T) {
	h := newConfigWatcherHarness(t, "poll_interval_seconds = 60\nbatch_timeout_seconds = 1800\n")

	h.updateConfigAndWait(t, "poll_interval_seconds = 15\nbatch_timeout_seconds = 600\n")

	c := h.Watcher.Config()
	if c.PollIntervalSeconds != 15 {
		t.Errorf("PollIntervalSeconds = %d, want 15", c.PollIntervalSeconds)
	}
	if c.BatchTimeoutSeconds != 600 {
		t.Errorf("BatchTimeoutSeconds = %d, want 600", c.BatchTimeoutSeconds)
	}
}

func TestConfigWatcherInvalidConfigDoesNotCrash(t *testing.T) {
	h := newConfigWatcherHarness(t, "assistant_command = \"aider\"\n")

	h.updateConfig(t, "this is not valid toml [[[\n")
	time.Sleep(500 * time.Millisecond)

	if h.Watcher.Config().AssistantCommand != "aider" {
		t.Errorf("config should not change on invalid TOML, got %q", h.Watcher.Config().AssistantCommand)
	}

	h.updateConfigAndWait(t, "assistant_command = \"fixed\"\n")
	if h.Watcher.Config().AssistantCommand != "fixed" {
		t.Errorf("after fix, AssistantCommand = %q, want fixed", h.Watcher.Config().AssistantCommand)
	}
}

func TestConfigGetterInterface(t *testing.T) {
	var _ ConfigGetter = (*StaticConfig)(nil)
	var _ ConfigGetter = (*ConfigWatcher)(nil)
}

func TestConfigWatcherDoubleStopSafe(t *testing.T) {
	cfg := &config.Config{AssistantCommand: "test"}
	cw := NewConfigWatcher("", cfg, NewBroadcaster(), nil)
	cw.Stop()
	cw.Stop()
	cw.Stop()
}

func TestConfigWatcherStartAfterStopErrors(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	writeTestFile(t, configPath, "assistant_command = \"test\"\n")

	cfg, _ := config.Load(configPath)
	cw := NewConfigWatcher(configPath, cfg, NewBroadcaster(), nil)

	ctx := context.Background()
	if err := cw.Start(ctx); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	cw.Stop()

	if err := cw.Start(ctx); err == nil {
		t.Error("expected error when calling Start after Stop")
	}
}

func TestConfigWatcherReloadCounter(t *testing.T) {
	h := newConfigWatcherHarness(t, "assistant_command = \"v1\"\n")

	if h.Watcher.ReloadCounter() != 0 {
		t.Errorf("initial ReloadCounter = %d, want 0", h.Watcher.ReloadCounter())
	}

	h.updateConfigAndWait(t, "assistant_command = \"v2\"\n")
	if h.Watcher.ReloadCounter() != 1 {
		t.Errorf("after first reload, ReloadCounter = %d, want 1", h.Watcher.ReloadCounter())
	}

	h.updateConfigAndWait(t, "assistant_command = \"v3\"\n")
	if h.Watcher.ReloadCounter() != 2 {
		t.Errorf("after second reload, ReloadCounter = %d, want 2", h.Watcher.ReloadCounter())
	}
}

func TestConfigWatcherAtomicSaveViaRename(t *testing.T) {
	h := newConfigWatcherHarness(t, "assistant_command = \"original\"\n")

	tmpFile := filepath.Join(h.dir, "config.toml.tmp")
	writeTestFile(t, tmpFile, "assistant_command = \"atomic-saved\"\n")
	if err := os.Rename(tmpFile, h.ConfigPath); err != nil {
		t.Fatalf("rename: %v", err)
	}

	h.waitForReload(t)

	if h.Watcher.Config().AssistantCommand != "atomic-saved" {
		t.Errorf("after atomic save, AssistantCommand = %q, want atomic-saved", h.Watcher.Config().AssistantCommand)
	}
}
