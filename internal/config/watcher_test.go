package config_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/elevated/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
providers:
  live:
    name: gemini-live
    api_key: test-key
voice:
  voice: Zephyr
`

const watcherUpdatedYAML = `
server:
  log_level: debug
providers:
  live:
    name: gemini-live
    api_key: test-key
voice:
  voice: Kore
`

const watcherRestartYAML = `
server:
  listen_addr: ":9090"
  log_level: info
providers:
  live:
    name: gemini-live
    api_key: test-key
voice:
  voice: Zephyr
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

type reload struct{ old, new *config.Config }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// startWatcher writes content to a temp config file and watches it. Applied
// reloads are delivered on the returned channel.
func startWatcher(t *testing.T, content string, interval time.Duration) (*config.Watcher, string, <-chan reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)

	reloads := make(chan reload, 4)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		reloads <- reload{old, new}
	}, config.WithInterval(interval), config.WithWatcherLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path, reloads
}

func awaitReload(t *testing.T, reloads <-chan reload) reload {
	t.Helper()
	select {
	case r := <-reloads:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reload applied within 2s")
		return reload{}
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	w, _, _ := startWatcher(t, watcherValidYAML, time.Hour)
	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo || cfg.Voice.Voice != "Zephyr" {
		t.Errorf("Current() = %+v", cfg.Server)
	}
	if cfg.Voice.BlockSize != config.DefaultBlockSize {
		t.Errorf("defaults not applied: block_size = %d", cfg.Voice.BlockSize)
	}
	if g := w.Generation(); g != 0 {
		t.Errorf("Generation() = %d, want 0", g)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	invalid := filepath.Join(dir, "invalid.yaml")
	writeFile(t, invalid, watcherInvalidYAML)

	for name, path := range map[string]string{
		"missing": filepath.Join(dir, "missing.yaml"),
		"invalid": invalid,
	} {
		if _, err := config.NewWatcher(path, nil); err == nil {
			t.Errorf("%s: NewWatcher() returned nil error", name)
		}
	}
}

func TestWatcher_ReloadAppliesChange(t *testing.T) {
	t.Parallel()

	w, path, reloads := startWatcher(t, watcherValidYAML, time.Hour)
	writeFile(t, path, watcherUpdatedYAML)
	w.Reload()

	r := awaitReload(t, reloads)
	if r.old.Server.LogLevel != config.LogInfo || r.new.Server.LogLevel != config.LogDebug {
		t.Errorf("log level %q -> %q, want info -> debug", r.old.Server.LogLevel, r.new.Server.LogLevel)
	}
	if d := config.Diff(r.old, r.new); !d.LogLevelChanged || !d.VoiceChanged || len(d.RestartRequired) != 0 {
		t.Errorf("Diff() = %+v, want log level and voice changes only", d)
	}
	if w.Current() != r.new {
		t.Error("Current() is not the applied config")
	}
	if g := w.Generation(); g != 1 {
		t.Errorf("Generation() = %d, want 1", g)
	}
}

func TestWatcher_PollsForChange(t *testing.T) {
	t.Parallel()

	_, path, reloads := startWatcher(t, watcherValidYAML, 20*time.Millisecond)
	writeFile(t, path, watcherRestartYAML)
	// Some filesystems have coarse mtimes; make the change visible.
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	r := awaitReload(t, reloads)
	d := config.Diff(r.old, r.new)
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "server.listen_addr" {
		t.Errorf("RestartRequired = %v, want [server.listen_addr]", d.RestartRequired)
	}
}

func TestWatcher_InvalidEditKeepsCurrent(t *testing.T) {
	t.Parallel()

	w, path, reloads := startWatcher(t, watcherValidYAML, time.Hour)
	initial := w.Current()

	writeFile(t, path, watcherInvalidYAML)
	w.Reload()
	writeFile(t, path, watcherUpdatedYAML)
	w.Reload()

	// The first applied reload starts from the initial config, so the
	// invalid version in between was never current.
	r := awaitReload(t, reloads)
	if r.old != initial {
		t.Error("old config is not the initial config")
	}
	if r.new.Voice.Voice != "Kore" {
		t.Errorf("new voice = %q, want Kore", r.new.Voice.Voice)
	}
}

func TestWatcher_SameContentIsNotApplied(t *testing.T) {
	t.Parallel()

	w, path, reloads := startWatcher(t, watcherValidYAML, time.Hour)

	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	w.Reload()
	writeFile(t, path, watcherUpdatedYAML)
	w.Reload()

	awaitReload(t, reloads)
	if g := w.Generation(); g != 1 {
		t.Errorf("Generation() = %d, want 1 (touch must not count)", g)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	w, _, _ := startWatcher(t, watcherValidYAML, 10*time.Millisecond)
	w.Stop()
	w.Stop()
	w.Reload()
}
