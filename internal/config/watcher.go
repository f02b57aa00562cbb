package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// ReloadFunc receives the previous and the newly loaded configuration.
type ReloadFunc func(old, new *Config)

// fileState identifies one version of the config file on disk.
type fileState struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// unchanged reports whether fi still describes the file s was read from.
func (s fileState) unchanged(fi os.FileInfo) bool {
	return fi.ModTime().Equal(s.mtime) && fi.Size() == s.size
}

// Watcher keeps the running server in step with its config file. It polls the
// file and reloads on demand (SIGHUP in cmd/elevated). A new version is
// applied only when it parses and validates; an invalid edit is logged and
// the last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	apply    ReloadFunc
	log      *slog.Logger

	reload  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	stop    sync.Once

	mu         sync.Mutex
	current    *Config
	state      fileState
	generation int
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for reload diagnostics.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts watching it. apply may be nil.
func NewWatcher(path string, apply ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		apply:    apply,
		log:      slog.Default(),
		reload:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.state = cfg, st

	go w.loop()
	return w, nil
}

// Current returns the config most recently applied.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Generation counts applied reloads. The initial load is generation 0.
func (w *Watcher) Generation() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generation
}

// Reload asks the watcher to re-read the file now, even if its modification
// time looks unchanged. It does not block.
func (w *Watcher) Reload() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

// Stop ends watching and waits for an in-flight reload to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stop.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check(false)
		case <-w.reload:
			w.check(true)
		}
	}
}

// check applies the file if its content changed. Unless forced, a file whose
// mtime and size match the last read is not opened at all.
func (w *Watcher) check(force bool) {
	if !force {
		fi, err := os.Stat(w.path)
		if err != nil {
			w.log.Warn("config: stat failed", "path", w.path, "err", err)
			return
		}
		w.mu.Lock()
		same := w.state.unchanged(fi)
		w.mu.Unlock()
		if same {
			return
		}
	}

	cfg, st, err := w.read()
	if err != nil {
		w.log.Warn("config: reload rejected, keeping current config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if st.sum == w.state.sum {
		w.state = st
		w.mu.Unlock()
		if force {
			w.log.Info("config: reload requested, file unchanged", "path", w.path)
		}
		return
	}
	old := w.current
	w.current, w.state = cfg, st
	w.generation++
	gen := w.generation
	w.mu.Unlock()

	d := Diff(old, cfg)
	w.log.Info("config: reloaded",
		"path", w.path,
		"generation", gen,
		"log_level_changed", d.LogLevelChanged,
		"voice_changed", d.VoiceChanged,
	)
	if len(d.RestartRequired) > 0 {
		w.log.Warn("config: restart required to apply", "fields", d.RestartRequired)
	}

	if w.apply != nil {
		w.apply(old, cfg)
	}
}

// read parses and validates the file and records the state it was read at.
func (w *Watcher) read() (*Config, fileState, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fileState{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{
		mtime: fi.ModTime(),
		size:  fi.Size(),
		sum:   sha256.Sum256(buf.Bytes()),
	}, nil
}
