package resources

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const refreshDebounce = 500 * time.Millisecond

// Watcher re-probes the registry when files in the model or runtime
// directories change, so a model copied in by hand becomes available without
// a restart.
type Watcher struct {
	reg  *Registry
	dirs []string
	log  zerolog.Logger

	watcher *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher over dirs. Missing directories are created.
func NewWatcher(reg *Registry, log zerolog.Logger, dirs ...string) *Watcher {
	return &Watcher{reg: reg, dirs: dirs, log: log}
}

// Start begins watching until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw

	for _, d := range w.dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			w.log.Warn().Err(err).Str("path", d).Msg("failed to create watched directory")
			continue
		}
		if err := fw.Add(d); err != nil {
			w.log.Warn().Err(err).Str("path", d).Msg("failed to watch directory")
		}
	}
	w.log.Info().Strs("dirs", w.dirs).Msg("resource watcher started")

	go w.loop(ctx)
	return nil
}

// Stop closes the underlying watcher.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleRefresh()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleRefresh coalesces bursts of events (a download writing chunks)
// into one Refresh.
func (w *Watcher) scheduleRefresh() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Reset(refreshDebounce)
		return
	}
	w.timer = time.AfterFunc(refreshDebounce, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()
		w.reg.Refresh()
	})
}
