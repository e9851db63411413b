package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of filesystem events (editors and package
// managers touch many files per install) into one reload.
const watchDebounce = 500 * time.Millisecond

// Watcher observes the plugin root directory and invokes the reload callback
// when manifests appear, change, or disappear.
type Watcher struct {
	root   string
	logger *slog.Logger
	fw     *fsnotify.Watcher
	reload func(ctx context.Context)
}

// NewWatcher starts watching root and its immediate plugin subdirectories.
func NewWatcher(root string, logger *slog.Logger, reload func(ctx context.Context)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{root: root, logger: logger, fw: fw, reload: reload}
	if err := fw.Add(root); err != nil {
		fw.Close()
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		fw.Close()
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			// Best effort; a missing subdirectory watch only delays detection
			// until the next root-level event.
			_ = fw.Add(filepath.Join(root, e.Name()))
		}
	}
	return w, nil
}

// Run blocks processing events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.fw.Add(ev.Name)
				}
			}
			w.logger.Debug("plugin directory changed", "path", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plugin watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			w.logger.Info("reloading plugin catalog after filesystem change")
			w.reload(ctx)
		}
	}
}

// relevant filters events down to manifest files and directory membership
// changes under the watched root.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	base := filepath.Base(ev.Name)
	if base == ManifestFileName {
		return true
	}
	// Creation or removal of a plugin directory itself.
	return filepath.Dir(ev.Name) == filepath.Clean(w.root) &&
		ev.Op.Has(fsnotify.Create|fsnotify.Remove|fsnotify.Rename)
}
