// internal/config/watcher.go - Hot reload of the configuration files
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const DefaultDebounce = 500 * time.Millisecond

// Watcher reports changes to the main config file, the include directory
// and the extern file.
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	files    map[string]bool
	dirs     map[string]bool
}

// NewWatcher watches the files cfg was loaded from. Directories are watched
// rather than files so editors that replace files by rename are noticed.
func NewWatcher(cfg *Config, debounce time.Duration) (*Watcher, error) {
	if cfg.Path() == "" {
		return nil, fmt.Errorf("config has no path to watch")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		watcher:  fw,
		debounce: debounce,
		files:    make(map[string]bool),
		dirs:     make(map[string]bool),
	}

	w.files[filepath.Clean(cfg.Path())] = true
	if cfg.Extern != "" {
		w.files[filepath.Clean(cfg.Extern)] = true
	}
	watchDirs := make(map[string]bool)
	for file := range w.files {
		watchDirs[filepath.Dir(file)] = true
	}
	if dir := cfg.IncludeDir(); dir != "" {
		dir = filepath.Clean(dir)
		w.dirs[dir] = true
		watchDirs[dir] = true
	}

	for dir := range watchDirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
	}

	return w, nil
}

// Run calls onChange once per burst of relevant events until ctx is done.
func (w *Watcher) Run(ctx context.Context, onChange func()) {
	var timer *time.Timer
	var timerCh <-chan time.Time

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"file": event.Name,
				"op":   event.Op.String(),
			}).Debug("Configuration file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerCh = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("Configuration watcher error")

		case <-timerCh:
			timerCh = nil
			onChange()
		}
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	return w.files[name] || w.dirs[filepath.Dir(name)]
}
