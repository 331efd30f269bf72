// Package watch triggers a callback when a file on disk changes.
package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher observes one file and invokes a callback after changes settle.
// The parent directory is watched rather than the file itself so that
// atomic replace-by-rename, the way most editors and config writers save,
// is still observed.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func()
	logger   *log.Logger
}

// New builds a watcher for path. onChange runs on the watcher goroutine,
// so it must not block for long.
func New(path string, onChange func()) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("watch: onChange callback is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch: resolving %s: %w", path, err)
	}
	return &Watcher{
		path:     abs,
		debounce: defaultDebounce,
		onChange: onChange,
		logger:   log.New(os.Stderr, "[watch] ", log.LstdFlags),
	}, nil
}

// SetDebounce overrides the settle window. Intended for tests.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// SetLogger replaces the default logger.
func (w *Watcher) SetLogger(logger *log.Logger) {
	if logger != nil {
		w.logger = logger
	}
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch: adding %s: %w", dir, err)
	}

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-fire:
			timer = nil
			fire = nil
			// A remove with no replacement means the file is gone;
			// skip the callback until it reappears.
			if _, err := os.Stat(w.path); err != nil {
				w.logger.Printf("%s unavailable, skipping reload: %v", w.path, err)
				continue
			}
			w.onChange()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("watch error: %v", err)
		}
	}
}
