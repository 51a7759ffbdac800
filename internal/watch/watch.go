// Package watch triggers a callback when files under a snapshot tree
// change, coalescing bursts of events into a single trigger.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for the tree to settle
// before triggering. Editors and dump writers touch many files in quick
// succession.
const DefaultDebounce = 500 * time.Millisecond

// Watcher observes a directory tree recursively.
type Watcher struct {
	Root     string
	Debounce time.Duration
	Logger   *slog.Logger
}

// New returns a watcher for the given tree root.
func New(root string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{Root: root, Debounce: DefaultDebounce, Logger: logger}
}

// Run watches the tree and calls fn after each settled burst of
// changes. Newly created directories are added to the watch. Run blocks
// until the context is canceled; fn errors are logged, not fatal.
func (w *Watcher) Run(ctx context.Context, fn func(context.Context) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addTree(watcher, w.Root); err != nil {
		return err
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ignored(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, event.Name); err != nil {
						w.Logger.Warn("cannot watch new directory", "dir", event.Name, "error", err)
					}
				}
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			w.Logger.Debug("change detected", "path", event.Name, "op", event.Op.String())
			if pending {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
			}
			timer.Reset(debounce)
			pending = true
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("watcher error", "error", err)
		case <-timer.C:
			pending = false
			if err := fn(ctx); err != nil {
				w.Logger.Error("trigger failed", "error", err)
			}
		}
	}
}

// ignored filters temp files and staging directories out of the event
// stream so a running publish does not retrigger the watcher.
func ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".staging-") || strings.HasSuffix(base, "~") || strings.HasPrefix(base, ".#")
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
