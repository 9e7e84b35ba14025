package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Reloader watches a policy file and resyncs it into a store on change.
type Reloader struct {
	watcher *fsnotify.Watcher
	store   Store
	path    string
	logger  *slog.Logger

	// OnReload, if set, is called after every reload attempt.
	OnReload func(written int, err error)
}

// NewReloader watches the directory holding path, so editors that replace
// the file by rename are still seen.
func NewReloader(store Store, path string, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("policy: resolve %q: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	return &Reloader{watcher: watcher, store: store, path: abs, logger: logger}, nil
}

// Run watches for file changes and reloads policy. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() { r.reload(ctx) })
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func (r *Reloader) reload(ctx context.Context) {
	policies, err := LoadFile(r.path)
	written := 0
	if err == nil {
		written, err = Sync(ctx, r.store, policies)
	}
	if err != nil {
		r.logger.Error("policy hot-reload failed", "path", r.path, "error", err)
	} else {
		r.logger.Info("policy hot-reload", "path", r.path, "written", written)
	}
	if r.OnReload != nil {
		r.OnReload(written, err)
	}
}
