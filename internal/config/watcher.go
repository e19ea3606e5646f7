package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent is emitted when the watched config file changes on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches the config file for changes, so a long-running fabricd
// can pick up new worker counts or cron entries without a restart. It
// watches the file's directory rather than the file itself, so the
// rename-and-replace saves most editors do still fire.
type Watcher struct {
	path   string
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:   path,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

// Events returns the channel reload events are delivered on. It is
// closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent { return w.events }

// Start begins watching in a background goroutine that exits when ctx
// is canceled. Events for files other than the configured path are
// dropped; a full events channel drops the event rather than blocking
// the watch loop (a reload is idempotent, the next write fires again).
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
