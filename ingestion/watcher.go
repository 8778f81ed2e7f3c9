package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileIndexer is the part of Ingestor the watcher drives.
type FileIndexer interface {
	IngestFile(ctx context.Context, root, path string) (bool, error)
	RemoveFile(ctx context.Context, root, path string) error
}

// Watcher re-indexes supporting documents as they change on disk. Bursts of
// events for one file are collapsed into a single update after the debounce
// delay.
type Watcher struct {
	indexer  FileIndexer
	root     string
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

func NewWatcher(indexer FileIndexer, root string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	watcher := &Watcher{indexer: indexer, root: root, debounce: debounce, logger: logger, watcher: w}
	if err := watcher.addTree(root); err != nil {
		w.Close()
		return nil, err
	}
	return watcher, nil
}

// fsnotify does not recurse, so every directory is added on its own.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// Run processes events until ctx ends. It closes the watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	ready := make(chan string, 64)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	w.logger.Info("watching documents", "root", w.root, "debounce", w.debounce)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event, timers, ready)

		case path := <-ready:
			delete(timers, path)
			w.sync(ctx, path)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event, timers map[string]*time.Timer, ready chan<- string) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("cannot watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}
	if DetectFormat(event.Name) == FormatUnknown {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	path := event.Name
	if t, ok := timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	timers[path] = time.AfterFunc(w.debounce, func() {
		select {
		case ready <- path:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) sync(ctx context.Context, path string) {
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := w.indexer.RemoveFile(ctx, w.root, path); err != nil {
			w.logger.Warn("removing document failed", "path", path, "error", err)
		}
	case err != nil:
		w.logger.Warn("cannot stat document", "path", path, "error", err)
	default:
		changed, err := w.indexer.IngestFile(ctx, w.root, path)
		if err != nil {
			w.logger.Warn("re-indexing document failed", "path", path, "error", err)
			return
		}
		w.logger.Debug("document event handled", "path", path, "changed", changed)
	}
}

var _ FileIndexer = (*Ingestor)(nil)
