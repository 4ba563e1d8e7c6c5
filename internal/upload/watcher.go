package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before staged files are indexed.
const DefaultDebounce = 500 * time.Millisecond

// Indexer indexes local files.
type Indexer interface {
	IndexFiles(ctx context.Context, paths []string, meta map[string]string) (int, error)
}

// Options configures a Watcher.
type Options struct {
	// Debounce is the quiet period before a batch is indexed.
	Debounce time.Duration
	// IndexExisting indexes files already in the directory on start.
	IndexExisting bool
	// Meta is attached to every indexed document.
	Meta map[string]string
	// OnBatch, when set, is called after each batch with its outcome.
	OnBatch func(paths []string, documents int, err error)
}

// Watcher indexes files as they are staged into a directory.
type Watcher struct {
	dir     string
	indexer Indexer
	opts    Options
}

// NewWatcher creates a watcher for dir. It does not touch the file system
// until Run.
func NewWatcher(dir string, indexer Indexer, opts Options) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("watch directory must not be empty")
	}
	if indexer == nil {
		return nil, fmt.Errorf("watcher requires an indexer")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Watcher{dir: dir, indexer: indexer, opts: opts}, nil
}

// Run watches the directory until ctx ends. Indexing failures are logged
// and reported through OnBatch; they do not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	deb := newDebouncer(w.opts.Debounce)
	defer deb.stop()

	if w.opts.IndexExisting {
		if err := w.addExisting(deb); err != nil {
			return err
		}
	}

	slog.Info("upload_watch_started",
		slog.String("dir", w.dir),
		slog.Duration("debounce", w.opts.Debounce))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(deb, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("upload_watch_error", slog.String("error", err.Error()))
		case batch, ok := <-deb.batches():
			if !ok {
				return nil
			}
			w.indexBatch(ctx, batch)
		}
	}
}

func (w *Watcher) addExisting(deb *debouncer) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() && indexable(e.Name()) {
			deb.add(filepath.Join(w.dir, e.Name()))
		}
	}
	return nil
}

func (w *Watcher) handleEvent(deb *debouncer, event fsnotify.Event) {
	if !indexable(event.Name) {
		return
	}
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		info, err := os.Stat(event.Name)
		if err != nil || !info.Mode().IsRegular() {
			return
		}
		deb.add(event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		deb.remove(event.Name)
	}
}

func (w *Watcher) indexBatch(ctx context.Context, batch []string) {
	start := time.Now()
	n, err := w.indexer.IndexFiles(ctx, batch, w.opts.Meta)
	if err != nil {
		slog.Error("upload_index_failed",
			slog.Int("files", len(batch)),
			slog.String("error", err.Error()))
	} else {
		slog.Info("upload_indexed",
			slog.Int("files", len(batch)),
			slog.Int("documents", n),
			slog.Duration("duration", time.Since(start)))
	}
	if w.opts.OnBatch != nil {
		w.opts.OnBatch(batch, n, err)
	}
}
