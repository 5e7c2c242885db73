// Package watch ingests files dropped into a local folder. Each file
// becomes an "upload" source record: content-addressed identity, file
// modification time as the version timestamp.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/canonhq/canon/internal/canonical"
	"github.com/canonhq/canon/internal/ingest"
)

// Watcher feeds dropped files into the ingestion engine.
type Watcher struct {
	engine      *ingest.Engine
	tenantID    string
	dir         string
	debounceDur time.Duration
	logf        func(format string, args ...any)
}

func NewWatcher(engine *ingest.Engine, tenantID, dir string, logf func(format string, args ...any)) *Watcher {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Watcher{
		engine:      engine,
		tenantID:    tenantID,
		dir:         dir,
		debounceDur: 2 * time.Second,
		logf:        logf,
	}
}

// Run ingests the folder's existing files, then watches for new or
// rewritten ones until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if w.dir == "" {
		return fmt.Errorf("watch directory is required")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.logf("Watching %s for uploads (debounce: %s)", w.dir, w.debounceDur)

	if err := w.scanExisting(ctx); err != nil {
		return err
	}

	timers := map[string]*time.Timer{}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			path := event.Name
			if strings.HasPrefix(filepath.Base(path), ".") {
				continue
			}
			// A file being copied in fires many writes; settle first.
			if t, ok := timers[path]; ok {
				t.Stop()
			}
			timers[path] = time.AfterFunc(w.debounceDur, func() {
				w.ingestFile(ctx, path)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logf("watch error: %v", err)
		}
	}
}

func (w *Watcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", w.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.ingestFile(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

func (w *Watcher) ingestFile(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		w.logf("read %s: %v", path, err)
		return
	}

	res, err := w.engine.Ingest(ctx, w.tenantID, "upload", canonical.RawRecord{
		ID:        filepath.Base(path),
		Content:   string(data),
		Timestamp: info.ModTime().Unix(),
	})
	if err != nil {
		w.logf("ingest %s: %v", path, err)
		return
	}
	if res.Written {
		w.logf("[%s] Ingested %s as %s (%s)",
			time.Now().Format("15:04:05"), filepath.Base(path), res.CanonicalID, res.Decision)
	}
}
