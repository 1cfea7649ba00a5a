// Package capture feeds captured media slices into the recorder.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
)

// DefaultPattern matches the slice files the capture process drops.
const DefaultPattern = "*.webm"

// IngestFunc receives the bytes of one slice.
type IngestFunc func(ctx context.Context, blob []byte) error

// Spool watches a directory for completed slice files, hands each to an
// IngestFunc in arrival order and removes it afterwards. Producers must write
// under another name and rename into place so a slice is never read half
// written.
type Spool struct {
	dir     string
	pattern string
	ingest  IngestFunc
	log     *slog.Logger
}

// NewSpool returns a Spool over dir. An empty pattern means DefaultPattern.
func NewSpool(dir, pattern string, ingest IngestFunc, log *slog.Logger) *Spool {
	if pattern == "" {
		pattern = DefaultPattern
	}
	return &Spool{dir: dir, pattern: pattern, ingest: ingest, log: log}
}

// Run drains slices already present, sorted by name, then ingests new ones
// until ctx is cancelled.
func (s *Spool) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create spool directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch spool directory: %w", err)
	}
	s.log.Info("spool watcher started", slog.String("dir", s.dir), slog.String("pattern", s.pattern))

	// Registered before the backlog scan so nothing dropped in between is missed.
	if err := s.drainBacklog(ctx); err != nil {
		return err
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// A rename into the directory arrives as Create under the new name.
			if !event.Has(fsnotify.Create) {
				continue
			}
			s.handle(ctx, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error("spool watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			s.log.Info("spool watcher stopped")
			return nil
		}
	}
}

func (s *Spool) drainBacklog(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read spool directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		s.handle(ctx, filepath.Join(s.dir, name))
	}
	return nil
}

func (s *Spool) handle(ctx context.Context, path string) {
	if ok, _ := filepath.Match(s.pattern, filepath.Base(path)); !ok {
		return
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		// Already consumed, e.g. both backlog and Create saw it.
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Error("read slice failed", slog.String("path", path), slog.String("error", err.Error()))
		}
		return
	}
	if err := os.Remove(path); err != nil {
		s.log.Error("remove slice failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if len(blob) == 0 {
		s.log.Warn("empty slice skipped", slog.String("path", path))
		return
	}

	if err := s.ingest(ctx, blob); err != nil {
		s.log.Error("slice ingestion failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	s.log.Debug("slice ingested", slog.String("path", path), slog.Int("bytes", len(blob)))
}
