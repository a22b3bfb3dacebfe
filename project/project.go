// Package project loads project descriptions from disk and exposes the
// reactive accessor the coordinator consumes: a snapshot channel backed by
// a file watcher, so edits to the project file recompile the timeline
// without restarting the engine.
package project

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bigmistqke/eddy/timeline"
)

// debounce coalesces editor write bursts into one reload.
const debounce = 100 * time.Millisecond

// Load reads and decodes a project file.
func Load(path string) (*timeline.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("project: read %s: %w", path, err)
	}
	var p timeline.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("project: parse %s: %w", path, err)
	}
	if p.Canvas.Width <= 0 || p.Canvas.Height <= 0 {
		return nil, fmt.Errorf("project: %s: canvas size missing", path)
	}
	return &p, nil
}

// Watcher emits a project snapshot on start and after every change to the
// project file. Broken intermediate saves are skipped; the last good
// snapshot stands until the file parses again.
type Watcher struct {
	log  *slog.Logger
	path string
	fsw  *fsnotify.Watcher
	out  chan *timeline.Project
}

// Watch starts watching path. The initial snapshot is emitted before
// Watch returns; subsequent snapshots arrive on Projects.
func Watch(ctx context.Context, log *slog.Logger, path string) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	first, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("project: watcher: %w", err)
	}
	// Watch the directory: editors commonly replace the file by rename,
	// which drops a watch on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("project: watch %s: %w", path, err)
	}

	w := &Watcher{
		log:  log.With("component", "project-watcher"),
		path: path,
		fsw:  fsw,
		out:  make(chan *timeline.Project, 1),
	}
	w.out <- first
	go w.run(ctx)
	return w, nil
}

// Projects returns the snapshot channel. It closes when the watcher stops.
func (w *Watcher) Projects() <-chan *timeline.Project { return w.out }

// Close stops the watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

func (w *Watcher) run(ctx context.Context) {
	defer close(w.out)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		case <-pending:
			pending = nil
			p, err := Load(w.path)
			if err != nil {
				w.log.Warn("project reload failed, keeping last snapshot", "error", err)
				continue
			}
			select {
			case w.out <- p:
			case <-ctx.Done():
				return
			}
			w.log.Info("project reloaded")
		}
	}
}
