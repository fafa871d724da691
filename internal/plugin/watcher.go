// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce coalesces the burst of filesystem events an editor
// save or directory copy produces into one change notification.
const defaultDebounce = 500 * time.Millisecond

// Change identifies a plugin whose on-disk source changed.
type Change struct {
	Plugin string
	Path   string
}

// Watcher observes the plugin search paths and reports changed plugins
// on a channel, debounced per plugin. Intended to drive
// Manager.ReloadPlugin from a serve loop.
type Watcher struct {
	fw       *fsnotify.Watcher
	roots    []string
	debounce time.Duration
	changes  chan Change
	log      *slog.Logger
}

// NewWatcher watches the given search paths and their existing plugin
// directories. Missing paths are skipped; directories created later
// are picked up as their create events arrive.
func NewWatcher(roots []string, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	w := &Watcher{
		fw:       fw,
		roots:    append([]string(nil), roots...),
		debounce: debounce,
		changes:  make(chan Change, 16),
		log:      slog.Default().With("component", "watcher"),
	}

	for _, root := range w.roots {
		if err := fw.Add(root); err != nil {
			if os.IsNotExist(err) {
				w.log.Debug("watch path missing, skipping", "path", root)
				continue
			}
			fw.Close()
			return nil, err
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			if err := fw.Add(filepath.Join(root, entry.Name())); err != nil {
				w.log.Warn("watching plugin directory failed",
					"path", filepath.Join(root, entry.Name()), "error", err)
			}
		}
	}
	return w, nil
}

// Changes returns the debounced change stream. Closed when Run
// returns.
func (w *Watcher) Changes() <-chan Change { return w.changes }

// Run pumps filesystem events until the context is canceled or the
// underlying watcher closes.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.changes)

	pending := make(map[string]Change)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.fw.Add(ev.Name); err != nil {
						w.log.Warn("watching new directory failed", "path", ev.Name, "error", err)
					}
				}
			}
			name := w.pluginFor(ev.Name)
			if name == "" {
				continue
			}
			pending[name] = Change{Plugin: name, Path: ev.Name}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			for _, change := range pending {
				select {
				case w.changes <- change:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			pending = make(map[string]Change)
			timer = nil
			timerC = nil

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watch error", "error", err)
		}
	}
}

// Close stops the underlying filesystem watcher, which ends Run.
func (w *Watcher) Close() error { return w.fw.Close() }

// pluginFor maps an event path to a plugin name: the first path
// element under a watched root, with any .lua suffix stripped. Private
// and hidden names map to nothing.
func (w *Watcher) pluginFor(path string) string {
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		first := strings.Split(rel, string(filepath.Separator))[0]
		if strings.HasPrefix(first, "_") || strings.HasPrefix(first, ".") {
			return ""
		}
		return strings.TrimSuffix(first, ".lua")
	}
	return ""
}
