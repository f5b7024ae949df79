// Package catalog keeps the store's presets in step with the seed file on
// disk, so hand-edited agent definitions load without a restart.
package catalog

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/service/store"
)

// Watcher reloads a YAML seed file into the store whenever it changes.
type Watcher struct {
	path     string
	store    *store.Store
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewWatcher watches the directory holding path. Editors often replace
// files by rename, which a watch on the file itself would lose.
func NewWatcher(path string, st *store.Store) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, store: st, debounce: 300 * time.Millisecond, watcher: w}, nil
}

// Reload merges the file into the store once.
func (w *Watcher) Reload() error {
	c, err := preset.LoadSeedFile(w.path)
	if err != nil {
		return err
	}
	if err := w.store.MergeCatalog(c); err != nil {
		return err
	}
	log.Printf("[catalog] loaded %s: presets=%d templates=%d sessionPresets=%d", w.path, len(c.Presets), len(c.Templates), len(c.SessionPresets))
	return nil
}

// Run reloads after each burst of writes until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[catalog] watcher error: %v", err)

		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				log.Printf("[catalog] reload failed, keeping current presets: %v", err)
			}
		}
	}
}
