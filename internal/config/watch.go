package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ManifestWatcher monitors a manifest document and invokes the supplied
// callback whenever it changes. Stop must be called to release filesystem
// resources.
type ManifestWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *ManifestWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchManifest parses path once, hands the result to onChange, and then
// re-parses it after every write, create, rename or removal. The parent
// directory is watched so editors that replace the file atomically are seen.
// Parse failures go to onError and the previous document stays in effect.
func WatchManifest(ctx context.Context, path string, onChange func(ManifestDocument), onError func(error)) (*ManifestWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch manifest requires a change callback")
	}
	if path == "" {
		return nil, errors.New("config: no manifest file configured for watching")
	}
	resolved := path
	if abs, err := filepath.Abs(path); err == nil {
		resolved = abs
	}
	target := filepath.Clean(resolved)

	doc, err := LoadManifest(target)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch manifest: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	onChange(doc)

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	watch := &ManifestWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch manifest close: %w", err))
			}
		}()

		reload := func() {
			doc, err := LoadManifest(target)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(doc)
		}

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		flushTimer := func() {
			if reloadTimer == nil {
				return
			}
			if !reloadTimer.Stop() {
				select {
				case <-reloadTimer.C:
				default:
				}
			}
			reloadSignal = nil
		}
		defer flushTimer()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				flushTimer()
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && onError != nil {
					onError(fmt.Errorf("config: manifest file %s removed", target))
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return watch, nil
}
