package repos

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a repos file when it changes on disk. Events are
// debounced because editors write config files in bursts (truncate, write,
// rename). The parent directory is watched rather than the file itself so
// atomic-rename saves keep working.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Set)
	onError  func(error)

	mu      sync.Mutex
	pending *time.Timer
	wg      sync.WaitGroup
}

const watchDebounce = 500 * time.Millisecond

// NewWatcher creates a watcher for path. onChange receives each
// successfully reloaded Set; onError receives reload failures (the previous
// Set stays in effect).
func NewWatcher(path string, onChange func(*Set), onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		watcher:  fw,
		onChange: onChange,
		onError:  onError,
	}, nil
}

// Start begins delivering reloads until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.trigger()
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				if w.onError != nil {
					w.onError(err)
				}
			}
		}
	}()
}

func (w *Watcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(watchDebounce, w.reload)
}

func (w *Watcher) reload() {
	set, err := Load(w.path)
	if err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	w.onChange(set)
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	w.wg.Wait()
	return err
}
