package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// watch debounce so a temp-file write plus rename reports once.
const watchDebounce = 500 * time.Millisecond

// Watcher observes a file-backed cache record and invokes a callback when
// another process replaces it, e.g. a concurrent client of the same account
// re-logging in. The parent directory is watched because atomic replacement
// renames a new file over the record.
type Watcher struct {
	path     string
	onChange func()

	fw *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	closed  bool
	done    chan struct{}
	runOnce sync.Once
}

// NewWatcher prepares a watcher over store's record file that calls onChange
// after each change settles.
func NewWatcher(store *FileStore, onChange func()) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("cache: watcher requires a file store")
	}
	if onChange == nil {
		return nil, fmt.Errorf("cache: watcher requires a change callback")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("cache: create watcher: %w", err)
	}
	if err = fw.Add(filepath.Dir(store.Path())); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("cache: watch record directory: %w", err)
	}
	return &Watcher{
		path:     store.Path(),
		onChange: onChange,
		fw:       fw,
		done:     make(chan struct{}),
	}, nil
}

// Start begins dispatching change notifications. It returns immediately; the
// watch loop runs until Close.
func (w *Watcher) Start() {
	w.runOnce.Do(func() {
		go w.loop()
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.scheduleNotify()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warnf("cache watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleNotify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, func() {
		log.Debug("cache record changed on disk")
		w.onChange()
	})
}

// Close stops the watcher and releases the underlying fsnotify resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	close(w.done)
	return w.fw.Close()
}
