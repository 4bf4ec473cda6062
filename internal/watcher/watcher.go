// Package watcher provides completion-marker detection for project
// directories. The reconcile pass catches markers eventually; the
// watcher catches them within the debounce window.
package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
)

// hitDepth bounds pending completion signals. A dropped signal is not a
// lost completion; the reconcile pass settles the project on its next
// tick.
const hitDepth = 16

// Watcher monitors project directories for the completion marker.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	marker    string
	debounce  time.Duration

	mu      sync.Mutex
	targets map[string]int64 // watched directory -> project id

	hits chan int64
	done chan struct{}
}

// New creates a watcher for the given marker filename.
func New(marker string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &Watcher{
		fsWatcher: fsw,
		marker:    marker,
		debounce:  debounce,
		targets:   make(map[string]int64),
		hits:      make(chan int64, hitDepth),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching. Returns a channel receiving the project id for
// each marker sighting.
func (w *Watcher) Start() <-chan int64 {
	go w.loop()
	return w.hits
}

// Watch adds a project directory to the watch set.
func (w *Watcher) Watch(projectPath string, id int64) error {
	dir := filepath.Clean(projectPath)
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w.mu.Lock()
	w.targets[dir] = id
	w.mu.Unlock()
	return nil
}

// Forget removes a project directory from the watch set.
func (w *Watcher) Forget(projectPath string) {
	dir := filepath.Clean(projectPath)

	w.mu.Lock()
	delete(w.targets, dir)
	w.mu.Unlock()

	// Removal of an unwatched directory is fine.
	_ = w.fsWatcher.Remove(dir)
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// loop processes file system events. Marker sightings debounce per
// project so an editor's write-then-rename dance signals once.
func (w *Watcher) loop() {
	timers := make(map[int64]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			id, relevant := w.matches(event)
			if !relevant {
				continue
			}

			if t, ok := timers[id]; ok {
				if !t.Stop() {
					select {
					case <-t.C:
					default:
					}
				}
				t.Reset(w.debounce)
				continue
			}
			timers[id] = time.AfterFunc(w.debounce, func() {
				select {
				case w.hits <- id:
				default:
					log.Warn(log.CatMonitor, "completion signal dropped", "project", id)
				}
			})

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatMonitor, "watcher error", err)

		case <-w.done:
			return
		}
	}
}

// matches reports whether the event is a marker creation in a watched
// project directory, and for which project.
func (w *Watcher) matches(event fsnotify.Event) (int64, bool) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return 0, false
	}
	if filepath.Base(event.Name) != w.marker {
		return 0, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.targets[filepath.Dir(event.Name)]
	return id, ok
}
