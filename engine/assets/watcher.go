package assets

import (
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/pipeforge/engine/core"
)

/**
 * @brief Asks for the description at Description to be rebuilt because the
 * listed files changed.
 */
type ReloadRequest struct {
	Description string
	Changed     []string
}

/**
 * @brief Watches the files a description depends on (the description itself,
 * stage sources and includes) and turns bursts of file events into one
 * ReloadRequest per affected description.
 *
 * Directories are watched rather than files, so editors that save by
 * renaming a temporary file over the original are still seen.
 */
type Watcher struct {
	debounce time.Duration
	fsnotify *fsnotify.Watcher

	mutex   sync.Mutex
	deps    map[string]map[string]bool // file -> descriptions
	tracked map[string][]string        // description -> files
	dirs    map[string]int             // directory -> files watched in it
	pending map[string]bool
	timer   *time.Timer
	closed  bool

	reloads chan ReloadRequest
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
}

var ErrWatcherClosed = errors.New("watcher already closed")

func NewWatcher(debounce time.Duration) (*Watcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		debounce: debounce,
		fsnotify: fsWatch,
		deps:     make(map[string]map[string]bool),
		tracked:  make(map[string][]string),
		dirs:     make(map[string]int),
		pending:  make(map[string]bool),
		reloads:  make(chan ReloadRequest, 16),
		errors:   make(chan error, 4),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.start()
	return w, nil
}

func (w *Watcher) Reloads() <-chan ReloadRequest { return w.reloads }

func (w *Watcher) Errors() <-chan error { return w.errors }

/**
 * @brief Replaces the dependency list of description. The description file
 * itself is always watched.
 */
func (w *Watcher) Track(description string, files []string) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.closed {
		return ErrWatcherClosed
	}
	w.untrack(description)

	all := append([]string{description}, files...)
	var tracked []string
	defer func() { w.tracked[description] = tracked }()
	for _, f := range all {
		f = filepath.Clean(f)
		if slices.Contains(tracked, f) {
			continue
		}
		if w.deps[f] == nil {
			w.deps[f] = make(map[string]bool)
		}
		dir := filepath.Dir(f)
		if w.dirs[dir] == 0 {
			if err := w.fsnotify.Add(dir); err != nil {
				return err
			}
		}
		w.dirs[dir]++
		w.deps[f][description] = true
		tracked = append(tracked, f)
	}
	return nil
}

func (w *Watcher) Untrack(description string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.untrack(description)
}

func (w *Watcher) untrack(description string) {
	for _, f := range w.tracked[description] {
		delete(w.deps[f], description)
		if len(w.deps[f]) == 0 {
			delete(w.deps, f)
		}
		dir := filepath.Dir(f)
		w.dirs[dir]--
		if w.dirs[dir] <= 0 {
			delete(w.dirs, dir)
			if !w.closed {
				if err := w.fsnotify.Remove(dir); err != nil {
					core.LogDebug("unwatch %s: %s", dir, err)
				}
			}
		}
	}
	delete(w.tracked, description)
}

// Tracked lists the files currently watched for description.
func (w *Watcher) Tracked(description string) []string {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return slices.Clone(w.tracked[description])
}

func (w *Watcher) start() {
	defer w.wg.Done()
	for {
		select {
		case e, ok := <-w.fsnotify.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.record(e.Name)
			}
		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("file watcher: %s", err)
			select {
			case w.errors <- err:
			default:
			}
		case <-w.done:
			return
		}
	}
}

// record marks path as changed and restarts the debounce timer when some
// description depends on it.
func (w *Watcher) record(path string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	path = filepath.Clean(path)
	if w.closed || len(w.deps[path]) == 0 {
		return
	}
	w.pending[path] = true
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.fire)
		return
	}
	w.timer.Reset(w.debounce)
}

func (w *Watcher) fire() {
	for _, r := range w.flush() {
		select {
		case w.reloads <- r:
		case <-w.done:
			return
		}
	}
}

// flush groups the pending changes by description, in description order.
func (w *Watcher) flush() []ReloadRequest {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	byDesc := make(map[string][]string)
	for path := range w.pending {
		for desc := range w.deps[path] {
			byDesc[desc] = append(byDesc[desc], path)
		}
	}
	clear(w.pending)

	out := make([]ReloadRequest, 0, len(byDesc))
	for desc, changed := range byDesc {
		slices.Sort(changed)
		out = append(out, ReloadRequest{Description: desc, Changed: changed})
	}
	slices.SortFunc(out, func(a, b ReloadRequest) int {
		if a.Description < b.Description {
			return -1
		}
		if a.Description > b.Description {
			return 1
		}
		return 0
	})
	return out
}

/**
 * @brief Stops watching. Pending changes are dropped and the Reloads channel
 * is never closed, so select on it together with your own shutdown signal.
 */
func (w *Watcher) Close() error {
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mutex.Unlock()

	close(w.done)
	err := w.fsnotify.Close()
	w.wg.Wait()
	return err
}
