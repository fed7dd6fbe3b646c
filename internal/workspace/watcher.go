// Package workspace watches the working directory and announces file changes.
package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/xuxu777xu/CodePilot-sub000/internal/event"
	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
)

// DefaultDebounce is how long the watcher waits for more changes before
// publishing a batch.
const DefaultDebounce = 250 * time.Millisecond

// DefaultIgnore lists the patterns skipped unless Options.Ignore is set.
var DefaultIgnore = []string{".git", ".git/**", "node_modules", "node_modules/**", ".codepilot/**", "**/*.swp", "**/*~"}

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	// Ignore holds doublestar patterns matched against slash-separated paths
	// relative to the root.
	Ignore []string
}

// Watcher publishes FilesChanged notifications for changes under a directory.
type Watcher struct {
	watcher  *fsnotify.Watcher
	root     string
	notes    *event.Bus
	debounce time.Duration
	ignore   []string

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

// NewWatcher watches root and every directory below it that is not ignored.
func NewWatcher(root string, notes *event.Bus, opts Options) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, p := range opts.Ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, errors.New("invalid ignore pattern " + p)
		}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Ignore == nil {
		opts.Ignore = DefaultIgnore
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:  fw,
		root:     abs,
		notes:    notes,
		debounce: opts.Debounce,
		ignore:   opts.Ignore,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if err := w.addTree(abs); err != nil {
		fw.Close()
		return nil, err
	}
	logging.Info().Str("root", abs).Int("dirs", len(fw.WatchList())).Msg("Workspace watcher initialized")
	return w, nil
}

// addTree adds dir and its subdirectories.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories can vanish between the event and the walk.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) ignored(path string) bool {
	rel := w.rel(path)
	for _, p := range w.ignore {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Start begins watching.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	var (
		pending = make(map[string]struct{})
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.handle(ev) {
				continue
			}
			pending[w.rel(ev.Name)] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.publish(pending)
			pending = make(map[string]struct{})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("Workspace watcher error")
		}
	}
}

// handle reports whether ev is a change worth announcing. New directories
// are added to the watch list.
func (w *Watcher) handle(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod || w.ignored(ev.Name) {
		return false
	}
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				logging.Warn().Err(err).Str("dir", ev.Name).Msg("Failed to watch new directory")
			}
		}
	}
	return true
}

func (w *Watcher) publish(pending map[string]struct{}) {
	if len(pending) == 0 {
		return
	}
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	logging.Debug().Strs("paths", paths).Msg("Workspace files changed")
	w.notes.Notify(event.FilesChanged, "", event.FilesChangedData{Paths: paths})
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}

	return w.watcher.Close()
}
