// Package watcher reports file changes inside session workspaces.
package watcher

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"polyrun/internal/protocol"
)

const (
	defaultDebounce = 300 * time.Millisecond
	// MaxTreeDepth bounds trees sent to clients.
	MaxTreeDepth = 4
)

// excludedDirs hold build and tool caches that are not user files.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
	"target":       true,
}

// UpdateCallback is called when the file count of a workspace changes.
type UpdateCallback func(sessionID string, fileCount int)

// Watcher monitors session workspaces for file changes.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*sessionWatcher // sessionID → watcher
	debounce time.Duration
	callback UpdateCallback
	logger   *zap.Logger
}

type sessionWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu        sync.Mutex
	lastCount int
}

// New creates a watcher. A zero debounce uses the default.
func New(debounce time.Duration, callback UpdateCallback, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		debounce: debounce,
		callback: callback,
		logger:   logger,
	}
}

// Watch starts watching a session's workspace. Watching an already watched
// session is a no-op.
func (w *Watcher) Watch(sessionID, workDir string) error {
	w.mu.RLock()
	_, exists := w.watchers[sessionID]
	w.mu.RUnlock()
	if exists {
		return nil
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		lastCount: -1, // Force initial update.
	}

	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	w.mu.Lock()
	if _, exists := w.watchers[sessionID]; exists {
		w.mu.Unlock()
		fsW.Close()
		return nil
	}
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	go w.watchLoop(sw)
	go w.recount(sw)
	return nil
}

// Unwatch stops watching a session's workspace.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.cancel)
		sw.fsWatcher.Close()
	}
}

// Watching reports whether sessionID has an active watch.
func (w *Watcher) Watching(sessionID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.watchers[sessionID]
	return ok
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-sw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !excludedDirs[filepath.Base(event.Name)] {
						sw.fsWatcher.Add(event.Name)
					}
				}
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case <-sw.cancel:
				default:
					w.recount(sw)
				}
			})

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("workspace watch error", zap.String("session_id", sw.sessionID), zap.Error(err))
		}
	}
}

// recount recalculates the file count and notifies if it changed.
func (w *Watcher) recount(sw *sessionWatcher) {
	count := CountFiles(sw.workDir)

	sw.mu.Lock()
	changed := count != sw.lastCount
	sw.lastCount = count
	sw.mu.Unlock()

	if changed && w.callback != nil {
		w.callback(sw.sessionID, count)
	}
}

// CountFiles counts the regular files in dir, skipping excluded directories.
func CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if excludedDirs[d.Name()] && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		count++
		return nil
	})
	return count
}

// BuildFileTree generates a FileNode tree for a directory up to maxDepth
// levels. Directories come first, each group sorted by name.
func BuildFileTree(dir string, maxDepth int) []protocol.FileNode {
	return buildTreeRecursive(dir, dir, 0, maxDepth)
}

func buildTreeRecursive(rootDir, currentDir string, depth, maxDepth int) []protocol.FileNode {
	if depth >= maxDepth {
		return nil
	}

	entries, err := os.ReadDir(currentDir)
	if err != nil {
		return nil
	}

	var dirs, files []os.DirEntry
	for _, entry := range entries {
		if entry.IsDir() {
			if !excludedDirs[entry.Name()] {
				dirs = append(dirs, entry)
			}
			continue
		}
		files = append(files, entry)
	}
	byName := func(s []os.DirEntry) {
		sort.Slice(s, func(i, j int) bool { return s[i].Name() < s[j].Name() })
	}
	byName(dirs)
	byName(files)

	nodes := make([]protocol.FileNode, 0, len(dirs)+len(files))
	for _, d := range dirs {
		fullPath := filepath.Join(currentDir, d.Name())
		relPath, _ := filepath.Rel(rootDir, fullPath)
		nodes = append(nodes, protocol.FileNode{
			Name:     d.Name(),
			Path:     filepath.ToSlash(relPath),
			IsDir:    true,
			Children: buildTreeRecursive(rootDir, fullPath, depth+1, maxDepth),
		})
	}
	for _, f := range files {
		relPath, _ := filepath.Rel(rootDir, filepath.Join(currentDir, f.Name()))
		var size int64
		if info, err := f.Info(); err == nil {
			size = info.Size()
		}
		nodes = append(nodes, protocol.FileNode{
			Name: f.Name(),
			Path: filepath.ToSlash(relPath),
			Size: size,
		})
	}
	return nodes
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if excludedDirs[d.Name()] && path != dir {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
