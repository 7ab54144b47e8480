package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lua "github.com/yuin/gopher-lua"
)

// Reloader is what the HotLoader drives. *Engine implements it.
type Reloader interface {
	IsFileLoaded(path string) bool
	Reload(ctx context.Context, path string) error
	Log(level int, format string, args ...interface{})
}

// HotLoader watches the directories of loaded scripts and re-runs a script
// when its file changes.
type HotLoader struct {
	target  Reloader
	watcher *fsnotify.Watcher

	watchedDirs map[string]int    // dir path -> reference count
	links       map[string]string // symlink target -> loaded path
	mu          sync.Mutex

	// Debouncing
	pendingReloads map[string]time.Time
	debounceMu     sync.Mutex
	debounceDelay  time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewHotLoader creates a hot loader for target.
func NewHotLoader(target Reloader) (*HotLoader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &HotLoader{
		target:         target,
		watcher:        watcher,
		watchedDirs:    make(map[string]int),
		links:          make(map[string]string),
		pendingReloads: make(map[string]time.Time),
		debounceDelay:  100 * time.Millisecond,
		done:           make(chan struct{}),
	}, nil
}

// Watch starts watching the directory containing path.
func (h *HotLoader) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := h.addWatch(filepath.Dir(abs)); err != nil {
		return err
	}

	// Follow a symlinked script to where edits actually happen.
	if target, err := filepath.EvalSymlinks(abs); err == nil && target != abs {
		h.mu.Lock()
		h.links[target] = abs
		h.mu.Unlock()
		if err := h.addWatch(filepath.Dir(target)); err != nil {
			h.target.Log(2, "HotLoader: cannot watch symlink target %s: %v", target, err)
		}
	}
	return nil
}

// Start begins processing file events.
func (h *HotLoader) Start() {
	go h.eventLoop()
	go h.debounceLoop()
}

// Stop stops the hot loader.
func (h *HotLoader) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.done)
		err = h.watcher.Close()
	})
	return err
}

func (h *HotLoader) addWatch(dir string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.watchedDirs[dir]++
	if h.watchedDirs[dir] == 1 {
		if err := h.watcher.Add(dir); err != nil {
			h.watchedDirs[dir]--
			delete(h.watchedDirs, dir)
			return err
		}
		h.target.Log(2, "HotLoader: added watch for %s", dir)
	}
	return nil
}

// eventLoop processes file system events.
func (h *HotLoader) eventLoop() {
	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			h.handleEvent(event)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.target.Log(1, "HotLoader: watcher error: %v", err)
		}
	}
}

// handleEvent processes a single file system event.
func (h *HotLoader) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".lua") {
		return
	}
	h.target.Log(3, "HotLoader: event %s on %s", event.Op, event.Name)

	if event.Op&fsnotify.Write != 0 || event.Op&fsnotify.Create != 0 {
		h.queueReload(event.Name)
	}
}

// queueReload queues a file for reload with debouncing.
func (h *HotLoader) queueReload(filePath string) {
	h.debounceMu.Lock()
	h.pendingReloads[filePath] = time.Now()
	h.debounceMu.Unlock()
}

// debounceLoop processes pending reloads after the debounce delay.
func (h *HotLoader) debounceLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.processPendingReloads()
		}
	}
}

// processPendingReloads reloads files that have been pending for longer than debounceDelay.
func (h *HotLoader) processPendingReloads() {
	h.debounceMu.Lock()
	now := time.Now()
	var toReload []string
	for path, queuedAt := range h.pendingReloads {
		if now.Sub(queuedAt) >= h.debounceDelay {
			toReload = append(toReload, path)
			delete(h.pendingReloads, path)
		}
	}
	h.debounceMu.Unlock()

	for _, path := range toReload {
		h.reloadFile(path)
	}
}

// reloadFile re-runs a changed script if it was loaded before.
func (h *HotLoader) reloadFile(filePath string) {
	if _, err := os.Stat(filePath); err != nil {
		return
	}
	h.mu.Lock()
	if link, ok := h.links[filePath]; ok {
		filePath = link
	}
	h.mu.Unlock()
	if !h.target.IsFileLoaded(filePath) {
		h.target.Log(2, "HotLoader: skipping %s (not loaded)", filePath)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			h.target.Log(0, "HotLoader: PANIC reloading %s: %v", filePath, r)
		}
	}()

	h.target.Log(1, "HotLoader: reloading %s", filePath)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.target.Reload(ctx, filePath); err != nil {
		h.target.Log(0, "HotLoader: error reloading %s: %v", filePath, err)
	}
}

// Reload re-runs a script file on the loop with _PY.reloading set.
func (e *Engine) Reload(ctx context.Context, path string) error {
	_, err := e.Submit(ctx, func(L *lua.LState) (any, error) {
		L.SetField(e.py, "reloading", lua.LTrue)
		defer L.SetField(e.py, "reloading", lua.LFalse)
		return nil, e.loadFile(path)
	})
	return err
}
