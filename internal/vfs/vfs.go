// Package vfs implements the Virtual Filesystem: a caching,
// watching view over the on-disk tree that emits ordered change events
// and exposes per-path suppression counters so self-originated writes
// don't echo back as spurious tree mutations.
package vfs

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jra3/rbxsync/internal/cache"
	"github.com/jra3/rbxsync/internal/snapshot"
)

// EventKind is the closed set of change kinds the VFS reports.
type EventKind int

const (
	EventCreate EventKind = iota
	EventWrite
	EventRemove
	EventRename
)

// Event is a single change against the watched tree, relative to the
// VFS root. For Kind == EventRename, Path is the old name and NewPath is
// the new one (paired from the native Rename+Create pair, see
// renamePairWindow below); for every other kind NewPath is empty.
type Event struct {
	Path    string
	NewPath string
	Kind    EventKind
}

const (
	readCacheTTL      = 2 * time.Second
	readCacheMaxFiles = 4096

	// renamePairWindow bounds how long the VFS waits for the Create half
	// of a native rename pair before giving up and delivering the old
	// path as a plain removal.
	renamePairWindow = 50 * time.Millisecond
)

// VFS is the watching/caching filesystem view rooted at a directory.
// ReadFile/ReadDir/Exists satisfy snapshot.VFSReader so the same VFS
// instance drives the middleware registry directly.
type VFS struct {
	root string

	watcher *fsnotify.Watcher
	events  chan Event
	fatal   chan error
	done    chan struct{}

	fileCache *cache.Cache[[]byte]

	mu       sync.Mutex
	suppress map[string]int

	// pendingRenameOld is only touched from the run() goroutine; no lock
	// needed.
	pendingRenameOld string
}

// New roots a VFS at dir and starts watching it recursively.
func New(dir string) (*VFS, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	v := &VFS{
		root:      dir,
		watcher:   w,
		events:    make(chan Event, 256),
		fatal:     make(chan error, 1),
		done:      make(chan struct{}),
		fileCache: cache.New[[]byte](readCacheTTL, readCacheMaxFiles),
		suppress:  make(map[string]int),
	}
	if err := v.watchRecursive(dir); err != nil {
		w.Close()
		return nil, err
	}
	go v.run()
	return v, nil
}

func (v *VFS) watchRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return v.watcher.Add(p)
		}
		return nil
	})
}

// Events returns the ordered change-event stream.
func (v *VFS) Events() <-chan Event { return v.events }

// WatchError is the watcher-fatal side channel. On receipt the core
// triggers a full rescan/reconcile.
func (v *VFS) WatchError() <-chan error { return v.fatal }

// Close stops the watcher goroutine.
func (v *VFS) Close() error {
	close(v.done)
	return v.watcher.Close()
}

// SuppressPath increments the suppression counter for path by n: the
// next n self-originated events observed on it are dropped before
// delivery. Callers must do this before every write intended
// to update an existing file; additions must never be suppressed.
func (v *VFS) SuppressPath(path string, n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.suppress[path] += n
}

func (v *VFS) takeSuppression(path string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	n, ok := v.suppress[path]
	if !ok || n <= 0 {
		return false
	}
	n--
	if n == 0 {
		delete(v.suppress, path)
	} else {
		v.suppress[path] = n
	}
	return true
}

func (v *VFS) run() {
	// renameTimeout fires when no Create has paired with a pending Rename
	// within renamePairWindow; it starts disarmed (nil channel blocks
	// forever) and is (re)armed only while a rename is pending.
	var renameTimeout <-chan time.Time

	for {
		select {
		case <-v.done:
			return
		case ev, ok := <-v.watcher.Events:
			if !ok {
				return
			}
			renameTimeout = v.handleNative(ev)
		case <-renameTimeout:
			v.flushPendingRename()
			renameTimeout = nil
		case err, ok := <-v.watcher.Errors:
			if !ok {
				return
			}
			select {
			case v.fatal <- err:
			default:
			}
		}
	}
}

// handleNative processes one native fsnotify event and returns the timer
// channel to select on next (non-nil only while a rename is pending
// pairing with a subsequent Create).
func (v *VFS) handleNative(ev fsnotify.Event) <-chan time.Time {
	rel := v.relPath(ev.Name)

	if ev.Op&fsnotify.Create != 0 {
		if v.pendingRenameOld != "" {
			old := v.pendingRenameOld
			v.pendingRenameOld = ""
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				v.watchRecursive(ev.Name)
			}
			v.fileCache.Delete(rel)
			v.deliver(Event{Path: old, NewPath: rel, Kind: EventRename})
			return nil
		}
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			v.watchRecursive(ev.Name)
		}
		v.fileCache.Delete(rel)
		v.deliver(Event{Path: rel, Kind: EventCreate})
		return nil
	}

	// A second Rename (or any other event) arriving before the Create half
	// of a prior pending rename showed up means that prior rename has no
	// pair; flush it as a plain removal before handling this one.
	if v.pendingRenameOld != "" {
		v.flushPendingRename()
	}

	switch {
	case ev.Op&fsnotify.Write != 0:
		v.fileCache.Delete(rel)
		if v.takeSuppression(rel) {
			return nil
		}
		v.deliver(Event{Path: rel, Kind: EventWrite})
		return nil
	case ev.Op&fsnotify.Remove != 0:
		v.fileCache.DeleteByPrefix(rel)
		if v.takeSuppression(rel) {
			return nil
		}
		v.deliver(Event{Path: rel, Kind: EventRemove})
		return nil
	case ev.Op&fsnotify.Rename != 0:
		// fsnotify reports a rename as an event on the old name; the new
		// name arrives as a separate Create on most platforms. Hold the
		// old path pending for up to renamePairWindow before giving up.
		v.fileCache.DeleteByPrefix(rel)
		v.pendingRenameOld = rel
		return time.After(renamePairWindow)
	}
	return nil
}

// flushPendingRename delivers a pending rename's old half as a plain
// removal when no paired Create arrived in time.
func (v *VFS) flushPendingRename() {
	if v.pendingRenameOld == "" {
		return
	}
	old := v.pendingRenameOld
	v.pendingRenameOld = ""
	v.deliver(Event{Path: old, Kind: EventRemove})
}

func (v *VFS) deliver(e Event) {
	select {
	case v.events <- e:
	default:
		// Backpressure: drop rather than block the watcher goroutine.
		// A full rescan recovers from gaps.
	}
}

func (v *VFS) relPath(abs string) string {
	rel, err := filepath.Rel(v.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func (v *VFS) absPath(p string) string {
	return filepath.Join(v.root, filepath.FromSlash(p))
}

// ReadFile satisfies snapshot.VFSReader, serving from the read cache when
// possible.
func (v *VFS) ReadFile(p string) ([]byte, error) {
	if data, ok := v.fileCache.Get(p); ok {
		return data, nil
	}
	data, err := os.ReadFile(v.absPath(p))
	if err != nil {
		return nil, err
	}
	v.fileCache.Set(p, data)
	return data, nil
}

// ReadDir satisfies snapshot.VFSReader.
func (v *VFS) ReadDir(p string) ([]snapshot.DirEntry, error) {
	entries, err := os.ReadDir(v.absPath(p))
	if err != nil {
		return nil, err
	}
	out := make([]snapshot.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, snapshot.DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Exists satisfies snapshot.VFSReader.
func (v *VFS) Exists(p string) bool {
	_, err := os.Stat(v.absPath(p))
	return err == nil
}

// WriteFile suppresses the next self-originated write event on p (unless
// this is a brand new file; additions must stay visible to the watcher),
// writes the bytes, and invalidates the read cache.
func (v *VFS) WriteFile(p string, data []byte) error {
	isNew := !v.Exists(p)
	if !isNew {
		v.SuppressPath(p, 1)
	}
	abs := v.absPath(p)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return err
	}
	v.fileCache.Set(p, data)
	return nil
}

// MkdirAll creates a directory (and watches it) without suppression:
// directory creation always surfaces as a real Create event so the
// watcher's recursive-add bookkeeping stays correct.
func (v *VFS) MkdirAll(p string) error {
	abs := v.absPath(p)
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return err
	}
	return v.watcher.Add(abs)
}

// Remove suppresses, deletes, and invalidates cache for a path the core
// is removing itself.
func (v *VFS) Remove(p string) error {
	v.SuppressPath(p, 1)
	abs := v.absPath(p)
	v.fileCache.DeleteByPrefix(p)
	return os.RemoveAll(abs)
}
