// Package syncback implements the write-back pipeline: walks
// a live subtree, runs the reference-linking pass, selects a middleware
// per instance via the same naming/dispatch rules forward sync uses, and
// emits only the file operations that differ from what's already on
// disk so a repeated run is a no-op.
package syncback

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jra3/rbxsync/internal/refindex"
	"github.com/jra3/rbxsync/internal/snapshot"
	"github.com/jra3/rbxsync/internal/tree"
	"github.com/jra3/rbxsync/internal/variant"
	"github.com/jra3/rbxsync/internal/vfs"
)

// maxParallelWrites bounds how many file operations materialize issues
// against the VFS concurrently. vfs.VFS's cache and suppression map are both
// mutex-protected, so concurrent writes to distinct paths are safe.
const maxParallelWrites = 8

// writeRetries/writeRetryBackoff bound the retry behavior for a single
// file operation against transient I/O errors.
const (
	writeRetries      = 3
	writeRetryBackoff = 20 * time.Millisecond
)

// Diagnostic is a non-fatal warning produced while walking the subtree.
type Diagnostic struct {
	InstanceId tree.InstanceId
	Message    string
}

// Engine ties the snapshot middleware registry, naming rules, and
// reference-linking pass together into the syncback write-back pipeline.
type Engine struct {
	Registry *snapshot.Registry
	RefIndex *refindex.Index
}

func New(refIdx *refindex.Index) *Engine {
	return &Engine{Registry: snapshot.NewRegistry(), RefIndex: refIdx}
}

// Sync writes rootId's subtree under destDir inside vfs, returning the
// diagnostics collected during reference linking. Only file operations
// that actually change on-disk content are issued.
func (e *Engine) Sync(t *tree.Tree, rootId tree.InstanceId, destDir string, v *vfs.VFS) ([]Diagnostic, error) {
	pathIndex := refindex.BuildPathIndex(t)
	reverse := refindex.ReversePathIndex(pathIndex)

	var diags []Diagnostic
	linker := &refLinker{tree: t, reverse: reverse, diags: &diags}

	root := linker.wrap(rootId)
	mw := snapshot.SelectSyncbackMiddleware(e.Registry, root)

	out, err := mw.Syncback(root, destDir, &snapshot.Context{})
	if err != nil {
		return diags, fmt.Errorf("syncback %s: %w", destDir, err)
	}

	e.pruneStale(v, destDir, &out)

	if err := e.materialize(v, out); err != nil {
		return diags, err
	}
	e.recordRefEntries(destDir, root)
	return diags, nil
}

// fileFormSuffixes are the single-file renditions an instance can leave
// behind when it transitions to directory form (or vice versa). Pruning
// checks these around the destination stem so a form change never strands
// its old counterpart or an orphaned adjacent meta file.
var fileFormSuffixes = []string{
	".server.luau", ".client.luau", ".luau",
	".server.lua", ".client.lua", ".lua",
	".meta.yaml", ".model.json", ".txt", ".csv", ".json",
}

// pruneStale appends removals for everything on disk under the
// destination that the computed FsSnapshot no longer produces: stale
// file-form files after a promotion to directory form, a stale directory
// after a collapse to file form, and any file inside an owned directory
// whose instance is gone. Running against an unchanged tree appends
// nothing, keeping repeated syncs free of filesystem writes.
func (e *Engine) pruneStale(v *vfs.VFS, destDir string, out *snapshot.FsSnapshot) {
	expectedFiles := make(map[string]bool, len(out.AddedFiles))
	for _, f := range out.AddedFiles {
		expectedFiles[f.Path] = true
	}
	expectedDirs := make(map[string]bool, len(out.AddedDirectories))
	for _, d := range out.AddedDirectories {
		expectedDirs[d] = true
	}

	if expectedDirs[destDir] {
		// Directory form: any single-file rendition of the same stem is a
		// leftover from before the promotion.
		for _, suf := range fileFormSuffixes {
			p := destDir + suf
			if !expectedFiles[p] && v.Exists(p) {
				out.RemovedFiles = append(out.RemovedFiles, p)
			}
		}
	} else {
		// File form: a directory of the same stem is a leftover from
		// before the collapse, and an adjacent meta no longer produced is
		// orphaned.
		if _, err := v.ReadDir(destDir); err == nil {
			out.RemovedDirs = append(out.RemovedDirs, destDir)
		}
		metaPath := destDir + ".meta.yaml"
		if !expectedFiles[metaPath] && v.Exists(metaPath) {
			out.RemovedFiles = append(out.RemovedFiles, metaPath)
		}
	}

	for _, d := range out.AddedDirectories {
		entries, err := v.ReadDir(d)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			full := joinPath(d, entry.Name)
			if entry.IsDir {
				if !expectedDirs[full] && !hasExpectedUnder(full, expectedFiles, expectedDirs) {
					out.RemovedDirs = append(out.RemovedDirs, full)
				}
				continue
			}
			if !expectedFiles[full] {
				out.RemovedFiles = append(out.RemovedFiles, full)
			}
		}
	}
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return path.Join(dir, name)
}

// hasExpectedUnder reports whether any expected file or directory lives
// under prefix, meaning the on-disk directory is still owned and must not
// be pruned wholesale.
func hasExpectedUnder(prefix string, files, dirs map[string]bool) bool {
	p := prefix + "/"
	for f := range files {
		if strings.HasPrefix(f, p) {
			return true
		}
	}
	for d := range dirs {
		if strings.HasPrefix(d, p) {
			return true
		}
	}
	return false
}

// materialize writes only the files/directories whose content actually
// differs from what's on disk, and removes what FsSnapshot says to
// remove. Ordering is fixed: directories created
// sequentially first (so the parallel file writes below always have
// somewhere to land), then file writes and file removals run in parallel
// against each other, then directory removals run sequentially last (so
// a directory is never removed while a file inside it is still being
// written or deleted). Each individual operation is retried through
// withRetry against transient I/O failures.
func (e *Engine) materialize(v *vfs.VFS, out snapshot.FsSnapshot) error {
	for _, dir := range out.AddedDirectories {
		if v.Exists(dir) {
			continue
		}
		if err := withRetry(func() error { return v.MkdirAll(dir) }); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	var jobs []func() error
	for _, f := range out.AddedFiles {
		f := f
		if existing, err := v.ReadFile(f.Path); err == nil && bytesEqual(existing, f.Data) {
			continue
		}
		jobs = append(jobs, func() error {
			if err := withRetry(func() error { return v.WriteFile(f.Path, f.Data) }); err != nil {
				return fmt.Errorf("write %s: %w", f.Path, err)
			}
			return nil
		})
	}
	for _, p := range out.RemovedFiles {
		p := p
		jobs = append(jobs, func() error {
			if err := withRetry(func() error { return v.Remove(p) }); err != nil {
				return fmt.Errorf("remove %s: %w", p, err)
			}
			return nil
		})
	}
	if err := runParallel(jobs, maxParallelWrites); err != nil {
		return err
	}

	for _, p := range out.RemovedDirs {
		if err := withRetry(func() error { return v.Remove(p) }); err != nil {
			return fmt.Errorf("remove dir %s: %w", p, err)
		}
	}
	return nil
}

// runParallel runs jobs on a bounded pool of goroutines and returns the
// first error encountered, if any.
func runParallel(jobs []func() error, limit int) error {
	if len(jobs) == 0 {
		return nil
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, job := range jobs {
		job := job
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := job(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// withRetry calls fn up to writeRetries times in all with a short linear
// backoff, absorbing transient file-I/O failures (e.g. a file briefly
// locked by another process). The last attempt's error, if any, is
// returned unwrapped.
func withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < writeRetries-1 {
			time.Sleep(writeRetryBackoff * time.Duration(attempt+1))
		}
	}
	return err
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// recordRefEntries walks the wrapped subtree, registering every
// Rojo_Ref_* attribute it produced against its source path so renames
// can find and rewrite it later.
func (e *Engine) recordRefEntries(destPath string, n *refLinkedNode) {
	var entries []refindex.Entry
	if attrsVariant, ok := n.Properties()["Attributes"]; ok && attrsVariant.Kind == variant.KindAttributes {
		for k, v := range attrsVariant.Attrs {
			if v.Kind == variant.KindString {
				if _, _, isRef := splitRefAttr(k); isRef {
					entries = append(entries, refindex.Entry{Attribute: k, TargetPath: v.String})
				}
			}
		}
	}
	if len(entries) > 0 {
		e.RefIndex.Set(destPath, entries)
	}
	for _, c := range n.Children() {
		child := c.(*refLinkedNode)
		// Approximates the middleware's actual dedup-suffixed name: good
		// enough to key the ref index, since a collision only means two
		// renames in the same burst briefly share an index entry until
		// the next syncback pass corrects it.
		e.recordRefEntries(path.Join(destPath, snapshot.Slugify(child.inst.Name)), child)
	}
}

func splitRefAttr(name string) (prop string, legacy bool, ok bool) {
	if strings.HasPrefix(name, refindex.PathRefPrefix) {
		return strings.TrimPrefix(name, refindex.PathRefPrefix), false, true
	}
	return "", false, false
}
