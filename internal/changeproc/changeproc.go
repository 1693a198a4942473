// Package changeproc implements the change processor: the server's
// single-writer actor. It consumes VFS events, watcher-fatal
// notifications, and plugin-originated patches from its inbox, mutates
// the authoritative tree, writes files via the syncback engine, and
// broadcasts applied patches on the message queue. Everything here runs
// on one goroutine, exactly one writer by design. Parallelism lives
// below the writer, in the syncback engine's worker pool for file
// writes.
package changeproc

import (
	"context"
	"log"
	"path"

	"github.com/jra3/rbxsync/internal/mqueue"
	"github.com/jra3/rbxsync/internal/patch"
	"github.com/jra3/rbxsync/internal/protocol"
	"github.com/jra3/rbxsync/internal/refindex"
	"github.com/jra3/rbxsync/internal/snapshot"
	"github.com/jra3/rbxsync/internal/syncback"
	"github.com/jra3/rbxsync/internal/tree"
	"github.com/jra3/rbxsync/internal/vfs"
)

// StageHook is the injected git-integration collaborator. A no-op
// default ships; real wiring is external.
type StageHook func(ids []tree.InstanceId)

func NoopStageHook(ids []tree.InstanceId) {}

// WriteRequest is a plugin-originated patch submitted to the Processor's
// inbox.
type WriteRequest struct {
	Patch    patch.Patch
	StageIds []tree.InstanceId
	Result   chan WriteResult
}

// WriteResult is handed back to the submitter once the single-writer has
// processed the request.
type WriteResult struct {
	Unapplied []patch.UnappliedChange
}

// Processor is the single-writer actor owning the Tree and its indexes.
// Construct with New, then run it on its own goroutine with Run.
type Processor struct {
	tree      *tree.Tree
	v         *vfs.VFS
	registry  *snapshot.Registry
	refIndex  *refindex.Index
	syncback  *syncback.Engine
	queue     *mqueue.Queue
	stageHook StageHook

	writes chan WriteRequest
}

// New builds a Processor wired to the given Tree, VFS, and Message Queue.
func New(t *tree.Tree, v *vfs.VFS, q *mqueue.Queue) *Processor {
	refIdx := refindex.New()
	return &Processor{
		tree:      t,
		v:         v,
		registry:  snapshot.NewRegistry(),
		refIndex:  refIdx,
		syncback:  syncback.New(refIdx),
		queue:     q,
		stageHook: NoopStageHook,
		writes:    make(chan WriteRequest, 64),
	}
}

// SetStageHook overrides the default no-op git-integration hook.
func (p *Processor) SetStageHook(h StageHook) { p.stageHook = h }

// Submit enqueues a plugin-originated write and blocks until the
// single-writer has processed it.
func (p *Processor) Submit(ctx context.Context, req WriteRequest) (WriteResult, error) {
	if req.Result == nil {
		req.Result = make(chan WriteResult, 1)
	}
	select {
	case p.writes <- req:
	case <-ctx.Done():
		return WriteResult{}, ctx.Err()
	}
	select {
	case res := <-req.Result:
		return res, nil
	case <-ctx.Done():
		return WriteResult{}, ctx.Err()
	}
}

// Run drives the single-writer loop until ctx is canceled. It is the only
// goroutine that ever mutates p.tree.
func (p *Processor) Run(ctx context.Context) {
	var pendingEvents bool
	debounce := newIdleTimer()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-p.writes:
			res := p.applyPluginWrite(req.Patch, req.StageIds)
			select {
			case req.Result <- res:
			default:
			}

		case ev := <-p.v.Events():
			if ev.Kind == vfs.EventRename {
				p.handleRename(ev)
			}
			pendingEvents = true
			debounce.Reset()

		case err := <-p.v.WatchError():
			log.Printf("[changeproc] watcher fatal, triggering full rescan: %v", err)
			p.Reconcile()
			pendingEvents = false

		case <-debounce.C():
			if pendingEvents {
				p.Reconcile()
				pendingEvents = false
			}
		}
	}
}

// applyPluginWrite processes one write(patch, stage_ids?) call: removals,
// then additions, then updates, materializing files via syncback before
// broadcasting. Ref-target strings are computed against the tree as
// patched. Renames arrive on this path too (an Updated entry carrying a
// name), so the ref-path-index rewrite that handleRename runs for VFS
// rename events also runs here for any instance whose dotted path
// changed.
func (p *Processor) applyPluginWrite(pch patch.Patch, stageIds []tree.InstanceId) WriteResult {
	renames := p.pendingRenames(pch)

	tempToReal, unapplied := patch.ApplyWithIds(p.tree, pch)

	touched := touchedIds(pch, tempToReal)
	if ambiguous := refindex.Resolve(p.tree, touched); len(ambiguous) > 0 {
		for _, a := range ambiguous {
			p.queue.PublishNotification("ambiguous reference: " + a.Property + " -> " + a.Path)
		}
	}

	for _, rootId := range topLevelRoots(p.tree, touched) {
		inst, ok := p.tree.Get(rootId)
		if !ok {
			continue // removed in this same patch; nothing left to write back
		}
		if inst.Metadata.InstigatingSource.Kind == tree.SourceProjectNode {
			continue // declared by a project file; never written back
		}
		if diags, err := p.syncback.Sync(p.tree, rootId, p.destStemFor(inst), p.v); err != nil {
			log.Printf("[changeproc] syncback %s failed: %v", inst.Name, err)
		} else {
			for _, d := range diags {
				p.queue.PublishNotification(d.Message)
			}
		}
	}

	p.rewriteRenamedRefs(renames)

	if len(stageIds) > 0 {
		p.stageHook(stageIds)
	}

	patch.StampIds(&pch, tempToReal)
	p.queue.PublishPatch(protocol.ToWirePatch(pch))
	return WriteResult{Unapplied: unapplied}
}

// pendingRenames captures, before a plugin patch is applied, the current
// dotted path of every instance the patch is about to rename. The paired
// new paths are only knowable after apply, so the result is finished by
// rewriteRenamedRefs.
func (p *Processor) pendingRenames(pch patch.Patch) map[tree.InstanceId]string {
	var renamed []tree.InstanceId
	for _, u := range pch.Updated {
		if u.Name == "" {
			continue
		}
		if inst, ok := p.tree.Get(u.Id); ok && inst.Name != u.Name {
			renamed = append(renamed, u.Id)
		}
	}
	if len(renamed) == 0 {
		return nil
	}
	reverse := refindex.ReversePathIndex(refindex.BuildPathIndex(p.tree))
	out := make(map[tree.InstanceId]string, len(renamed))
	for _, id := range renamed {
		if dotted, ok := reverse[id]; ok {
			out[id] = dotted
		}
	}
	return out
}

// rewriteRenamedRefs finishes a plugin-write rename: for every captured
// pre-apply dotted path whose instance now sits at a different one, the
// ref path index rewrite runs exactly as it does for a VFS rename event.
func (p *Processor) rewriteRenamedRefs(renames map[tree.InstanceId]string) {
	if len(renames) == 0 {
		return
	}
	reverse := refindex.ReversePathIndex(refindex.BuildPathIndex(p.tree))
	for id, oldDotted := range renames {
		newDotted, ok := reverse[id]
		if !ok || newDotted == oldDotted {
			continue
		}
		p.rewriteRefsForRename(oldDotted, newDotted)
	}
}

// handleRename responds to a paired VFS rename event. It captures the
// renamed instance's dotted path before the rename has been folded into
// the tree, reconciles so the new path is snapshotted, then looks up the
// same instance's new dotted path and rewrites every file the Ref Path
// Index says depended on the old one.
func (p *Processor) handleRename(ev vfs.Event) {
	oldDotted, ok := p.singleDottedPathForSource(ev.Path)
	if !ok {
		return
	}
	p.Reconcile()
	newDotted, ok := p.singleDottedPathForSource(ev.NewPath)
	if !ok || newDotted == oldDotted {
		return
	}
	p.rewriteRefsForRename(oldDotted, newDotted)
}

// singleDottedPathForSource returns the filesystem-name-joined path of
// the one instance currently sourced from sourcePath, or false if zero or
// more than one instance claims that path (ambiguous:
// leave for AmbiguousReference/diagnostic handling elsewhere instead of
// guessing).
func (p *Processor) singleDottedPathForSource(sourcePath string) (string, bool) {
	ids := p.tree.PathIndex(sourcePath)
	if len(ids) != 1 {
		return "", false
	}
	reverse := refindex.ReversePathIndex(refindex.BuildPathIndex(p.tree))
	dotted, ok := reverse[ids[0]]
	return dotted, ok
}

// rewriteRefsForRename asks the Ref Path Index which on-disk files hold a
// Rojo_Ref_*/Rojo_Target_* attribute under oldDotted, then re-runs
// Syncback for the instance that owns each affected file so its
// reference-linking pass (internal/syncback/reflink.go) regenerates the
// attribute against the tree's current (post-rename) path index. The
// index itself is already rewritten by AffectedByRename.
func (p *Processor) rewriteRefsForRename(oldDotted, newDotted string) {
	affected := p.refIndex.AffectedByRename(oldDotted, newDotted)
	for stem := range affected {
		// The index is keyed by destination stem; the path index is keyed
		// by source path, which may carry a file-form suffix.
		for _, cand := range snapshot.StemCandidates(stem) {
			for _, id := range p.tree.PathIndex(cand) {
				if _, err := p.syncback.Sync(p.tree, id, stem, p.v); err != nil {
					log.Printf("[changeproc] rewriting rename-affected reference in %s: %v", cand, err)
				}
			}
		}
	}
}

// Reconcile re-snapshots the whole project root end-to-end and diffs it
// against the live tree, catching anything individual VFS events missed.
// It is also the handler for WatcherFatal.
func (p *Processor) Reconcile() {
	ctx := &snapshot.Context{}
	children := p.snapshotRootChildren(ctx)

	pch := patch.Compute(p.tree, tree.Root, children)
	tempToReal, unapplied := patch.ApplyWithIds(p.tree, pch)
	for _, u := range unapplied {
		p.queue.PublishNotification("unapplied change: " + u.Reason)
	}

	touched := touchedIds(pch, tempToReal)
	if ambiguous := refindex.Resolve(p.tree, touched); len(ambiguous) > 0 {
		for _, a := range ambiguous {
			p.queue.PublishNotification("ambiguous reference: " + a.Property + " -> " + a.Path)
		}
	}

	patch.StampIds(&pch, tempToReal)
	p.queue.PublishPatch(protocol.ToWirePatch(pch))
}

// snapshotRootChildren dispatches the project root: a `*.project.json`
// sibling wins if present, otherwise the root directory's own listing is
// snapshotted as a plain folder and its
// children become the tree's top-level instances. The synthetic Root
// never gets an Instance record of its own.
func (p *Processor) snapshotRootChildren(ctx *snapshot.Context) []*snapshot.Snapshot {
	entries, err := p.v.ReadDir("")
	if err != nil {
		log.Printf("[changeproc] read root directory: %v", err)
		return nil
	}
	for _, e := range entries {
		if !e.IsDir && isProjectFile(e.Name) {
			mw := p.registry.ByKind("project")
			if mw == nil {
				continue
			}
			root, err := mw.Snapshot(e.Name, p.v, ctx)
			if err != nil || root == nil {
				log.Printf("[changeproc] snapshot project file %s: %v", e.Name, err)
				continue
			}
			return root.Children
		}
	}

	mw := p.registry.ByKind("directory")
	root, err := mw.Snapshot("", p.v, ctx)
	if err != nil || root == nil {
		return nil
	}
	return root.Children
}

func isProjectFile(name string) bool {
	const suffix = ".project.json"
	return len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix
}

// destStemFor derives the on-disk destination stem for writing inst's
// subtree back: its own source path with any file-form suffix stripped,
// or, for an instance that has never been on disk, its parent's stem plus
// its own slug.
func (p *Processor) destStemFor(inst tree.Instance) string {
	if src := inst.Metadata.InstigatingSource; src.Kind == tree.SourcePath && src.Path != "" {
		return snapshot.StemOf(src.Path)
	}
	if inst.Parent == tree.Root {
		return snapshot.Slugify(inst.Name)
	}
	parent, ok := p.tree.Get(inst.Parent)
	if !ok {
		return snapshot.Slugify(inst.Name)
	}
	return path.Join(p.destStemFor(parent), snapshot.Slugify(inst.Name))
}

// touchedIds collects every real InstanceId a patch's apply step
// materialized or mutated, for the deferred reference-resolution pass.
func touchedIds(p patch.Patch, tempToReal map[patch.TempId]tree.InstanceId) []tree.InstanceId {
	out := make([]tree.InstanceId, 0, len(p.Updated)+len(tempToReal))
	for _, u := range p.Updated {
		out = append(out, u.Id)
	}
	for _, id := range tempToReal {
		out = append(out, id)
	}
	return out
}

// topLevelRoots reduces touched to the set of ids with no ancestor also
// in touched, so Syncback runs once per affected subtree rather than
// once per node inside it.
func topLevelRoots(t *tree.Tree, touched []tree.InstanceId) []tree.InstanceId {
	set := make(map[tree.InstanceId]bool, len(touched))
	for _, id := range touched {
		set[id] = true
	}
	var out []tree.InstanceId
	for _, id := range touched {
		if !hasAncestorIn(t, id, set) {
			out = append(out, id)
		}
	}
	return out
}

func hasAncestorIn(t *tree.Tree, id tree.InstanceId, set map[tree.InstanceId]bool) bool {
	inst, ok := t.Get(id)
	if !ok || inst.Parent == tree.Root {
		return false
	}
	if set[inst.Parent] {
		return true
	}
	return hasAncestorIn(t, inst.Parent, set)
}
