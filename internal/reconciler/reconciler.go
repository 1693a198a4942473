// Package reconciler implements the editor-side reconciler: it hydrates
// the host DOM to the server's existing InstanceIds using the same
// matching-engine pairing patch compute uses server-side, then applies
// every subsequently received server patch onto the host DOM, pausing the
// change batcher around each application so the host-DOM mutations below
// don't echo straight back out as a new outgoing patch.
package reconciler

import (
	"github.com/jra3/rbxsync/internal/batcher"
	"github.com/jra3/rbxsync/internal/host"
	"github.com/jra3/rbxsync/internal/match"
	"github.com/jra3/rbxsync/internal/patch"
	"github.com/jra3/rbxsync/internal/protocol"
	"github.com/jra3/rbxsync/internal/tree"
	"github.com/jra3/rbxsync/internal/variant"
)

// Reconciler keeps a host DOM in lockstep with the server's
// AuthoritativeTree: Hydrate brings it up to date with an initial read,
// ApplyPatch keeps it current as the server broadcasts further patches.
type Reconciler struct {
	h host.Host
	b *batcher.Batcher

	forward map[host.Ref]tree.InstanceId
	reverse map[tree.InstanceId]host.Ref
}

// New builds a Reconciler against host h, driving Batcher b's Pause/Resume
// around patch application and sharing its Track/Untrack bookkeeping so a
// hydrated or newly-inserted ref is immediately eligible for the batcher's
// own outgoing-change tracking too.
func New(h host.Host, b *batcher.Batcher) *Reconciler {
	return &Reconciler{
		h:       h,
		b:       b,
		forward: make(map[host.Ref]tree.InstanceId),
		reverse: make(map[tree.InstanceId]host.Ref),
	}
}

// Hydrate pairs parent's existing host-DOM children against snap's
// children (the server's read(ids) response for the same instance) via
// the same matching algorithm Patch Compute uses, recursing into every
// matched pair. Paired and newly-inserted refs are tracked under the
// server's id both locally and in the Batcher. Host-only children with no
// snapshot counterpart are left alone: they are either instances the
// server doesn't know about yet (a later outgoing patch will add them) or
// ones it has already removed (a later Removed entry will catch up).
func (r *Reconciler) Hydrate(parent host.Ref, parentId tree.InstanceId, snap protocol.WireInstanceSnapshot) {
	r.track(parent, parentId)

	hostChildren := r.h.Children(parent)
	hostNodes := make([]match.Node, len(hostChildren))
	for i, ref := range hostChildren {
		hostNodes[i] = hostNode{h: r.h, ref: ref}
	}
	snapNodes := make([]match.Node, len(snap.Children))
	for i, c := range snap.Children {
		snapNodes[i] = snapshotNode{s: c}
	}

	pairing := match.Match(snapNodes, hostNodes)

	for si, hi := range pairing.Pairs {
		child := snap.Children[si]
		r.Hydrate(hostChildren[hi], tree.InstanceId(child.Id), child)
	}
	for _, si := range pairing.UnmatchedLeft {
		child := snap.Children[si]
		ref := r.h.Insert(parent, child.ClassName, child.Name)
		for name, v := range child.Properties {
			r.applyProperty(ref, name, protocol.FromWire(v))
		}
		r.Hydrate(ref, tree.InstanceId(child.Id), child)
	}
	// pairing.UnmatchedRight (host-only children) are intentionally left
	// untouched; see doc comment above.
}

// ApplyPatch applies a server-originated Patch to the host DOM, pausing the
// Batcher beforehand and resuming it after. Order mirrors the server's
// applier: removed, then added, then updated.
func (r *Reconciler) ApplyPatch(p patch.Patch) {
	r.b.Pause()
	defer r.b.Resume()

	for _, id := range p.Removed {
		ref, ok := r.reverse[id]
		if !ok {
			continue
		}
		r.h.Destroy(ref)
		r.untrack(ref, id)
	}

	tempRefs := make(map[patch.TempId]host.Ref, len(p.Added))
	for _, a := range p.Added {
		parent, ok := r.resolveParent(a.ParentId, a.ParentTemp, tempRefs)
		if !ok {
			continue
		}
		ref := r.h.Insert(parent, a.ClassName, a.Name)
		for name, v := range a.Properties {
			r.applyProperty(ref, name, v)
		}
		tempRefs[a.Temp] = ref
		if a.Id != "" {
			r.track(ref, a.Id)
		}
	}

	for _, u := range p.Updated {
		ref, ok := r.reverse[u.Id]
		if !ok {
			continue
		}
		if u.Name != "" {
			r.h.SetName(ref, u.Name)
		}
		if u.ClassName != "" {
			// A class change cannot be applied in place: the old instance is
			// torn down and a fresh one of the new class takes its spot,
			// keeping the same server id.
			ref = r.reinstantiate(ref, u.Id, u.ClassName)
		}
		for name, v := range u.Changed {
			r.applyProperty(ref, name, v)
		}
	}
}

// reinstantiate replaces ref with a fresh instance of className under the
// same parent and name, re-tracking the replacement under the same server
// id. Descendants are rebuilt by the Added entries that accompany a class
// change in the same patch.
func (r *Reconciler) reinstantiate(ref host.Ref, id tree.InstanceId, className string) host.Ref {
	parent, hasParent := r.h.Parent(ref)
	if !hasParent {
		return ref
	}
	name := r.h.Name(ref)
	r.untrack(ref, id)
	r.h.Destroy(ref)
	fresh := r.h.Insert(parent, className, name)
	r.track(fresh, id)
	return fresh
}

func (r *Reconciler) resolveParent(parentId tree.InstanceId, parentTemp patch.TempId, tempRefs map[patch.TempId]host.Ref) (host.Ref, bool) {
	if parentTemp != "" {
		ref, ok := tempRefs[parentTemp]
		return ref, ok
	}
	ref, ok := r.reverse[parentId]
	return ref, ok
}

// applyProperty writes v to ref's name property, resolving reference
// values through the reverse id map instead of SetProperty. An unresolved
// reference target (e.g. a forward reference to a sibling added later in
// the same patch) is written as the
// null handle; it may resolve once its target is tracked by a later patch.
func (r *Reconciler) applyProperty(ref host.Ref, name string, v variant.Variant) {
	if v.Kind == variant.KindRef {
		if v.Ref.Null {
			r.h.SetReference(ref, name, nil, true)
			return
		}
		target, ok := r.reverse[tree.InstanceId(v.Ref.Target)]
		if !ok {
			r.h.SetReference(ref, name, nil, true)
			return
		}
		r.h.SetReference(ref, name, target, false)
		return
	}
	r.h.SetProperty(ref, name, v)
}

func (r *Reconciler) track(ref host.Ref, id tree.InstanceId) {
	r.forward[ref] = id
	r.reverse[id] = ref
	r.b.Track(ref, id)
}

func (r *Reconciler) untrack(ref host.Ref, id tree.InstanceId) {
	delete(r.forward, ref)
	delete(r.reverse, id)
	r.b.Untrack(ref)
}

// hostNode adapts a host.Ref subtree to match.Node for hydration pairing.
type hostNode struct {
	h   host.Host
	ref host.Ref
}

func (n hostNode) Key() (string, string) { return n.h.Name(n.ref), n.h.ClassName(n.ref) }

func (n hostNode) PropertyDiffCount(other match.Node) int {
	snap, ok := other.(snapshotNode)
	if !ok {
		return 0
	}
	count := 0
	for name, want := range snap.s.Properties {
		if variant.Kind(want.Kind) == variant.KindRef {
			continue // resolved separately; not a pairing signal
		}
		got, ok := n.h.GetProperty(n.ref, name)
		if !ok || !variant.Equal(got, protocol.FromWire(want)) {
			count++
		}
	}
	return count
}

func (n hostNode) Children() []match.Node {
	refs := n.h.Children(n.ref)
	out := make([]match.Node, len(refs))
	for i, ref := range refs {
		out[i] = hostNode{h: n.h, ref: ref}
	}
	return out
}

// snapshotNode adapts a protocol.WireInstanceSnapshot subtree to
// match.Node for hydration pairing.
type snapshotNode struct{ s protocol.WireInstanceSnapshot }

func (n snapshotNode) Key() (string, string) { return n.s.Name, n.s.ClassName }

func (n snapshotNode) PropertyDiffCount(other match.Node) int {
	hn, ok := other.(hostNode)
	if !ok {
		return 0
	}
	return hn.PropertyDiffCount(n)
}

func (n snapshotNode) Children() []match.Node {
	out := make([]match.Node, len(n.s.Children))
	for i, c := range n.s.Children {
		out[i] = snapshotNode{s: c}
	}
	return out
}
