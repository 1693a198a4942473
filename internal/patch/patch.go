// Package patch implements patch compute and apply: diffing a
// freshly produced snapshot subtree against the live AuthoritativeTree
// subtree it corresponds to, and applying the result. Both directions
// (forward sync and syncback) reuse the same diff: only the side playing
// "snapshot" and the side playing "live" swap.
package patch

import (
	"github.com/jra3/rbxsync/internal/match"
	"github.com/jra3/rbxsync/internal/snapshot"
	"github.com/jra3/rbxsync/internal/tree"
	"github.com/jra3/rbxsync/internal/variant"
)

// TempId identifies a to-be-created instance within a single patch, before
// Apply assigns it a real tree.InstanceId.
type TempId string

// AddedInstance is a new subtree root to insert under an existing live
// parent (ParentId) or under another AddedInstance in the same patch
// (ParentTemp), mutually exclusive.
type AddedInstance struct {
	Temp       TempId
	ParentId   tree.InstanceId
	ParentTemp TempId
	ClassName  string
	Name       string
	Properties  map[string]variant.Variant
	SourcePath  string
	SpecifiedId string
	// Id is empty when a patch is first computed (Compute never assigns
	// ids) and is stamped in by ApplyWithIds's tempToReal result before the
	// patch is broadcast, so the editor-side Reconciler can Track the new
	// instance under the same id the tree assigned it.
	Id tree.InstanceId
	// FromProject marks this as a ProjectNode instance: inserted
	// with InstigatingSource.Kind = SourceProjectNode instead of SourcePath,
	// so later patches never attempt to write it back or remove it.
	FromProject bool
}

// UpdatedInstance carries only the properties that actually changed.
type UpdatedInstance struct {
	Id      tree.InstanceId
	Name    string
	// ClassName is set only when the class changed; the
	// applier reconstructs the instance but preserves InstanceId.
	ClassName string
	Changed   map[string]variant.Variant
}

// UnappliedChange records a change the applier refused, with the reason,
// instead of raising an exception.
type UnappliedChange struct {
	InstanceId tree.InstanceId
	Reason     string
}

// Patch is the full set of edits computed between a snapshot subtree and
// a live subtree.
type Patch struct {
	Added     []AddedInstance
	Removed   []tree.InstanceId
	Updated   []UpdatedInstance
	Unapplied []UnappliedChange
}

func (p *Patch) merge(other Patch) {
	p.Added = append(p.Added, other.Added...)
	p.Removed = append(p.Removed, other.Removed...)
	p.Updated = append(p.Updated, other.Updated...)
	p.Unapplied = append(p.Unapplied, other.Unapplied...)
}

// Compute diffs snap's children against the live children of parentId in
// t, recursing into every matched pair.
func Compute(t *tree.Tree, parentId tree.InstanceId, snapChildren []*snapshot.Snapshot) Patch {
	var out Patch

	liveIds := t.Children(parentId)
	liveNodes := make([]match.Node, len(liveIds))
	liveInsts := make([]tree.Instance, len(liveIds))
	for i, id := range liveIds {
		inst, _ := t.Get(id)
		liveInsts[i] = inst
		liveNodes[i] = liveNode{inst: inst, t: t}
	}
	snapNodes := make([]match.Node, len(snapChildren))
	for i, s := range snapChildren {
		snapNodes[i] = snapNode{s: s}
	}

	pairing := match.Match(snapNodes, liveNodes)

	for si, li := range pairing.Pairs {
		snap := snapChildren[si]
		live := liveInsts[li]

		if live.Metadata.InstigatingSource.Kind == tree.SourceProjectNode {
			out.Unapplied = append(out.Unapplied, UnappliedChange{
				InstanceId: live.Id,
				Reason:     "refusing to update a ProjectNode-sourced instance",
			})
		} else if changed := diffProperties(snap.Properties, live.Properties); len(changed) > 0 || snap.Name != live.Name || snap.ClassName != live.ClassName {
			u := UpdatedInstance{Id: live.Id, Changed: changed}
			if snap.Name != live.Name {
				u.Name = snap.Name
			}
			if snap.ClassName != live.ClassName {
				u.ClassName = snap.ClassName
			}
			out.Updated = append(out.Updated, u)
		}

		sub := Compute(t, live.Id, snap.Children)
		out.merge(sub)
	}

	for _, si := range pairing.UnmatchedLeft {
		out.merge(addedSubtree(snapChildren[si], parentId, ""))
	}

	for _, li := range pairing.UnmatchedRight {
		live := liveInsts[li]
		if live.Metadata.InstigatingSource.Kind == tree.SourceProjectNode {
			out.Unapplied = append(out.Unapplied, UnappliedChange{
				InstanceId: live.Id,
				Reason:     "refusing to remove a ProjectNode-sourced instance",
			})
			continue
		}
		out.Removed = append(out.Removed, collectSubtreeIds(t, live.Id)...)
	}

	return out
}

// addedSubtree flattens a snapshot subtree into a run of AddedInstance
// entries, parented either to a real live instance (parentId != "") or to
// another pending Added entry in the same patch (parentTemp != "").
func addedSubtree(s *snapshot.Snapshot, parentId tree.InstanceId, parentTemp TempId) Patch {
	var out Patch
	temp := TempId(s.TempId)
	if temp == "" {
		temp = TempId(s.SourcePath + "#" + s.Name)
	}
	out.Added = append(out.Added, AddedInstance{
		Temp:        temp,
		ParentId:    parentId,
		ParentTemp:  parentTemp,
		ClassName:   s.ClassName,
		Name:        s.Name,
		Properties:  s.Properties,
		SourcePath:  s.SourcePath,
		SpecifiedId: s.SpecifiedId,
		FromProject: s.FromProject,
	})
	for _, c := range s.Children {
		out.merge(addedSubtree(c, "", temp))
	}
	return out
}

func collectSubtreeIds(t *tree.Tree, id tree.InstanceId) []tree.InstanceId {
	out := []tree.InstanceId{id}
	for _, c := range t.Children(id) {
		out = append(out, collectSubtreeIds(t, c)...)
	}
	return out
}

// diffProperties returns only the keys whose value differs (by
// variant.Equal) between snap and live. Keys present only on the live
// side come back as the nil Variant, which the applier treats as a
// property removal. Setting a reference to the null handle is a
// different value (KindRef with Null set) and is never confused with a
// removal.
func diffProperties(snap, live map[string]variant.Variant) map[string]variant.Variant {
	changed := make(map[string]variant.Variant)
	for k, sv := range snap {
		if lv, ok := live[k]; !ok || !variant.Equal(sv, lv) {
			changed[k] = sv
		}
	}
	for k := range live {
		if _, ok := snap[k]; !ok {
			changed[k] = variant.Nil()
		}
	}
	return changed
}

type snapNode struct{ s *snapshot.Snapshot }

func (n snapNode) Key() (string, string) { return n.s.Name, n.s.ClassName }

func (n snapNode) PropertyDiffCount(other match.Node) int {
	return len(diffProperties(n.s.Properties, otherProperties(other)))
}

func (n snapNode) Children() []match.Node {
	out := make([]match.Node, len(n.s.Children))
	for i, c := range n.s.Children {
		out[i] = snapNode{s: c}
	}
	return out
}

type liveNode struct {
	inst tree.Instance
	t    *tree.Tree
}

func (n liveNode) Key() (string, string) { return n.inst.Name, n.inst.ClassName }

func (n liveNode) PropertyDiffCount(other match.Node) int {
	return len(diffProperties(otherProperties(other), n.inst.Properties))
}

func (n liveNode) Children() []match.Node {
	ids := n.t.Children(n.inst.Id)
	out := make([]match.Node, len(ids))
	for i, id := range ids {
		child, _ := n.t.Get(id)
		out[i] = liveNode{inst: child, t: n.t}
	}
	return out
}

func otherProperties(n match.Node) map[string]variant.Variant {
	switch t := n.(type) {
	case snapNode:
		return t.s.Properties
	case liveNode:
		return t.inst.Properties
	default:
		return nil
	}
}
