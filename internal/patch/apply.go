package patch

import (
	"fmt"

	"github.com/jra3/rbxsync/internal/tree"
	"github.com/jra3/rbxsync/internal/variant"
)

// Apply mutates t to reflect p: removals first, then additions top-down
// (temp-id parents resolved as each ancestor is inserted), then property
// updates. It never panics on a bad patch; problems already
// diagnosed during Compute travel through p.Unapplied, and anything Apply
// itself can't place is appended there too.
func Apply(t *tree.Tree, p Patch) []UnappliedChange {
	_, unapplied := ApplyWithIds(t, p)
	return unapplied
}

// ApplyWithIds is Apply plus the temp-id -> real-id mapping assigned to
// p.Added, so callers that need to act on the materialized ids afterward
// (deferred reference resolution, ref-path-index bookkeeping) don't have
// to re-derive them.
func ApplyWithIds(t *tree.Tree, p Patch) (map[TempId]tree.InstanceId, []UnappliedChange) {
	unapplied := append([]UnappliedChange(nil), p.Unapplied...)

	for _, id := range p.Removed {
		if isProjectNode(t, id) {
			unapplied = append(unapplied, UnappliedChange{
				InstanceId: id,
				Reason:     "refusing to remove a ProjectNode-sourced instance",
			})
			continue
		}
		t.Remove(id)
	}

	tempToReal := make(map[TempId]tree.InstanceId, len(p.Added))
	for _, a := range p.Added {
		parent := a.ParentId
		if a.ParentTemp != "" {
			real, ok := tempToReal[a.ParentTemp]
			if !ok {
				unapplied = append(unapplied, UnappliedChange{
					Reason: fmt.Sprintf("added instance %q references unresolved temp parent %q", a.Name, a.ParentTemp),
				})
				continue
			}
			parent = real
		}

		id := tree.NewInstanceId()
		inst := tree.Instance{
			Id:         id,
			ClassName:  a.ClassName,
			Name:       a.Name,
			Properties: a.Properties,
		}
		switch {
		case a.FromProject:
			inst.Metadata.InstigatingSource = tree.InstigatingSource{Kind: tree.SourceProjectNode}
		case a.SourcePath != "":
			inst.Metadata.InstigatingSource = tree.InstigatingSource{Kind: tree.SourcePath, Path: a.SourcePath}
		}
		if a.SpecifiedId != "" {
			inst.Metadata.SpecifiedId = a.SpecifiedId
		}
		t.Insert(inst, parent)
		tempToReal[a.Temp] = id
	}

	for _, u := range p.Updated {
		if isProjectNode(t, u.Id) {
			unapplied = append(unapplied, UnappliedChange{
				InstanceId: u.Id,
				Reason:     "refusing to update a ProjectNode-sourced instance",
			})
			continue
		}
		_, ok := t.Update(u.Id, func(inst *tree.Instance) {
			// Order matters: name, then class (may require reinstantiation,
			// carrying over properties), then properties.
			if u.Name != "" {
				inst.Name = u.Name
			}
			if u.ClassName != "" {
				inst.ClassName = u.ClassName
			}
			for k, v := range u.Changed {
				if v.Kind == variant.KindNil {
					delete(inst.Properties, k)
					continue
				}
				inst.Properties[k] = v
			}
		})
		if !ok {
			unapplied = append(unapplied, UnappliedChange{
				InstanceId: u.Id,
				Reason:     "update target no longer exists",
			})
		}
	}

	return tempToReal, unapplied
}

// isProjectNode reports whether id currently exists and is declared by a
// project file rather than sourced from disk. Such instances mutate only
// via project reload; a patch that tries to remove or update one gets a
// per-entry rejection instead, and the rest of the patch proceeds.
func isProjectNode(t *tree.Tree, id tree.InstanceId) bool {
	inst, ok := t.Get(id)
	return ok && inst.Metadata.InstigatingSource.Kind == tree.SourceProjectNode
}

// StampIds writes each Added entry's assigned real id (from a prior
// ApplyWithIds call) back into the patch in place, so a patch broadcast
// after apply carries the ids the editor-side Reconciler needs to Track
// newly created instances.
func StampIds(p *Patch, tempToReal map[TempId]tree.InstanceId) {
	for i := range p.Added {
		p.Added[i].Id = tempToReal[p.Added[i].Temp]
	}
}
