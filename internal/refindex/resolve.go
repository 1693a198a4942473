package refindex

import (
	"strings"

	"github.com/jra3/rbxsync/internal/tree"
	"github.com/jra3/rbxsync/internal/variant"
)

// Resolve runs the deferred reference-resolution pass: for every touched
// instance whose Attributes include a `Rojo_Ref_*` or legacy
// `Rojo_Target_*` entry, resolve the referent by
// filesystem-joined path (primary) or specified id (legacy fallback),
// rewrite the real reference property, and strip the helper attribute so
// it never surfaces to the editor. Unresolved references are left as
// null handles and are not reported as failures; they may resolve once
// their target is materialized by a later patch.
func Resolve(t *tree.Tree, touched []tree.InstanceId) []AmbiguousReference {
	pathIndex := buildPathIndex(t)
	var ambiguous []AmbiguousReference

	for _, id := range touched {
		inst, ok := t.Get(id)
		if !ok {
			continue
		}
		attrsVariant, ok := inst.Properties["Attributes"]
		if !ok || attrsVariant.Kind != variant.KindAttributes {
			continue
		}

		var toSet map[string]variant.Variant
		var toStrip []string
		resolvedProp := make(map[string]bool)

		// Path-based references resolve first and take priority; legacy
		// specified-id references only apply to properties path-based
		// resolution left untouched this round.
		for _, legacyPass := range []bool{false, true} {
			for attrName, v := range attrsVariant.Attrs {
				prop, legacy, isRef := parseRefAttr(attrName)
				if !isRef || legacy != legacyPass || v.Kind != variant.KindString {
					continue
				}
				if legacyPass && resolvedProp[prop] {
					continue
				}

				var targets []tree.InstanceId
				if legacy {
					targets, _ = t.SpecifiedIdIndex(v.String)
				} else {
					targets = pathIndex[v.String]
				}

				switch len(targets) {
				case 0:
					continue // leave as null handle; may resolve later
				case 1:
					if toSet == nil {
						toSet = make(map[string]variant.Variant)
					}
					toSet[prop] = variant.FromRef(string(targets[0]))
					toStrip = append(toStrip, attrName)
					resolvedProp[prop] = true
				default:
					ambiguous = append(ambiguous, AmbiguousReference{Instance: id, Property: prop, Path: v.String})
					if toSet == nil {
						toSet = make(map[string]variant.Variant)
					}
					toSet[prop] = variant.NullRef()
					toStrip = append(toStrip, attrName)
					resolvedProp[prop] = true
				}
			}
		}

		if len(toSet) == 0 {
			continue
		}
		t.Update(id, func(i *tree.Instance) {
			for prop, v := range toSet {
				i.Properties[prop] = v
			}
			remaining := make(map[string]variant.Variant, len(attrsVariant.Attrs))
			for k, v := range attrsVariant.Attrs {
				remaining[k] = v
			}
			for _, k := range toStrip {
				delete(remaining, k)
			}
			i.Properties["Attributes"] = variant.FromAttrs(remaining)
		})
	}

	return ambiguous
}

// AmbiguousReference reports a reference whose target path or specified id
// matched more than one instance: falls
// back to a null handle plus this diagnostic rather than picking one
// arbitrarily.
type AmbiguousReference struct {
	Instance tree.InstanceId
	Property string
	Path     string
}

// parseRefAttr splits a `Rojo_Ref_Value`/`Rojo_Target_Value`-shaped
// attribute name into the property it rehydrates and reports which
// resolution mechanism applies.
func parseRefAttr(attrName string) (prop string, legacy bool, ok bool) {
	if strings.HasPrefix(attrName, PathRefPrefix) {
		return strings.TrimPrefix(attrName, PathRefPrefix), false, true
	}
	if strings.HasPrefix(attrName, TargetRefPrefix) {
		return strings.TrimPrefix(attrName, TargetRefPrefix), true, true
	}
	return "", false, false
}

// buildPathIndex computes the filesystem-name-joined path (dot-separated
// ancestor names, e.g. "Workspace.Props.Crate") for every
// instance currently in the tree.
func buildPathIndex(t *tree.Tree) map[string][]tree.InstanceId {
	return BuildPathIndex(t)
}

// BuildPathIndex computes the filesystem-name-joined path for every
// instance in t, keyed the same way reference attributes encode targets.
// Exported so syncback's reference-linking pass can reuse the exact same
// join rule that resolution uses.
func BuildPathIndex(t *tree.Tree) map[string][]tree.InstanceId {
	index := make(map[string][]tree.InstanceId)
	var walk func(id tree.InstanceId, prefix string)
	walk = func(id tree.InstanceId, prefix string) {
		for _, childId := range t.Children(id) {
			child, ok := t.Get(childId)
			if !ok {
				continue
			}
			p := child.Name
			if prefix != "" {
				p = prefix + "." + child.Name
			}
			index[p] = append(index[p], childId)
			walk(childId, p)
		}
	}
	walk(tree.Root, "")
	return index
}

// ReversePathIndex inverts BuildPathIndex's result into instance id ->
// joined path, for instances whose path is unambiguous.
func ReversePathIndex(byPath map[string][]tree.InstanceId) map[tree.InstanceId]string {
	out := make(map[tree.InstanceId]string)
	for p, ids := range byPath {
		if len(ids) == 1 {
			out[ids[0]] = p
		}
	}
	return out
}
