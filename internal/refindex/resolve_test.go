package refindex

import (
	"testing"

	"github.com/jra3/rbxsync/internal/tree"
	"github.com/jra3/rbxsync/internal/variant"
)

func insertChild(t *testing.T, tr *tree.Tree, parent tree.InstanceId, name, class string, props map[string]variant.Variant) tree.InstanceId {
	t.Helper()
	id := tree.NewInstanceId()
	tr.Insert(tree.Instance{Id: id, Name: name, ClassName: class, Properties: props}, parent)
	return id
}

func TestResolvePathBasedReference(t *testing.T) {
	t.Parallel()
	tr := tree.New()
	workspace := insertChild(t, tr, tree.Root, "Workspace", "Folder", nil)
	props := insertChild(t, tr, workspace, "Props", "Folder", nil)
	crate := insertChild(t, tr, props, "Crate", "Part", nil)

	holder := insertChild(t, tr, tree.Root, "Holder", "ObjectValue", map[string]variant.Variant{
		"Value": variant.NullRef(),
		"Attributes": variant.FromAttrs(map[string]variant.Variant{
			"Rojo_Ref_Value": variant.FromString("Workspace.Props.Crate"),
		}),
	})

	ambiguous := Resolve(tr, []tree.InstanceId{holder})
	if len(ambiguous) != 0 {
		t.Fatalf("expected no ambiguity, got %+v", ambiguous)
	}

	inst, _ := tr.Get(holder)
	if inst.Properties["Value"].Ref.Target != string(crate) {
		t.Fatalf("expected Value to resolve to %q, got %+v", crate, inst.Properties["Value"])
	}
	attrs := inst.Properties["Attributes"]
	if _, stillThere := attrs.Attrs["Rojo_Ref_Value"]; stillThere {
		t.Fatalf("expected helper attribute to be stripped after resolution")
	}
}

func TestResolveLeavesUnresolvedAsNullHandle(t *testing.T) {
	t.Parallel()
	tr := tree.New()
	holder := insertChild(t, tr, tree.Root, "Holder", "ObjectValue", map[string]variant.Variant{
		"Value": variant.NullRef(),
		"Attributes": variant.FromAttrs(map[string]variant.Variant{
			"Rojo_Ref_Value": variant.FromString("Workspace.DoesNotExist"),
		}),
	})

	Resolve(tr, []tree.InstanceId{holder})

	inst, _ := tr.Get(holder)
	if !inst.Properties["Value"].Ref.Null {
		t.Fatalf("expected Value to remain the null handle, got %+v", inst.Properties["Value"])
	}
	if _, stillThere := inst.Properties["Attributes"].Attrs["Rojo_Ref_Value"]; !stillThere {
		t.Fatalf("unresolved reference attribute should be left in place for a later retry")
	}
}

func TestResolvePathBasedTakesPriorityOverLegacy(t *testing.T) {
	t.Parallel()
	tr := tree.New()
	pathTarget := insertChild(t, tr, tree.Root, "ByPath", "Part", nil)
	legacyTarget := insertChild(t, tr, tree.Root, "ById", "Part", map[string]variant.Variant{})
	tr.Update(legacyTarget, func(i *tree.Instance) { i.Metadata.SpecifiedId = "legacy-id" })

	holder := insertChild(t, tr, tree.Root, "Holder", "ObjectValue", map[string]variant.Variant{
		"Value": variant.NullRef(),
		"Attributes": variant.FromAttrs(map[string]variant.Variant{
			"Rojo_Ref_Value":    variant.FromString("ByPath"),
			"Rojo_Target_Value": variant.FromString("legacy-id"),
		}),
	})

	Resolve(tr, []tree.InstanceId{holder})

	inst, _ := tr.Get(holder)
	if inst.Properties["Value"].Ref.Target != string(pathTarget) {
		t.Fatalf("expected path-based resolution to win, got target %q want %q", inst.Properties["Value"].Ref.Target, pathTarget)
	}
}
