package tree

import (
	"testing"

	"github.com/jra3/rbxsync/internal/variant"
)

func TestInsertAndPathIndexConsistency(t *testing.T) {
	t.Parallel()
	tr := New()

	id := NewInstanceId()
	tr.Insert(Instance{
		Id:        id,
		ClassName: "Folder",
		Name:      "Foo",
		Metadata: Metadata{
			InstigatingSource: InstigatingSource{Kind: SourcePath, Path: "src/Foo"},
		},
	}, Root)

	ids := tr.PathIndex("src/Foo")
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("PathIndex(src/Foo) = %v, want [%v]", ids, id)
	}

	children := tr.Children(Root)
	if len(children) != 1 || children[0] != id {
		t.Fatalf("Children(Root) = %v, want [%v]", children, id)
	}
}

func TestRootChildrenKeepInsertionOrder(t *testing.T) {
	t.Parallel()
	tr := New()

	var want []InstanceId
	for _, name := range []string{"Zeta", "Alpha", "Mid"} {
		id := NewInstanceId()
		tr.Insert(Instance{Id: id, ClassName: "Folder", Name: name}, Root)
		want = append(want, id)
	}

	for run := 0; run < 20; run++ {
		got := tr.Children(Root)
		if len(got) != len(want) {
			t.Fatalf("run %d: Children(Root) = %v, want %v", run, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("run %d: Children(Root)[%d] = %v, want %v", run, i, got[i], want[i])
			}
		}
	}

	tr.Remove(want[1])
	got := tr.Children(Root)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[2] {
		t.Fatalf("Children(Root) after remove = %v, want [%v %v]", got, want[0], want[2])
	}
}

func TestRemoveCascadesToDescendants(t *testing.T) {
	t.Parallel()
	tr := New()

	parent := NewInstanceId()
	tr.Insert(Instance{Id: parent, ClassName: "Folder", Name: "Parent"}, Root)

	child := NewInstanceId()
	tr.Insert(Instance{Id: child, ClassName: "Folder", Name: "Child"}, parent)

	grandchild := NewInstanceId()
	tr.Insert(Instance{Id: grandchild, ClassName: "Folder", Name: "Grandchild"}, child)

	removed := tr.Remove(parent)
	if len(removed) != 3 {
		t.Fatalf("Remove cascaded to %d instances, want 3", len(removed))
	}
	for _, id := range []InstanceId{parent, child, grandchild} {
		if tr.Exists(id) {
			t.Errorf("instance %v still exists after cascade remove", id)
		}
	}
}

func TestSpecifiedIdAmbiguity(t *testing.T) {
	t.Parallel()
	tr := New()

	a := NewInstanceId()
	tr.Insert(Instance{Id: a, ClassName: "Folder", Name: "A", Metadata: Metadata{SpecifiedId: "shared"}}, Root)
	b := NewInstanceId()
	tr.Insert(Instance{Id: b, ClassName: "Folder", Name: "B", Metadata: Metadata{SpecifiedId: "shared"}}, Root)

	ids, err := tr.SpecifiedIdIndex("shared")
	if err == nil {
		t.Fatalf("expected ambiguous specified id error")
	}
	var ambErr *AmbiguousSpecifiedIdError
	if !errorsAs(err, &ambErr) {
		t.Fatalf("expected *AmbiguousSpecifiedIdError, got %T", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ambiguous instances, got %d", len(ids))
	}
}

func errorsAs(err error, target **AmbiguousSpecifiedIdError) bool {
	e, ok := err.(*AmbiguousSpecifiedIdError)
	if !ok {
		return false
	}
	*target = e
	return true
}

func TestUpdatePreservesInstanceIdAndRefreshesIndex(t *testing.T) {
	t.Parallel()
	tr := New()

	id := NewInstanceId()
	tr.Insert(Instance{
		Id:         id,
		ClassName:  "Folder",
		Name:       "Foo",
		Properties: map[string]variant.Variant{},
		Metadata:   Metadata{InstigatingSource: InstigatingSource{Kind: SourcePath, Path: "src/Foo"}},
	}, Root)

	_, ok := tr.Update(id, func(inst *Instance) {
		inst.Metadata.InstigatingSource.Path = "src/Bar"
		inst.Name = "Bar"
	})
	if !ok {
		t.Fatalf("Update reported missing instance")
	}

	if ids := tr.PathIndex("src/Foo"); len(ids) != 0 {
		t.Errorf("old path index entry not cleared: %v", ids)
	}
	if ids := tr.PathIndex("src/Bar"); len(ids) != 1 || ids[0] != id {
		t.Errorf("new path index entry missing: %v", ids)
	}

	got, _ := tr.Get(id)
	if got.Id != id {
		t.Errorf("Update changed the InstanceId: got %v, want %v", got.Id, id)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()
	tr := New()
	id := NewInstanceId()
	tr.Insert(Instance{
		Id:         id,
		ClassName:  "Folder",
		Name:       "Foo",
		Properties: map[string]variant.Variant{"X": variant.FromInt(1)},
	}, Root)

	got, _ := tr.Get(id)
	got.Properties["X"] = variant.FromInt(999)

	got2, _ := tr.Get(id)
	if got2.Properties["X"].Int != 1 {
		t.Errorf("mutating a clone leaked into the tree: %v", got2.Properties["X"])
	}
}
