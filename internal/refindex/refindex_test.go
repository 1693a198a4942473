package refindex

import "testing"

func TestAffectedByRenameRewritesDescendantPaths(t *testing.T) {
	t.Parallel()
	ix := New()
	ix.Set("src/Value.model.json", []Entry{{Attribute: "Rojo_Ref_Value", TargetPath: "Workspace.Props.Crate"}})

	affected := ix.AffectedByRename("Workspace.Props.Crate", "Workspace.Props.Crate_Large")
	entries, ok := affected["src/Value.model.json"]
	if !ok {
		t.Fatalf("expected src/Value.model.json to be affected by the rename")
	}
	if entries[0].TargetPath != "Workspace.Props.Crate_Large" {
		t.Fatalf("expected rewritten path, got %q", entries[0].TargetPath)
	}

	// index itself must reflect the rewrite for subsequent renames.
	got := ix.Entries("src/Value.model.json")
	if got[0].TargetPath != "Workspace.Props.Crate_Large" {
		t.Fatalf("index not updated in place: %+v", got)
	}
}

func TestAffectedByRenameIgnoresUnrelatedSiblingPrefix(t *testing.T) {
	t.Parallel()
	ix := New()
	ix.Set("src/Value.model.json", []Entry{{Attribute: "Rojo_Ref_Value", TargetPath: "Workspace.PropsShelf"}})

	affected := ix.AffectedByRename("Workspace.Props", "Workspace.PropsNew")
	if len(affected) != 0 {
		t.Fatalf("expected no match for a non-dotted prefix collision, got %+v", affected)
	}
}

func TestSetReplacesPriorEntries(t *testing.T) {
	t.Parallel()
	ix := New()
	ix.Set("a", []Entry{{Attribute: "Rojo_Ref_X", TargetPath: "A.B"}})
	ix.Set("a", []Entry{{Attribute: "Rojo_Ref_Y", TargetPath: "A.C"}})
	got := ix.Entries("a")
	if len(got) != 1 || got[0].Attribute != "Rojo_Ref_Y" {
		t.Fatalf("expected Set to replace, got %+v", got)
	}
}
