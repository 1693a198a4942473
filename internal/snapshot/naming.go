package snapshot

import (
	"fmt"
	"path"
	"strings"
)

// illegalChars is the closed set of filesystem-illegal characters slugify
// substitutes.
const illegalChars = `/\:?*<>|"`

// Slugify substitutes every filesystem-illegal character (and control
// characters) with `_`.
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(illegalChars, r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Dedup appends `~N` starting at N=2 until slug is unique against taken.
// taken is seeded from the filesystem children already written in this
// syncback pass, not from instance names.
func Dedup(slug string, taken map[string]bool) string {
	if !taken[slug] {
		return slug
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s~%d", slug, n)
		if !taken[candidate] {
			return candidate
		}
	}
}

// StripDedupSuffix removes a trailing `~N` suffix, restoring the original
// name at re-snapshot time.
func StripDedupSuffix(name string) string {
	idx := strings.LastIndex(name, "~")
	if idx == -1 || idx == len(name)-1 {
		return name
	}
	suffix := name[idx+1:]
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return name
		}
	}
	return name[:idx]
}

// formSuffixes are the compound file suffixes a single-file instance
// rendition can carry. Treated as one unit when deriving the on-disk stem
// from a source path.
var formSuffixes = []string{
	".server.luau", ".client.luau", ".server.lua", ".client.lua",
	".meta.yaml", ".model.json", ".project.json",
	".luau", ".lua", ".txt", ".csv", ".json", ".toml", ".yaml", ".yml",
}

// StemOf strips one compound file suffix from a source path, yielding the
// destination stem syncback writes under. Directory paths come back
// unchanged.
func StemOf(p string) string {
	base := path.Base(p)
	for _, suf := range formSuffixes {
		if strings.HasSuffix(base, suf) && len(base) > len(suf) {
			return p[:len(p)-len(suf)]
		}
	}
	return p
}

// StemCandidates lists the source paths an instance written under stem
// may carry: the stem itself (directory form) plus each single-file form.
func StemCandidates(stem string) []string {
	out := make([]string, 0, len(formSuffixes)+1)
	out = append(out, stem)
	for _, suf := range formSuffixes {
		out = append(out, stem+suf)
	}
	return out
}

// SelectSyncbackMiddleware implements the syncback form-selection rules:
// script form for script classes, directory form for plain folders or
// instances with children, otherwise the inline model form.
func SelectSyncbackMiddleware(r *Registry, inst SourceNode) Middleware {
	if isScriptClass(inst.ClassName()) {
		return r.ByKind("script")
	}
	if inst.ClassName() == "Folder" {
		return r.ByKind("directory")
	}
	if len(inst.Children()) > 0 {
		return r.ByKind("directory")
	}
	return r.ByKind("modelfile")
}

func isScriptClass(className string) bool {
	switch className {
	case "Script", "LocalScript", "ModuleScript":
		return true
	default:
		return false
	}
}

// scriptExtFor returns the stable extension used for Lua source files.
func scriptExtFor() string { return "luau" }
