package snapshot

import (
	"path"
	"strings"

	"github.com/jra3/rbxsync/internal/variant"
)

// TextMiddleware is the fallback codec for any file extension not claimed
// by a more specific middleware: plain text content on a StringValue.
type TextMiddleware struct{}

func (TextMiddleware) Kind() string { return "text" }

func (TextMiddleware) Matches(p string, siblings []DirEntry, ctx *Context) bool {
	return true
}

func (TextMiddleware) Snapshot(p string, vfs VFSReader, ctx *Context) (*Snapshot, error) {
	data, err := vfs.ReadFile(p)
	if err != nil {
		return nil, err
	}
	base := path.Base(p)
	name := base
	if idx := strings.LastIndex(base, "."); idx > 0 {
		name = base[:idx]
	}
	s := &Snapshot{
		ClassName: "StringValue",
		Name:      StripDedupSuffix(name),
		Properties: map[string]variant.Variant{
			"Value": variant.FromString(string(data)),
		},
		SourcePath: p,
	}
	applyAdjacentMeta(s, p, vfs)
	return s, nil
}

func (TextMiddleware) Syncback(inst SourceNode, name string, ctx *Context) (FsSnapshot, error) {
	var out FsSnapshot
	value := ""
	if v, ok := inst.Properties()["Value"]; ok && v.Kind == variant.KindString {
		value = v.String
	}
	out.AddedFiles = append(out.AddedFiles, FileAdd{Path: name + ".txt", Data: []byte(value)})
	if meta := buildMetaFile(inst, textMetaFilter); meta != nil {
		data, err := RenderMetaFile(meta)
		if err != nil {
			return out, err
		}
		out.AddedFiles = append(out.AddedFiles, FileAdd{Path: name + ".meta.yaml", Data: data})
	}
	return out, nil
}

func textMetaFilter(className, prop string) bool {
	return prop != "Value" && !staticallySkipped(prop)
}
