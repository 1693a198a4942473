package snapshot

import (
	"path"
	"strings"

	"github.com/jra3/rbxsync/internal/variant"
)

// CSVMiddleware represents a ".csv" file as a LocalizationTable whose
// Contents property holds the raw CSV text verbatim: no
// parsing, no reformatting, so round-tripping is always byte-identical.
type CSVMiddleware struct{}

func (CSVMiddleware) Kind() string { return "csv" }

func (CSVMiddleware) Matches(p string, siblings []DirEntry, ctx *Context) bool {
	return strings.HasSuffix(p, ".csv")
}

func (CSVMiddleware) Snapshot(p string, vfs VFSReader, ctx *Context) (*Snapshot, error) {
	data, err := vfs.ReadFile(p)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{
		ClassName: "LocalizationTable",
		Name:      StripDedupSuffix(strings.TrimSuffix(path.Base(p), ".csv")),
		Properties: map[string]variant.Variant{
			"Contents": variant.FromString(string(data)),
		},
		SourcePath: p,
	}
	applyAdjacentMeta(s, p, vfs)
	return s, nil
}

func (CSVMiddleware) Syncback(inst SourceNode, name string, ctx *Context) (FsSnapshot, error) {
	var out FsSnapshot
	contents := ""
	if v, ok := inst.Properties()["Contents"]; ok && v.Kind == variant.KindString {
		contents = v.String
	}
	out.AddedFiles = append(out.AddedFiles, FileAdd{Path: name + ".csv", Data: []byte(contents)})
	if meta := buildMetaFile(inst, csvMetaFilter); meta != nil {
		data, err := RenderMetaFile(meta)
		if err != nil {
			return out, err
		}
		out.AddedFiles = append(out.AddedFiles, FileAdd{Path: name + ".meta.yaml", Data: data})
	}
	return out, nil
}

func csvMetaFilter(className, prop string) bool {
	return prop != "Contents" && !staticallySkipped(prop)
}
