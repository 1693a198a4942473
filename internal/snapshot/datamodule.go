package snapshot

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jra3/rbxsync/internal/variant"
)

// DataModuleMiddleware represents a plain data file (".json"/".toml"/
// ".yaml"/".yml") as a Configuration instance whose top-level keys become
// Attributes. The codec is chosen by extension; round-tripping re-encodes
// with the same codec rather than preserving original formatting.
type DataModuleMiddleware struct{}

func (DataModuleMiddleware) Kind() string { return "datamodule" }

func (DataModuleMiddleware) Matches(p string, siblings []DirEntry, ctx *Context) bool {
	switch extOf(p) {
	case "json", "toml", "yaml", "yml":
		return true
	default:
		return false
	}
}

func (DataModuleMiddleware) Snapshot(p string, vfs VFSReader, ctx *Context) (*Snapshot, error) {
	data, err := vfs.ReadFile(p)
	if err != nil {
		return nil, err
	}

	values, err := decodeDataModule(extOf(p), data)
	if err != nil {
		return nil, err
	}

	attrs := make(map[string]variant.Variant, len(values))
	for k, v := range values {
		attrs[k] = anyToVariant(v)
	}

	s := &Snapshot{
		ClassName: "Configuration",
		Name:      StripDedupSuffix(strings.TrimSuffix(path.Base(p), "."+extOf(p))),
		Properties: map[string]variant.Variant{
			"Attributes": variant.FromAttrs(attrs),
		},
		SourcePath: p,
	}
	applyAdjacentMeta(s, p, vfs)
	return s, nil
}

func decodeDataModule(ext string, data []byte) (map[string]any, error) {
	values := make(map[string]any)
	if len(data) == 0 {
		return values, nil
	}
	switch ext {
	case "json":
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, err
		}
	case "toml":
		if err := toml.Unmarshal(data, &values); err != nil {
			return nil, err
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &values); err != nil {
			return nil, err
		}
	}
	return values, nil
}

func encodeDataModule(ext string, values map[string]any) ([]byte, error) {
	switch ext {
	case "json":
		return json.MarshalIndent(values, "", "  ")
	case "toml":
		var buf strings.Builder
		if err := toml.NewEncoder(&buf).Encode(values); err != nil {
			return nil, err
		}
		return []byte(buf.String()), nil
	default:
		return yaml.Marshal(values)
	}
}

func (DataModuleMiddleware) Syncback(inst SourceNode, name string, ctx *Context) (FsSnapshot, error) {
	var out FsSnapshot
	values := make(map[string]any)
	if v, ok := inst.Properties()["Attributes"]; ok && v.Kind == variant.KindAttributes {
		for k, attr := range v.Attrs {
			values[k] = variantToAny(attr)
		}
	}

	ext := "json"
	data, err := encodeDataModule(ext, values)
	if err != nil {
		return out, err
	}
	out.AddedFiles = append(out.AddedFiles, FileAdd{Path: name + "." + ext, Data: data})

	// Attributes live in the data file itself; the sidecar only carries a
	// name override when the disk name can't encode the real one.
	if Slugify(inst.Name()) != inst.Name() || StripDedupSuffix(inst.Name()) != inst.Name() {
		metaData, err := RenderMetaFile(&MetaFile{Name: inst.Name()})
		if err != nil {
			return out, err
		}
		out.AddedFiles = append(out.AddedFiles, FileAdd{Path: name + ".meta.yaml", Data: metaData})
	}
	return out, nil
}
