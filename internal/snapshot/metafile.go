package snapshot

import (
	"gopkg.in/yaml.v3"

	"github.com/jra3/rbxsync/internal/variant"
)

// MetaFile is the structured layout shared by init-meta and adjacent meta
// files: `{ name?, className?, id?, properties?, attributes? }`. YAML is
// the on-disk encoding.
type MetaFile struct {
	Name       string         `yaml:"name,omitempty"`
	ClassName  string         `yaml:"className,omitempty"`
	Id         string         `yaml:"id,omitempty"`
	Properties map[string]any `yaml:"properties,omitempty"`
	Attributes map[string]any `yaml:"attributes,omitempty"`
}

// ParseMetaFile decodes a meta file's bytes. Malformed input is reported
// as an error, not panicked: callers skip the file without a diagnostic
// rather than aborting surrounding work.
func ParseMetaFile(data []byte) (*MetaFile, error) {
	var m MetaFile
	if len(data) == 0 {
		return &m, nil
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RenderMetaFile encodes a meta file deterministically: map key order is
// sorted by yaml.v3's default encoder, so repeated renders of the same
// MetaFile are byte-identical.
func RenderMetaFile(m *MetaFile) ([]byte, error) {
	return yaml.Marshal(m)
}

// applyMetaToSnapshot overlays a parsed meta file onto a Snapshot under
// construction: name/className/id overrides plus property/attribute
// merges.
func applyMetaToSnapshot(s *Snapshot, m *MetaFile) {
	if m == nil {
		return
	}
	if m.Name != "" {
		s.Name = m.Name
	}
	if m.ClassName != "" {
		s.ClassName = m.ClassName
	}
	if m.Id != "" {
		s.SpecifiedId = m.Id
	}
	if s.Properties == nil {
		s.Properties = make(map[string]variant.Variant)
	}
	for k, v := range m.Properties {
		s.Properties[k] = anyToVariant(v)
	}
	if len(m.Attributes) > 0 {
		attrs := make(map[string]variant.Variant, len(m.Attributes))
		for k, v := range m.Attributes {
			attrs[k] = anyToVariant(v)
		}
		s.Properties["Attributes"] = variant.FromAttrs(attrs)
	}
}

// anyToVariant converts a YAML-decoded value (string/int/float/bool/slice)
// into a Variant. Compound geometric types aren't representable in plain
// YAML scalars and are expected to arrive pre-typed via other middlewares;
// this handles the common meta/attribute scalar cases.
func anyToVariant(v any) variant.Variant {
	switch t := v.(type) {
	case nil:
		return variant.Nil()
	case bool:
		return variant.FromBool(t)
	case int:
		return variant.FromInt(int64(t))
	case int64:
		return variant.FromInt(t)
	case float64:
		return variant.FromFloat(t)
	case string:
		return variant.FromString(t)
	case []any:
		tags := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				tags = append(tags, s)
			}
		}
		return variant.FromTags(tags)
	case map[string]any:
		attrs := make(map[string]variant.Variant, len(t))
		for k, v := range t {
			attrs[k] = anyToVariant(v)
		}
		return variant.FromAttrs(attrs)
	default:
		return variant.Nil()
	}
}

// applyAdjacentMeta overlays `{stem}.meta.yaml` onto s when one sits next
// to the source file at p. Single-file formats keep their name and
// attribute overrides in this sidecar.
func applyAdjacentMeta(s *Snapshot, p string, vfs VFSReader) {
	metaPath := StemOf(p) + ".meta.yaml"
	if data, err := vfs.ReadFile(metaPath); err == nil {
		if m, perr := ParseMetaFile(data); perr == nil {
			applyMetaToSnapshot(s, m)
		}
	}
}

// buildMetaFile assembles a MetaFile from a live instance's properties,
// persisting only what the reflection database marks as serializing
// (callers that don't have a reflection.Database pass nil and get
// everything except the static skip-list, which is still applied).
// Returns nil when there is nothing worth writing (name needs no
// override and there are no properties/attributes), matching syncback's
// idempotence requirement.
func buildMetaFile(inst SourceNode, shouldPersist func(className, prop string) bool) *MetaFile {
	m := &MetaFile{}
	if Slugify(inst.Name()) != inst.Name() || StripDedupSuffix(inst.Name()) != inst.Name() {
		m.Name = inst.Name()
	}

	props := make(map[string]any)
	for k, v := range inst.Properties() {
		if k == "Attributes" || k == "Tags" {
			continue
		}
		if shouldPersist != nil && !shouldPersist(inst.ClassName(), k) {
			continue
		}
		if shouldPersist == nil && staticallySkipped(k) {
			continue
		}
		if rendered := variantToAny(v); rendered != nil {
			props[k] = rendered
		}
	}
	if len(props) > 0 {
		m.Properties = props
	}

	if attrsVariant, ok := inst.Properties()["Attributes"]; ok && attrsVariant.Kind == variant.KindAttributes {
		attrs := make(map[string]any, len(attrsVariant.Attrs))
		for k, v := range attrsVariant.Attrs {
			attrs[k] = variantToAny(v)
		}
		if len(attrs) > 0 {
			m.Attributes = attrs
		}
	}

	if m.Name == "" && m.Properties == nil && m.Attributes == nil && m.ClassName == "" && m.Id == "" {
		return nil
	}
	return m
}

func staticallySkipped(prop string) bool {
	switch prop {
	case "Name", "Parent", "SourceAssetId":
		return true
	default:
		return false
	}
}

// variantToAny converts a Variant back into a plain value suitable for
// yaml.Marshal, the inverse of anyToVariant, used by syncback.
func variantToAny(v variant.Variant) any {
	switch v.Kind {
	case variant.KindBool:
		return v.Bool
	case variant.KindInt:
		return v.Int
	case variant.KindFloat:
		return v.Float
	case variant.KindString:
		return v.String
	case variant.KindTags:
		out := make([]any, len(v.Tags))
		for i, t := range v.Tags {
			out[i] = t
		}
		return out
	case variant.KindAttributes:
		out := make(map[string]any, len(v.Attrs))
		for k, attr := range v.Attrs {
			out[k] = variantToAny(attr)
		}
		return out
	default:
		return nil
	}
}
