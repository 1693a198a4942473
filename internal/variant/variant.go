// Package variant implements the closed Variant sum type used for
// instance property values, plus the fuzzy equality rules shared by the
// matching engine and patch compute.
package variant

import (
	"math"
	"sort"
)

// Kind identifies which alternative of the Variant sum type is populated.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBinary
	KindVector3
	KindCFrame
	KindUDim
	KindUDim2
	KindColor3
	KindEnum
	KindTags
	KindAttributes
	KindRef
)

// Vector3 is a three-component geometric value.
type Vector3 struct{ X, Y, Z float64 }

// CFrame is position plus a 3x3 rotation matrix, compared component-wise.
type CFrame struct {
	Position Vector3
	Rotation [9]float64
}

// UDim is a single scale/offset pair.
type UDim struct {
	Scale  float64
	Offset float64
}

// UDim2 is a pair of UDims (X and Y).
type UDim2 struct{ X, Y UDim }

// Color3 is an RGB color with float channels.
type Color3 struct{ R, G, B float64 }

// RefHandle is a reference property value. A RefHandle with Null set is
// the sentinel null handle: a real value, distinct from "no change".
type RefHandle struct {
	// Target is the opaque live InstanceId the reference resolves to, as a
	// string so this package has no dependency on the tree package.
	Target string
	Null   bool
}

// Variant is a closed sum type. Exactly one of the typed fields is
// meaningful, selected by Kind. It is deliberately a value type (no
// interfaces) so equality and fuzzy-comparison can be total functions.
type Variant struct {
	Kind Kind

	Bool    bool
	Int     int64
	Float   float64
	String  string
	Binary  []byte
	Vector3 Vector3
	CFrame  CFrame
	UDim    UDim
	UDim2   UDim2
	Color3  Color3
	Enum    int64
	Tags    []string
	Attrs   map[string]Variant
	Ref     RefHandle
}

func Nil() Variant                 { return Variant{Kind: KindNil} }
func FromBool(b bool) Variant      { return Variant{Kind: KindBool, Bool: b} }
func FromInt(i int64) Variant      { return Variant{Kind: KindInt, Int: i} }
func FromFloat(f float64) Variant  { return Variant{Kind: KindFloat, Float: f} }
func FromString(s string) Variant  { return Variant{Kind: KindString, String: s} }
func FromBinary(b []byte) Variant  { return Variant{Kind: KindBinary, Binary: b} }
func FromVector3(v Vector3) Variant { return Variant{Kind: KindVector3, Vector3: v} }
func FromCFrame(c CFrame) Variant   { return Variant{Kind: KindCFrame, CFrame: c} }
func FromUDim(u UDim) Variant       { return Variant{Kind: KindUDim, UDim: u} }
func FromUDim2(u UDim2) Variant     { return Variant{Kind: KindUDim2, UDim2: u} }
func FromColor3(c Color3) Variant   { return Variant{Kind: KindColor3, Color3: c} }
func FromEnum(e int64) Variant      { return Variant{Kind: KindEnum, Enum: e} }
func FromTags(t []string) Variant   { return Variant{Kind: KindTags, Tags: t} }
func FromAttrs(a map[string]Variant) Variant {
	return Variant{Kind: KindAttributes, Attrs: a}
}
func FromRef(target string) Variant { return Variant{Kind: KindRef, Ref: RefHandle{Target: target}} }
func NullRef() Variant              { return Variant{Kind: KindRef, Ref: RefHandle{Null: true}} }

// Tolerance is the fuzzy-equality tolerance for floating point and
// compound-geometric comparisons.
const Tolerance = 1e-4

// Equal implements the matching engine's property-equality rule: NaN
// equals NaN here, unlike IEEE 754 equality. This function is the single
// point of truth shared by patch compute and every matching-engine call
// site, so the two can never disagree on whether a property changed.
func Equal(a, b Variant) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNil:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindInt:
		return a.Int == b.Int
	case KindFloat:
		return floatEqual(a.Float, b.Float)
	case KindString:
		return a.String == b.String
	case KindBinary:
		return bytesEqual(a.Binary, b.Binary)
	case KindVector3:
		return vector3Equal(a.Vector3, b.Vector3)
	case KindCFrame:
		return cframeEqual(a.CFrame, b.CFrame)
	case KindUDim:
		return udimEqual(a.UDim, b.UDim)
	case KindUDim2:
		return udimEqual(a.UDim2.X, b.UDim2.X) && udimEqual(a.UDim2.Y, b.UDim2.Y)
	case KindColor3:
		return floatEqual(a.Color3.R, b.Color3.R) &&
			floatEqual(a.Color3.G, b.Color3.G) &&
			floatEqual(a.Color3.B, b.Color3.B)
	case KindEnum:
		return a.Enum == b.Enum
	case KindTags:
		return tagsEqual(a.Tags, b.Tags)
	case KindAttributes:
		return attrsEqual(a.Attrs, b.Attrs)
	case KindRef:
		if a.Ref.Null || b.Ref.Null {
			return a.Ref.Null == b.Ref.Null
		}
		return a.Ref.Target == b.Ref.Target
	default:
		return false
	}
}

// floatEqual applies the tolerance rule and treats NaN as equal to NaN.
func floatEqual(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	if math.IsNaN(a) || math.IsNaN(b) {
		return false
	}
	return math.Abs(a-b) <= Tolerance
}

func vector3Equal(a, b Vector3) bool {
	return floatEqual(a.X, b.X) && floatEqual(a.Y, b.Y) && floatEqual(a.Z, b.Z)
}

func cframeEqual(a, b CFrame) bool {
	if !vector3Equal(a.Position, b.Position) {
		return false
	}
	for i := range a.Rotation {
		if !floatEqual(a.Rotation[i], b.Rotation[i]) {
			return false
		}
	}
	return true
}

func udimEqual(a, b UDim) bool {
	return floatEqual(a.Scale, b.Scale) && floatEqual(a.Offset, b.Offset)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func tagsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := append([]string(nil), a...), append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func attrsEqual(a, b map[string]Variant) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}
