// Package reflection holds the static, read-only reflection database:
// the class name -> property set table. It is immutable after load.
package reflection

import "sync"

// DataType enumerates the property data types the database can describe.
// It mirrors variant.Kind but is kept separate: the reflection database
// describes the *schema*, not instance values.
type DataType uint8

const (
	TypeUnknown DataType = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeBinary
	TypeVector3
	TypeCFrame
	TypeUDim
	TypeUDim2
	TypeColor3
	TypeEnum
	TypeTags
	TypeAttributes
	TypeRef
)

// PropertyInfo describes one property of a class.
type PropertyInfo struct {
	CanonicalName string
	Type          DataType
	Default       any
	Serializes    bool
	Scriptable    bool
}

// ClassInfo describes one class in the reflection database.
type ClassInfo struct {
	Name       string
	Superclass string
	Properties map[string]PropertyInfo
}

// Database is the closed, read-only class->property table. The zero value
// is not usable; construct with New or Default.
type Database struct {
	mu      sync.RWMutex
	classes map[string]ClassInfo
}

// New returns an empty database; callers populate it via Register before
// any concurrent reads occur, then treat it as immutable.
func New() *Database {
	return &Database{classes: make(map[string]ClassInfo)}
}

// Register adds or replaces a class definition. Intended to be called only
// during startup/construction, never after the database is shared across
// goroutines.
func (d *Database) Register(info ClassInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.classes[info.Name] = info
}

// Class looks up a class by name. Unknown classes return ok=false;
// callers decide whether that is worth a diagnostic.
func (d *Database) Class(name string) (ClassInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.classes[name]
	return c, ok
}

// Property resolves a property by walking the class's superclass chain,
// so inherited properties resolve the same as declared ones.
func (d *Database) Property(className, propName string) (PropertyInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[string]bool)
	for className != "" && !seen[className] {
		seen[className] = true
		c, ok := d.classes[className]
		if !ok {
			return PropertyInfo{}, false
		}
		if p, ok := c.Properties[propName]; ok {
			return p, true
		}
		className = c.Superclass
	}
	return PropertyInfo{}, false
}

// CanonicalProperties returns the full set of canonical property names for
// a class, including inherited ones, used by patch compute to enumerate
// "each property under the reflection's canonical list".
func (d *Database) CanonicalProperties(className string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[string]bool)
	var names []string
	cur := className
	guard := make(map[string]bool)
	for cur != "" && !guard[cur] {
		guard[cur] = true
		c, ok := d.classes[cur]
		if !ok {
			break
		}
		for name := range c.Properties {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
		cur = c.Superclass
	}
	return names
}

// skippedProperties is the small static exclusion list referenced by
// syncback's property-routing contract: internals that never
// get written to disk even when the reflection database marks them
// serializing (e.g. asset ids the API assigns).
var skippedProperties = map[string]bool{
	"SourceAssetId": true,
	"Name":          true,
	"Parent":        true,
}

// ShouldPersist reports whether a property should be written to disk by
// syncback: it must exist, serialize, and not be in the static exclusion
// list.
func (d *Database) ShouldPersist(className, propName string) bool {
	if skippedProperties[propName] {
		return false
	}
	info, ok := d.Property(className, propName)
	if !ok {
		return false
	}
	return info.Serializes
}
