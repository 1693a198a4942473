package reflection

// Default returns a database pre-populated with the closed set of classes
// the rest of this repo's middlewares and tests exercise: the instance
// hierarchy root, folders, the script family, value objects used for
// reference-resolution scenarios, and a generic fallback. A production
// deployment would register the full Roblox reflection metadata at
// startup from the host; this default is the built-in minimum the sync
// engine needs to function standalone and in tests.
func Default() *Database {
	d := New()

	d.Register(ClassInfo{
		Name:       "Instance",
		Superclass: "",
		Properties: map[string]PropertyInfo{
			"Name":       {CanonicalName: "Name", Type: TypeString, Serializes: true, Scriptable: true},
			"Tags":       {CanonicalName: "Tags", Type: TypeTags, Serializes: true, Scriptable: true},
			"Attributes": {CanonicalName: "Attributes", Type: TypeAttributes, Serializes: true, Scriptable: true},
		},
	})

	d.Register(ClassInfo{
		Name:       "Folder",
		Superclass: "Instance",
		Properties: map[string]PropertyInfo{},
	})

	for _, scriptClass := range []string{"Script", "LocalScript", "ModuleScript"} {
		d.Register(ClassInfo{
			Name:       scriptClass,
			Superclass: "Instance",
			Properties: map[string]PropertyInfo{
				"Source": {CanonicalName: "Source", Type: TypeString, Serializes: true, Scriptable: false},
				"Disabled": {CanonicalName: "Disabled", Type: TypeBool, Default: false,
					Serializes: true, Scriptable: true},
			},
		})
	}

	d.Register(ClassInfo{
		Name:       "ObjectValue",
		Superclass: "Instance",
		Properties: map[string]PropertyInfo{
			"Value": {CanonicalName: "Value", Type: TypeRef, Serializes: true, Scriptable: true},
		},
	})

	d.Register(ClassInfo{
		Name:       "StringValue",
		Superclass: "Instance",
		Properties: map[string]PropertyInfo{
			"Value": {CanonicalName: "Value", Type: TypeString, Default: "", Serializes: true, Scriptable: true},
		},
	})

	d.Register(ClassInfo{
		Name:       "NumberValue",
		Superclass: "Instance",
		Properties: map[string]PropertyInfo{
			"Value": {CanonicalName: "Value", Type: TypeFloat, Default: 0.0, Serializes: true, Scriptable: true},
		},
	})

	d.Register(ClassInfo{
		Name:       "Part",
		Superclass: "Instance",
		Properties: map[string]PropertyInfo{
			"Position": {CanonicalName: "Position", Type: TypeVector3, Serializes: true, Scriptable: true},
			"CFrame":   {CanonicalName: "CFrame", Type: TypeCFrame, Serializes: true, Scriptable: true},
			"Size":     {CanonicalName: "Size", Type: TypeVector3, Serializes: true, Scriptable: true},
			"Color":    {CanonicalName: "Color", Type: TypeColor3, Serializes: true, Scriptable: true},
			"Anchored": {CanonicalName: "Anchored", Type: TypeBool, Default: false, Serializes: true, Scriptable: true},

			// SourceAssetId is a reflection-visible but never-persisted
			// internal, exercising the skippedProperties exclusion list
			// even though it "serializes" per the reflection entry.
			"SourceAssetId": {CanonicalName: "SourceAssetId", Type: TypeInt, Serializes: true, Scriptable: false},
		},
	})

	return d
}

// ScriptClasses is the closed set of run-context classes whose file kind is
// the "script" middleware. ModuleScript has no run-context
// suffix in file names; Script/LocalScript use .server/.client.
var ScriptClasses = map[string]bool{
	"Script":       true,
	"LocalScript":  true,
	"ModuleScript": true,
}

// RunContextSuffix returns the file-name run-context suffix for a script
// class: "server"/"client" for Script/LocalScript, ""
// (module form has no suffix) for ModuleScript.
func RunContextSuffix(className string) string {
	switch className {
	case "Script":
		return "server"
	case "LocalScript":
		return "client"
	default:
		return ""
	}
}
