package record

import "fmt"

// Version constants for persisted documents and the tool itself.
const (
	// SchemaVersion is the builds.json schema version.
	SchemaVersion = "1.0.0"
)

// ToolVersion is overridden at link time with -ldflags "-X".
var ToolVersion = "0.1.0-dev"

// CodeSource identifies the kiln binary that produced a build.
func CodeSource() string {
	return fmt.Sprintf("kiln %s", ToolVersion)
}
