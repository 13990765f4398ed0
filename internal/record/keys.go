package record

// Keys used in meta.json. External tooling reads these documents, so the
// names are fixed.
const (
	KeyBuildID            = "buildid"
	KeyName               = "name"
	KeySummary            = "summary"
	KeyArch               = "arch"
	KeyVersion            = "version"
	KeyTreeCommit         = "tree-commit"
	KeyRef                = "ref"
	KeyImageInputChecksum = "kiln.image-input-checksum"
	KeyConfigChecksum     = "kiln.image-config-checksum"
	KeyGeneration         = "kiln.image-generation"
	KeyTimestamp          = "kiln.build-timestamp"
	KeyImages             = "images"
	KeyConfigGitRev       = "kiln.config-gitrev"
	KeyConfigDirty        = "kiln.config-dirty"
	KeyCodeSource         = "kiln.code-source"
)

// File names inside a build directory.
const (
	MetaFile       = "meta.json"
	CommitMetaFile = "commitmeta.json"
)

// knownKeys are decoded into typed Build fields; everything else lands in
// Build.Extra.
var knownKeys = map[string]bool{
	KeyBuildID:            true,
	KeyName:               true,
	KeySummary:            true,
	KeyArch:               true,
	KeyVersion:            true,
	KeyTreeCommit:         true,
	KeyRef:                true,
	KeyImageInputChecksum: true,
	KeyConfigChecksum:     true,
	KeyGeneration:         true,
	KeyTimestamp:          true,
	KeyImages:             true,
	KeyConfigGitRev:       true,
	KeyConfigDirty:        true,
	KeyCodeSource:         true,
}
