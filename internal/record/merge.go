package record

import (
	"encoding/json"
	"strings"
	"time"
)

// ProvisionalRefPrefix marks a tree reference the compose step invented for
// a tree that has no stable ref yet.
const ProvisionalRefPrefix = "tmpref-"

// ComposeLayer is the metadata produced by the compose step.
type ComposeLayer struct {
	TreeCommit string
	Version    string
	Ref        string

	// Metadata is the rest of the compose document. It may contain any key,
	// including ones that later layers override.
	Metadata map[string]any
}

// RunLayer is the metadata this run computed for itself.
type RunLayer struct {
	BuildID            string
	Name               string
	Summary            string
	Arch               string
	Generation         int
	ImageInputChecksum string
	ConfigChecksum     string
	Timestamp          time.Time
}

// MergeInput collects every metadata source of a build.
type MergeInput struct {
	Compose    ComposeLayer
	Run        RunLayer
	Artifacts  map[string]Artifact
	Provenance Provenance
	Extra      map[string]any // Externally supplied, applied last
}

// Merge combines metadata sources into one Build.
//
// Layers are applied in this order, later layers replacing keys set by
// earlier ones:
//
//  1. compose output metadata
//  2. run metadata (build id, generation, checksums, timestamp)
//  3. artifact listing
//  4. provenance
//  5. extra metadata
//
// A provisional ref (ProvisionalRefPrefix) is dropped after all layers are
// applied. The result must satisfy Build.Validate, and any known key holding
// a value of the wrong type is an InputError.
func Merge(in MergeInput) (*Build, error) {
	m := make(map[string]any)

	// 1. compose
	for k, v := range in.Compose.Metadata {
		m[k] = v
	}
	setString(m, KeyTreeCommit, in.Compose.TreeCommit)
	setString(m, KeyVersion, in.Compose.Version)
	setString(m, KeyRef, in.Compose.Ref)

	// 2. run
	setString(m, KeyBuildID, in.Run.BuildID)
	setString(m, KeyName, in.Run.Name)
	setString(m, KeySummary, in.Run.Summary)
	setString(m, KeyArch, in.Run.Arch)
	setString(m, KeyImageInputChecksum, in.Run.ImageInputChecksum)
	setString(m, KeyConfigChecksum, in.Run.ConfigChecksum)
	m[KeyGeneration] = in.Run.Generation
	if !in.Run.Timestamp.IsZero() {
		m[KeyTimestamp] = in.Run.Timestamp.UTC().Format(time.RFC3339)
	}

	// 3. artifacts
	images := make(map[string]Artifact, len(in.Artifacts))
	for kind, a := range in.Artifacts {
		images[kind] = a
	}
	m[KeyImages] = images

	// 4. provenance
	setString(m, KeyConfigGitRev, in.Provenance.ConfigRevision)
	setString(m, KeyCodeSource, in.Provenance.CodeSource)
	if in.Provenance.ConfigDirty {
		m[KeyConfigDirty] = "true"
	} else {
		m[KeyConfigDirty] = "false"
	}

	// 5. extra
	for k, v := range in.Extra {
		m[k] = v
	}

	if ref, ok := m[KeyRef].(string); ok && strings.HasPrefix(ref, ProvisionalRefPrefix) {
		delete(m, KeyRef)
	}

	b, err := fromMap(normalizeNumbers(m))
	if err != nil {
		return nil, NewInputError("merge metadata: %v", err)
	}
	if err := b.Validate(); err != nil {
		return nil, NewInputError("merge metadata: %v", err)
	}
	return b, nil
}

func setString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// normalizeNumbers turns float64 values decoded without UseNumber into
// json.Number so integral values keep their integer rendering in Extra.
func normalizeNumbers(m map[string]any) map[string]any {
	for k, v := range m {
		if f, ok := v.(float64); ok {
			data, err := json.Marshal(f)
			if err == nil {
				m[k] = json.Number(data)
			}
		}
	}
	return m
}
