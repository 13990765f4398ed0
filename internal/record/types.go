package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Artifact is one generated image file inside a build directory.
type Artifact struct {
	Path   string `json:"path"`   // Relative to the build directory
	SHA256 string `json:"sha256"` // Lowercase hex
	Size   int64  `json:"size"`   // Bytes
}

// Provenance describes where the inputs of a build came from.
type Provenance struct {
	ConfigRevision string // Config repository HEAD, empty outside git
	ConfigDirty    bool   // Uncommitted changes in the config repository
	CodeSource     string // Identifies the kiln binary that produced the build
}

// Build is one committed unit of build output.
//
// A Build is immutable once committed. It serializes to a flat JSON
// document (meta.json) where typed fields use the names in keys.go and
// Extra keys are written at the top level next to them.
type Build struct {
	ID                 string
	Name               string
	Summary            string
	Arch               string
	Version            string // Base version embedded in the tree
	TreeCommit         string
	Ref                string
	ImageInputChecksum string
	ConfigChecksum     string
	Generation         int
	Timestamp          time.Time
	Artifacts          map[string]Artifact // Keyed by image kind
	Provenance         Provenance

	// Extra holds compose and user supplied metadata that has no typed
	// field. Keys never collide with the typed keys.
	Extra map[string]any
}

// Validate checks the fields every committed build must carry.
func (b *Build) Validate() error {
	switch {
	case b.ID == "":
		return fmt.Errorf("missing %s", KeyBuildID)
	case b.TreeCommit == "":
		return fmt.Errorf("missing %s", KeyTreeCommit)
	case b.ImageInputChecksum == "":
		return fmt.Errorf("missing %s", KeyImageInputChecksum)
	case b.ConfigChecksum == "":
		return fmt.Errorf("missing %s", KeyConfigChecksum)
	case b.Generation < 0:
		return fmt.Errorf("negative %s: %d", KeyGeneration, b.Generation)
	}
	return nil
}

// MarshalJSON writes the flat meta.json form.
func (b Build) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.toMap())
}

// UnmarshalJSON reads the flat meta.json form. Numbers in Extra are kept as
// json.Number so large integers survive a round trip.
func (b *Build) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}

	parsed, err := fromMap(m)
	if err != nil {
		return err
	}
	*b = *parsed
	return nil
}

func (b *Build) toMap() map[string]any {
	m := make(map[string]any, len(b.Extra)+len(knownKeys))
	for k, v := range b.Extra {
		if !knownKeys[k] {
			m[k] = v
		}
	}

	m[KeyBuildID] = b.ID
	m[KeyVersion] = b.Version
	m[KeyTreeCommit] = b.TreeCommit
	m[KeyImageInputChecksum] = b.ImageInputChecksum
	m[KeyConfigChecksum] = b.ConfigChecksum
	m[KeyGeneration] = b.Generation
	m[KeyConfigDirty] = strconv.FormatBool(b.Provenance.ConfigDirty)

	if !b.Timestamp.IsZero() {
		m[KeyTimestamp] = b.Timestamp.UTC().Format(time.RFC3339)
	}

	images := make(map[string]Artifact, len(b.Artifacts))
	for kind, a := range b.Artifacts {
		images[kind] = a
	}
	m[KeyImages] = images

	optional := map[string]string{
		KeyName:         b.Name,
		KeySummary:      b.Summary,
		KeyArch:         b.Arch,
		KeyRef:          b.Ref,
		KeyConfigGitRev: b.Provenance.ConfigRevision,
		KeyCodeSource:   b.Provenance.CodeSource,
	}
	for k, v := range optional {
		if v != "" {
			m[k] = v
		}
	}

	return m
}

// fromMap decodes a flat metadata document. Known keys must have the right
// type; unknown keys are copied into Extra.
func fromMap(m map[string]any) (*Build, error) {
	b := &Build{}
	var err error

	strings := []struct {
		key string
		dst *string
	}{
		{KeyBuildID, &b.ID},
		{KeyName, &b.Name},
		{KeySummary, &b.Summary},
		{KeyArch, &b.Arch},
		{KeyVersion, &b.Version},
		{KeyTreeCommit, &b.TreeCommit},
		{KeyRef, &b.Ref},
		{KeyImageInputChecksum, &b.ImageInputChecksum},
		{KeyConfigChecksum, &b.ConfigChecksum},
		{KeyConfigGitRev, &b.Provenance.ConfigRevision},
		{KeyCodeSource, &b.Provenance.CodeSource},
	}
	for _, f := range strings {
		if *f.dst, err = stringField(m, f.key); err != nil {
			return nil, err
		}
	}

	if b.Generation, err = intField(m, KeyGeneration); err != nil {
		return nil, err
	}
	if b.Provenance.ConfigDirty, err = boolField(m, KeyConfigDirty); err != nil {
		return nil, err
	}

	if ts, err := stringField(m, KeyTimestamp); err != nil {
		return nil, err
	} else if ts != "" {
		if b.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("%s: %w", KeyTimestamp, err)
		}
	}

	if b.Artifacts, err = artifactsField(m); err != nil {
		return nil, err
	}

	for k, v := range m {
		if knownKeys[k] {
			continue
		}
		if b.Extra == nil {
			b.Extra = make(map[string]any)
		}
		b.Extra[k] = v
	}

	return b, nil
}

func stringField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: expected string, got %T", key, v)
	}
	return s, nil
}

func intField(m map[string]any, key string) (int, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return int(i), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%s: expected integer, got %v", key, n)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("%s: expected integer, got %T", key, v)
}

func boolField(m map[string]any, key string) (bool, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return false, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("%s: %w", key, err)
		}
		return parsed, nil
	}
	return false, fmt.Errorf("%s: expected boolean, got %T", key, v)
}

// artifactsField accepts both the decoded JSON form and an in-memory
// map[string]Artifact by round-tripping through encoding/json.
func artifactsField(m map[string]any) (map[string]Artifact, error) {
	v, ok := m[KeyImages]
	if !ok || v == nil {
		return map[string]Artifact{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyImages, err)
	}
	arts := map[string]Artifact{}
	if err := json.Unmarshal(data, &arts); err != nil {
		return nil, fmt.Errorf("%s: %w", KeyImages, err)
	}
	return arts, nil
}
