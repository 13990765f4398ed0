// Package config loads the image definition and the tool settings.
//
// The image definition (image.yaml in the config directory) describes what
// to build and is part of the build input: its checksum decides whether a
// new image is needed. Tool settings describe how kiln runs and never
// affect build identity.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/kiln/internal/checksum"
	"github.com/roach88/kiln/internal/record"
)

// DefinitionFile is the image definition file name in the config directory.
const DefinitionFile = "image.yaml"

//go:embed schema.cue
var schemaSource string

// ImageDefinition is a validated image.yaml.
type ImageDefinition struct {
	Name     string
	Summary  string
	Arch     string   // Empty means the host default
	Kinds    []string // Image kinds to generate, in declaration order
	Checksum string   // Config checksum over the canonical form of Raw

	// Raw is the decoded document including fields kiln does not interpret.
	Raw map[string]any
}

// LoadImageDefinition reads and validates image.yaml from dir.
// All failures are InputErrors.
func LoadImageDefinition(dir string) (*ImageDefinition, error) {
	path := filepath.Join(dir, DefinitionFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, record.NewInputError("image definition not found: %s", path)
	}
	if err != nil {
		return nil, record.NewInputError("reading %s: %v", path, err)
	}
	return ParseImageDefinition(data)
}

// ParseImageDefinition decodes and validates an image definition document.
func ParseImageDefinition(data []byte) (*ImageDefinition, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, record.NewInputError("parsing %s: %v", DefinitionFile, err)
	}
	if raw == nil {
		return nil, record.NewInputError("%s is empty", DefinitionFile)
	}

	if err := validate(raw); err != nil {
		return nil, record.NewInputError("%s: %v", DefinitionFile, err)
	}

	sum, err := checksum.ConfigChecksum(raw)
	if err != nil {
		return nil, record.NewInputError("%s: %v", DefinitionFile, err)
	}

	def := &ImageDefinition{
		Name:     raw["name"].(string),
		Checksum: sum,
		Raw:      raw,
	}
	if s, ok := raw["summary"].(string); ok {
		def.Summary = s
	}
	if s, ok := raw["arch"].(string); ok {
		def.Arch = s
	}
	for _, k := range raw["images"].([]any) {
		kind := k.(string)
		if slices.Contains(def.Kinds, kind) {
			return nil, record.NewInputError("%s: duplicate image kind %q", DefinitionFile, kind)
		}
		def.Kinds = append(def.Kinds, kind)
	}
	return def, nil
}

// validate unifies the document with the embedded #Image schema.
func validate(raw map[string]any) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	image := schema.LookupPath(cue.ParsePath("#Image"))

	doc := ctx.Encode(raw)
	if err := doc.Err(); err != nil {
		return err
	}

	unified := image.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// HasKind reports whether the definition requests kind.
func (d *ImageDefinition) HasKind(kind string) bool {
	return slices.Contains(d.Kinds, kind)
}
