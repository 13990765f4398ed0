package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kiln/internal/record"
)

func TestLoadImageDefinition(t *testing.T) {
	def, err := LoadImageDefinition("testdata")
	require.NoError(t, err)

	assert.Equal(t, "example-os", def.Name)
	assert.Equal(t, "Example OS", def.Summary)
	assert.Equal(t, "x86_64", def.Arch)
	assert.Equal(t, []string{"qemu", "metal"}, def.Kinds)
	assert.True(t, def.HasKind("metal"))
	assert.False(t, def.HasKind("azure"))
	assert.Regexp(t, `^[0-9a-f]{64}$`, def.Checksum)
	assert.Contains(t, def.Raw, "bootloader")
}

func TestLoadImageDefinitionMissing(t *testing.T) {
	_, err := LoadImageDefinition(t.TempDir())
	require.Error(t, err)
	assert.True(t, record.IsInputError(err))
	assert.Contains(t, err.Error(), "not found")
}

func TestParseImageDefinitionChecksumIgnoresFormatting(t *testing.T) {
	a, err := ParseImageDefinition([]byte("name: os\nimages: [qemu]\n"))
	require.NoError(t, err)
	b, err := ParseImageDefinition([]byte("# comment\nimages:\n  - qemu\nname:   os\n"))
	require.NoError(t, err)

	assert.Equal(t, a.Checksum, b.Checksum)
}

func TestParseImageDefinitionChecksumTracksContent(t *testing.T) {
	a, err := ParseImageDefinition([]byte("name: os\nimages: [qemu]\n"))
	require.NoError(t, err)
	b, err := ParseImageDefinition([]byte("name: os\nimages: [qemu]\nsize: 20\n"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Checksum, b.Checksum)
}

func TestParseImageDefinitionInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "name: [unterminated"},
		{"empty", ""},
		{"missing name", "images: [qemu]\n"},
		{"missing images", "name: os\n"},
		{"no images", "name: os\nimages: []\n"},
		{"bad kind", "name: os\nimages: [QEMU!]\n"},
		{"bad name", "name: -os\nimages: [qemu]\n"},
		{"size not positive", "name: os\nimages: [qemu]\nsize: 0\n"},
		{"size not int", "name: os\nimages: [qemu]\nsize: big\n"},
		{"duplicate kind", "name: os\nimages: [qemu, qemu]\n"},
		{"fractional value", "name: os\nimages: [qemu]\nratio: 0.5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseImageDefinition([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, record.IsInputError(err), "got %v", err)
		})
	}
}

func TestLoadImageDefinitionFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefinitionFile), []byte("name: os\nimages: [metal]\n"), 0o644))

	def, err := LoadImageDefinition(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"metal"}, def.Kinds)
	assert.Empty(t, def.Arch)
}
