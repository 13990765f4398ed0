package provenance

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kiln/internal/record"
)

func commitFile(t *testing.T, repo *git.Repository, dir, name, content string) string {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)

	hash, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestInspectOutsideRepository(t *testing.T) {
	p, err := Inspect(t.TempDir())
	require.NoError(t, err)

	assert.Empty(t, p.ConfigRevision)
	assert.False(t, p.ConfigDirty)
	assert.Equal(t, record.CodeSource(), p.CodeSource)
}

func TestInspectCleanRepository(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	rev := commitFile(t, repo, dir, "image.yaml", "name: os\nimages: [qemu]\n")

	p, err := Inspect(dir)
	require.NoError(t, err)
	assert.Equal(t, rev, p.ConfigRevision)
	assert.False(t, p.ConfigDirty)
}

func TestInspectDirtyRepository(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	rev := commitFile(t, repo, dir, "image.yaml", "name: os\nimages: [qemu]\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.yaml"), []byte("name: os\nimages: [metal]\n"), 0o644))

	p, err := Inspect(dir)
	require.NoError(t, err)
	assert.Equal(t, rev, p.ConfigRevision)
	assert.True(t, p.ConfigDirty)
}

func TestInspectSubdirectoryFindsRepository(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	rev := commitFile(t, repo, dir, "README", "config\n")

	sub := filepath.Join(dir, "src", "config")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	p, err := Inspect(sub)
	require.NoError(t, err)
	assert.Equal(t, rev, p.ConfigRevision)
}

func TestInspectEmptyRepository(t *testing.T) {
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	p, err := Inspect(dir)
	require.NoError(t, err)
	assert.Empty(t, p.ConfigRevision)
	assert.False(t, p.ConfigDirty)
}
