package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kiln/internal/history"
	"github.com/roach88/kiln/internal/journal"
	"github.com/roach88/kiln/internal/pipeline"
	"github.com/roach88/kiln/internal/record"
	"github.com/roach88/kiln/internal/testutil"
)

const imageYAML = `name: example-os
summary: Example OS
arch: x86_64
images: [qemu, metal]
`

// harness runs kiln commands against a temporary history with fake
// collaborators.
type harness struct {
	t         *testing.T
	root      string
	configDir string
	composer  *testutil.FakeComposer
	images    *testutil.FakeImageBuilder
	archiver  *fakeArchiver
	clock     *testutil.StepClock
	runIDs    *testutil.SequenceGenerator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		t:         t,
		root:      filepath.Join(dir, "history"),
		configDir: filepath.Join(dir, "config"),
		composer:  testutil.NewFakeComposer("T1", "41.1", true),
		images:    testutil.NewFakeImageBuilder(),
		archiver:  &fakeArchiver{confirmation: "v1"},
		clock:     testutil.NewStepClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), time.Minute),
		runIDs:    testutil.NewSequenceGenerator(""),
	}
	require.NoError(t, os.MkdirAll(h.configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.configDir, "image.yaml"), []byte(imageYAML), 0o644))
	return h
}

type result struct {
	stdout string
	stderr string
	err    error
}

func (r result) code() int { return GetExitCode(r.err) }

func (h *harness) exec(args ...string) result {
	h.t.Helper()
	opts := &RootOptions{Overrides: Overrides{
		Composer: h.composer,
		Images:   h.images,
		Archiver: h.archiver,
		RunIDs:   h.runIDs,
		Clock:    h.clock.Now,
	}}
	cmd := NewRootCommandWithOptions(opts)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, "--root", h.root, "--config-dir", h.configDir))
	err := cmd.Execute()
	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func (h *harness) mustExec(args ...string) result {
	h.t.Helper()
	r := h.exec(args...)
	require.NoError(h.t, r.err, "stderr:\n%s", r.stderr)
	return r
}

// decode parses a JSON CLIResponse whose data has type T.
func decode[T any](t *testing.T, stdout string) (string, T, []string) {
	t.Helper()
	var resp struct {
		Status   string    `json:"status"`
		Data     T         `json:"data"`
		Error    *CLIError `json:"error"`
		Warnings []string  `json:"warnings"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	return resp.Status, resp.Data, resp.Warnings
}

type fakeArchiver struct {
	mu           sync.Mutex
	confirmation string
	err          error
	archived     []string
	dirs         []string
}

func (f *fakeArchiver) Archive(ctx context.Context, b *record.Build, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.archived = append(f.archived, b.ID)
	f.dirs = append(f.dirs, dir)
	return f.confirmation, nil
}

func TestBuildThenSkip(t *testing.T) {
	h := newHarness(t)

	r := h.mustExec("build", "--format", "json")
	status, res, _ := decode[pipeline.Result](t, r.stdout)
	assert.Equal(t, "built", status)
	assert.Equal(t, "41.1", res.Build.ID)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 2, h.images.TotalCalls())

	h.composer.Set("T1", "41.1", false)
	r = h.mustExec("build", "--format", "json")
	assert.Equal(t, ExitSuccess, r.code())
	status, res, _ = decode[pipeline.Result](t, r.stdout)
	assert.Equal(t, "skipped", status)
	assert.Equal(t, "41.1", res.Build.ID)
	assert.Equal(t, 2, h.images.TotalCalls(), "skip generates nothing")
}

func TestBuildTextOutput(t *testing.T) {
	h := newHarness(t)

	r := h.mustExec("build")
	assert.Contains(t, r.stdout, "Built example-os 41.1")
	assert.Contains(t, r.stdout, "run:  run-1")
	assert.Contains(t, r.stdout, filepath.Join(h.root, history.BuildsDir, "41.1"))
	assert.Contains(t, r.stderr, "state transition", "logs go to stderr")

	h.composer.Set("T1", "41.1", false)
	r = h.mustExec("build")
	assert.Contains(t, r.stdout, "Skipped: 41.1 is up to date")
}

func TestBuildOnlyRequestedKinds(t *testing.T) {
	h := newHarness(t)

	h.mustExec("build", "--kind", "qemu")
	assert.Equal(t, 1, h.images.Calls("qemu"))
	assert.Zero(t, h.images.Calls("metal"))
}

func TestBuildUnknownKindIsInputError(t *testing.T) {
	h := newHarness(t)

	r := h.exec("build", "--kind", "iso")
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, r.code())
	assert.Contains(t, r.stderr, "Error [INPUT_ERROR]")
	assert.Zero(t, h.composer.Calls())
}

func TestBuildMissingDefinition(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Remove(filepath.Join(h.configDir, "image.yaml")))

	r := h.exec("build", "--format", "json")
	assert.Equal(t, ExitCommandError, r.code())
	status, _, _ := decode[any](t, r.stdout)
	assert.Equal(t, StatusError, status)
}

func TestBuildImageFailure(t *testing.T) {
	h := newHarness(t)
	h.images.SetFail("metal", errors.New("disk full"))

	r := h.exec("build", "--format", "json")
	assert.Equal(t, ExitFailure, r.code())
	assert.True(t, record.IsCollaboratorFailure(r.err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "COLLABORATOR_FAILURE", resp.Error.Code)
	assert.Equal(t, map[string]any{"stage": "IMAGE_BUILD", "kind": "metal", "build_id": "41.1"}, resp.Error.Details)

	// The retry reuses the qemu image.
	h.images.SetFail("metal", nil)
	r = h.mustExec("build", "--format", "json")
	_, res, _ := decode[pipeline.Result](t, r.stdout)
	assert.True(t, res.Resumed)
	assert.Equal(t, 1, h.images.Calls("qemu"))
	assert.Equal(t, 2, h.images.Calls("metal"))
}

func TestBuildHistoryLocked(t *testing.T) {
	h := newHarness(t)
	holder, err := history.Open(h.root)
	require.NoError(t, err)
	require.NoError(t, holder.Lock(context.Background(), false))
	defer holder.Unlock()

	r := h.exec("build")
	assert.Equal(t, ExitLocked, r.code())
	assert.Contains(t, r.stderr, "HISTORY_LOCKED")
	assert.Zero(t, h.composer.Calls())
}

func TestBuildRecordsExtraMetadata(t *testing.T) {
	h := newHarness(t)
	extra := filepath.Join(t.TempDir(), "extra.json")
	require.NoError(t, os.WriteFile(extra, []byte(`{"ci-job": "1", "pipeline": "nightly"}`), 0o644))

	h.mustExec("build", "--extra-metadata", extra, "--meta", "ci-job=1234")

	r := h.mustExec("show", "--format", "json")
	_, b, _ := decode[record.Build](t, r.stdout)
	assert.Equal(t, "1234", b.Extra["ci-job"], "--meta wins over the file")
	assert.Equal(t, "nightly", b.Extra["pipeline"])
	assert.Equal(t, "1234", h.composer.Requests[0].ExtraMetadata["ci-job"])
}

func TestBuildRejectsMalformedExtraMetadata(t *testing.T) {
	h := newHarness(t)
	extra := filepath.Join(t.TempDir(), "extra.json")
	require.NoError(t, os.WriteFile(extra, []byte(`["not", "an", "object"]`), 0o644))

	r := h.exec("build", "--extra-metadata", extra)
	assert.Equal(t, ExitCommandError, r.code())
}

func TestBuildWritesMetricsFile(t *testing.T) {
	h := newHarness(t)
	prom := filepath.Join(t.TempDir(), "kiln.prom")

	h.mustExec("build", "--metrics-file", prom)

	data, err := os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(data), `kiln_runs_total{outcome="built"} 1`)
}

func TestSettingsFileAppliesRetention(t *testing.T) {
	h := newHarness(t)
	settings := filepath.Join(t.TempDir(), "kiln.yaml")
	require.NoError(t, os.WriteFile(settings, []byte("retention:\n  keep: 1\n"), 0o644))

	h.mustExec("build", "--config", settings)
	h.composer.Set("T2", "41.2", true)
	r := h.mustExec("build", "--config", settings, "--format", "json")
	_, res, _ := decode[pipeline.Result](t, r.stdout)
	assert.Equal(t, []string{"41.1"}, res.Pruned)

	// A flag overrides the file.
	h.composer.Set("T3", "41.3", true)
	r = h.mustExec("build", "--config", settings, "--keep", "5", "--format", "json")
	_, res, _ = decode[pipeline.Result](t, r.stdout)
	assert.Empty(t, res.Pruned)
}

func TestListAndShow(t *testing.T) {
	h := newHarness(t)

	r := h.mustExec("list")
	assert.Equal(t, "No builds.\n", r.stdout)

	h.mustExec("build")
	h.composer.Set("T2", "41.2", true)
	h.mustExec("build", "--kind", "qemu")

	r = h.mustExec("list", "--format", "json")
	_, rows, _ := decode[[]BuildSummary](t, r.stdout)
	require.Len(t, rows, 2)
	assert.Equal(t, "41.2", rows[0].ID)
	assert.True(t, rows[0].Latest)
	assert.Equal(t, []string{"qemu"}, rows[0].Kinds)
	assert.Equal(t, "41.1", rows[1].ID)
	assert.False(t, rows[1].Latest)
	assert.Equal(t, []string{"metal", "qemu"}, rows[1].Kinds)
	assert.Positive(t, rows[1].Size)

	r = h.mustExec("list")
	assert.Contains(t, r.stdout, "41.2 *")
	assert.Contains(t, r.stdout, "metal,qemu")

	r = h.mustExec("show")
	assert.Contains(t, r.stdout, "example-os 41.2")
	assert.Contains(t, r.stdout, "version:    41.2 (generation 0)")

	r = h.mustExec("show", "41.1", "--format", "json")
	_, b, _ := decode[record.Build](t, r.stdout)
	assert.Equal(t, "41.1", b.ID)
	assert.Equal(t, "T1", b.TreeCommit)
	assert.Len(t, b.Artifacts, 2)
}

func TestShowUnknownBuild(t *testing.T) {
	h := newHarness(t)
	h.mustExec("build")

	r := h.exec("show", "40.1")
	assert.Equal(t, ExitCommandError, r.code())
	assert.True(t, record.IsNotFound(r.err))
}

func TestShowEmptyHistory(t *testing.T) {
	h := newHarness(t)

	r := h.exec("show")
	assert.Equal(t, ExitCommandError, r.code())
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	h.mustExec("build")
	h.composer.Set("T2", "41.2", true)
	h.mustExec("build")

	r := h.exec("delete", "41.2")
	assert.Equal(t, ExitCommandError, r.code())
	assert.True(t, record.IsProtectedBuild(r.err))

	r = h.mustExec("delete", "41.1")
	assert.Equal(t, "Deleted 41.1\n", r.stdout)

	r = h.mustExec("list", "--format", "json")
	_, rows, _ := decode[[]BuildSummary](t, r.stdout)
	require.Len(t, rows, 1)
	assert.Equal(t, "41.2", rows[0].ID)
	assert.NoDirExists(t, filepath.Join(h.root, history.BuildsDir, "41.1"))
}

func TestPrune(t *testing.T) {
	h := newHarness(t)
	for i, tree := range []string{"T1", "T2", "T3"} {
		h.composer.Set(tree, "41."+string(rune('1'+i)), true)
		h.mustExec("build")
	}

	r := h.mustExec("prune", "--keep", "1", "--format", "json")
	_, res, _ := decode[struct {
		Removed []string `json:"removed"`
	}](t, r.stdout)
	assert.Equal(t, []string{"41.1", "41.2"}, res.Removed)

	r = h.mustExec("prune", "--keep", "1")
	assert.Equal(t, "Nothing to prune.\n", r.stdout)
}

func TestRecover(t *testing.T) {
	h := newHarness(t)

	r := h.mustExec("recover")
	assert.Equal(t, "History is consistent.\n", r.stdout)

	r = h.mustExec("recover", "--format", "json")
	_, data, _ := decode[map[string]any](t, r.stdout)
	assert.Nil(t, data["recovered"])
}

func TestRuns(t *testing.T) {
	h := newHarness(t)
	h.mustExec("build")
	h.images.SetFail("qemu", errors.New("boom"))
	h.composer.Set("T2", "41.2", true)
	h.exec("build")

	r := h.mustExec("runs", "--format", "json")
	_, runs, _ := decode[[]journal.Run](t, r.stdout)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, "aborted", runs[0].Outcome)
	assert.Equal(t, "COLLABORATOR_FAILURE", runs[0].ErrorCode)
	assert.Equal(t, "run-1", runs[1].ID)
	assert.Equal(t, "built", runs[1].Outcome)
	assert.Equal(t, "41.1", runs[1].BuildID)

	r = h.mustExec("runs", "--build", "41.1", "--format", "json")
	_, runs, _ = decode[[]journal.Run](t, r.stdout)
	require.Len(t, runs, 1)

	r = h.mustExec("runs", "run-1")
	assert.Contains(t, r.stdout, "Run run-1")
	assert.Contains(t, r.stdout, "COMMIT")
	assert.Contains(t, r.stdout, "DONE")

	r = h.mustExec("runs", "run-2", "--format", "json")
	_, detail, _ := decode[RunDetail](t, r.stdout)
	require.NotEmpty(t, detail.Transitions)
	assert.Equal(t, "ABORTED", detail.Transitions[len(detail.Transitions)-1].State)

	r = h.exec("runs", "run-9")
	assert.Equal(t, ExitCommandError, r.code())
}

func TestArchive(t *testing.T) {
	h := newHarness(t)
	h.mustExec("build")

	r := h.mustExec("archive")
	assert.Equal(t, "Archived 41.1 (v1)\n", r.stdout)
	assert.Equal(t, []string{"41.1"}, h.archiver.archived)
	assert.Equal(t, []string{filepath.Join(h.root, history.BuildsDir, "41.1")}, h.archiver.dirs)

	h.archiver.err = errors.New("access denied")
	r = h.exec("archive", "41.1")
	assert.Equal(t, ExitFailure, r.code())
	assert.Contains(t, r.stderr, "access denied")
}

func TestArchiveRequiresBucket(t *testing.T) {
	h := newHarness(t)
	h.mustExec("build")

	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"archive", "--root", h.root, "--config-dir", h.configDir})

	err := cmd.Execute()
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stderr.String(), "archive.bucket is not set")
}
