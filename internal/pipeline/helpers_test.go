package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/kiln/internal/config"
	"github.com/roach88/kiln/internal/history"
	"github.com/roach88/kiln/internal/journal"
	"github.com/roach88/kiln/internal/metrics"
	"github.com/roach88/kiln/internal/prune"
	"github.com/roach88/kiln/internal/testutil"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// env is a history with fake collaborators around it.
type env struct {
	t        *testing.T
	store    *history.Store
	composer *testutil.FakeComposer
	images   *testutil.FakeImageBuilder
	cleaner  *testutil.FakeCleaner
	clock    *testutil.StepClock
	journal  *journal.Store
	metrics  *metrics.Recorder
	promFile string
	policy   prune.Policy
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	store, err := history.Open(root)
	require.NoError(t, err)

	j, err := journal.Open(filepath.Join(root, history.CacheDir, journal.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	return &env{
		t:        t,
		store:    store,
		composer: testutil.NewFakeComposer("T1", "41.1", true),
		images:   testutil.NewFakeImageBuilder(),
		cleaner:  &testutil.FakeCleaner{},
		clock:    testutil.NewStepClock(baseTime, time.Minute),
		journal:  j,
		metrics:  metrics.New(),
		promFile: filepath.Join(root, "kiln.prom"),
	}
}

func (e *env) coordinator(opts ...Option) *Coordinator {
	base := []Option{
		WithClock(e.clock.Now),
		WithRunIDGenerator(testutil.NewSequenceGenerator("")),
		WithCleaner(e.cleaner),
		WithJournal(e.journal),
		WithMetrics(e.metrics, e.promFile),
		WithParallelism(2),
	}
	return New(e.store, e.composer, e.images, e.policy, append(base, opts...)...)
}

// definition returns an image definition whose checksum changes with rev.
func definition(t *testing.T, rev int) *config.ImageDefinition {
	t.Helper()
	doc := fmt.Sprintf("name: example-os\nsummary: Example OS rev %d\narch: x86_64\nimages: [qemu, metal]\n", rev)
	def, err := config.ParseImageDefinition([]byte(doc))
	require.NoError(t, err)
	return def
}

func (e *env) run(req Request, opts ...Option) (*Result, error) {
	return e.coordinator(opts...).Run(context.Background(), req)
}

func (e *env) mustRun(req Request, opts ...Option) *Result {
	e.t.Helper()
	res, err := e.run(req, opts...)
	require.NoError(e.t, err)
	return res
}

func (e *env) ids() []string {
	e.t.Helper()
	entries, err := e.store.List()
	require.NoError(e.t, err)
	var out []string
	for _, entry := range entries {
		out = append(out, entry.ID)
	}
	return out
}

func (e *env) latestID() string {
	e.t.Helper()
	b, err := e.store.Latest()
	require.NoError(e.t, err)
	if b == nil {
		return ""
	}
	return b.ID
}
