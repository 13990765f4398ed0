package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kiln/internal/checksum"
)

func TestRunWithGolden(t *testing.T) {
	for _, name := range []string{"incremental_sequence", "failure_resume"} {
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(filepath.Join("testdata/scenarios", name+".yaml"))
			require.NoError(t, err)

			res, err := RunWithGolden(t, s, t.TempDir())
			require.NoError(t, err)
			assert.True(t, res.Pass, "errors:\n%s", strings.Join(res.Errors, "\n"))
		})
	}
}

// Two runs of one scenario produce byte-identical snapshots.
func TestSnapshotDeterminism(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/failure_resume.yaml")
	require.NoError(t, err)

	var outputs [][]byte
	for range 2 {
		res, err := Run(s, t.TempDir())
		require.NoError(t, err)
		snap := Snapshot{ScenarioName: s.Name, Steps: res.Steps}
		data, err := checksum.MarshalCanonical(snap.toCanonicalMap())
		require.NoError(t, err)
		outputs = append(outputs, data)
	}
	assert.Equal(t, string(outputs[0]), string(outputs[1]))
}

func TestSnapshotOmitsRunDetails(t *testing.T) {
	snap := Snapshot{ScenarioName: "s", Steps: []StepTrace{
		{Step: 1, RunID: "run-1", Outcome: "aborted", Error: "HISTORY_LOCKED", States: []string{"ABORTED"}},
	}}
	data, err := checksum.MarshalCanonical(snap.toCanonicalMap())
	require.NoError(t, err)
	assert.Equal(t, `{"scenario":"s","steps":[{"error":"HISTORY_LOCKED","outcome":"aborted","states":["ABORTED"],"step":1}]}`, string(data))
}
