package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/kiln/internal/collab"
	"github.com/roach88/kiln/internal/config"
	"github.com/roach88/kiln/internal/history"
	"github.com/roach88/kiln/internal/metrics"
	"github.com/roach88/kiln/internal/pipeline"
	"github.com/roach88/kiln/internal/provenance"
	"github.com/roach88/kiln/internal/prune"
	"github.com/roach88/kiln/internal/record"
)

// BuildOptions holds flags for the build command.
type BuildOptions struct {
	*RootOptions
	Force         bool
	Fetch         bool
	InsertOnly    bool
	Kinds         []string
	ExtraMetadata string            // JSON object file
	Meta          map[string]string // key=value pairs, applied after ExtraMetadata
}

// NewBuildCommand creates the build command.
func NewBuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Compose and build images if inputs changed",
		Long: `Run one build against the history.

The compose tool runs first. If neither the tree nor the image definition
changed since the latest build, the run is skipped and exits 0 with status
"skipped". Otherwise every requested image kind is generated, metadata is
merged, the build is committed as the new latest and retention is applied.

A run that fails after composing keeps its staging area; the next run with
the same inputs reuses the images already produced.

Examples:
  kiln build
  kiln build --kind qemu --kind metal
  kiln build --force --fetch --meta ci-job=1234
  kiln build --wait --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(opts, cmd)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.Force, "force", false, "build even if inputs are unchanged")
	f.BoolVar(&opts.Fetch, "fetch", false, "let the compose tool fetch packages instead of using its cache only")
	f.BoolVar(&opts.InsertOnly, "insert-only", false, "add the build without pruning old builds")
	f.StringSliceVar(&opts.Kinds, "kind", nil, "image kind to build (repeatable, default every kind in image.yaml)")
	f.StringVar(&opts.ExtraMetadata, "extra-metadata", "", "JSON file of extra metadata to record")
	f.StringToStringVar(&opts.Meta, "meta", nil, "extra metadata key=value (repeatable)")
	f.String("arch", "", "architecture when image.yaml names none")
	f.Int("parallelism", 0, "image kinds generated at once (default 2)")
	f.Int("keep", 0, "builds kept by retention (default 3)")
	f.String("metrics-file", "", "write Prometheus textfile metrics here")

	return cmd
}

func runBuild(opts *BuildOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	s, err := loadSettings(opts.RootOptions, cmd)
	if err != nil {
		return out.Fail("loading settings", err)
	}
	def, err := config.LoadImageDefinition(s.ConfigDir)
	if err != nil {
		return out.Fail("loading image definition", err)
	}
	extra, err := opts.extraMetadata()
	if err != nil {
		return out.Fail("reading extra metadata", err)
	}

	prov, err := provenance.Inspect(s.ConfigDir)
	if err != nil {
		slog.Warn("config provenance unavailable", "dir", s.ConfigDir, "error", err)
	}

	store, err := history.Open(s.Root)
	if err != nil {
		return out.Fail("opening history", err)
	}

	coordOpts := []pipeline.Option{
		pipeline.WithParallelism(s.Parallelism),
		pipeline.WithWaitForLock(opts.Wait),
		pipeline.WithMetrics(metrics.New(), s.MetricsFile),
	}
	j, err := openJournal(s)
	if err != nil {
		slog.Warn("run journal unavailable", "error", err)
	} else {
		defer j.Close()
		coordOpts = append(coordOpts, pipeline.WithJournal(j))
	}
	coordOpts = append(coordOpts, opts.overrideOptions()...)

	composer, images, cleaner := opts.collaborators(s, cmd)
	if cleaner != nil {
		coordOpts = append(coordOpts, pipeline.WithCleaner(cleaner))
	}

	coord := pipeline.New(store, composer, images, prune.Policy{
		Keep:   s.Retention.Keep,
		MaxAge: s.Retention.MaxAge,
	}, coordOpts...)

	res, err := coord.Run(ctx, pipeline.Request{
		Definition:    def,
		Kinds:         opts.Kinds,
		Arch:          s.Arch,
		Force:         opts.Force,
		Fetch:         opts.Fetch,
		InsertOnly:    opts.InsertOnly,
		ExtraMetadata: extra,
		Provenance:    prov,
	})
	if err != nil {
		return out.Fail("build aborted", err)
	}

	if out.JSON() {
		return out.Status(string(res.Outcome), res, res.Warnings)
	}
	return out.Status(string(res.Outcome), buildSummary(res, store), res.Warnings)
}

// collaborators returns the overrides or the subprocess implementations
// configured in settings. A nil Cleaner disables cleanup.
func (o *BuildOptions) collaborators(s *config.Settings, cmd *cobra.Command) (collab.Composer, collab.ImageBuilder, collab.Cleaner) {
	runner := collab.Runner{}
	if o.Verbose {
		runner.Output = cmd.ErrOrStderr()
	}

	var composer collab.Composer = &collab.ExecComposer{Command: s.Compose.Command, Runner: runner}
	var images collab.ImageBuilder = &collab.ExecImageBuilder{Command: s.Image.Command, Runner: runner}
	var cleaner collab.Cleaner
	if len(s.Cleanup.Command) > 0 {
		cleaner = &collab.ExecCleaner{Command: s.Cleanup.Command, Runner: runner}
	}

	ov := o.Overrides
	if ov.Composer != nil {
		composer = ov.Composer
	}
	if ov.Images != nil {
		images = ov.Images
	}
	if ov.Cleaner != nil {
		cleaner = ov.Cleaner
	}
	return composer, images, cleaner
}

func (o *BuildOptions) overrideOptions() []pipeline.Option {
	var opts []pipeline.Option
	if o.Overrides.RunIDs != nil {
		opts = append(opts, pipeline.WithRunIDGenerator(o.Overrides.RunIDs))
	}
	if o.Overrides.Clock != nil {
		opts = append(opts, pipeline.WithClock(o.Overrides.Clock))
	}
	return opts
}

// extraMetadata combines --extra-metadata and --meta. --meta wins.
func (o *BuildOptions) extraMetadata() (map[string]any, error) {
	extra := map[string]any{}
	if o.ExtraMetadata != "" {
		data, err := os.ReadFile(o.ExtraMetadata)
		if err != nil {
			return nil, record.NewInputError("reading %s: %v", o.ExtraMetadata, err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&extra); err != nil {
			return nil, record.NewInputError("%s must hold a JSON object: %v", o.ExtraMetadata, err)
		}
	}
	for k, v := range o.Meta {
		extra[k] = v
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return extra, nil
}

func buildSummary(res *pipeline.Result, store *history.Store) string {
	var b strings.Builder
	build := res.Build
	switch res.Outcome {
	case pipeline.OutcomeSkipped:
		fmt.Fprintf(&b, "Skipped: %s is up to date (%s)\n", build.ID, res.Reason)
	default:
		fmt.Fprintf(&b, "Built %s %s (%s)\n", build.Name, build.ID, res.Reason)
		if res.Resumed {
			fmt.Fprintln(&b, "  resumed from an earlier attempt")
		}
	}
	fmt.Fprintf(&b, "  run:  %s\n", res.RunID)
	fmt.Fprintf(&b, "  tree: %s\n", build.TreeCommit)
	fmt.Fprintf(&b, "  path: %s\n", store.BuildDir(build.ID))
	if len(res.Pruned) > 0 {
		fmt.Fprintf(&b, "  pruned: %s\n", strings.Join(res.Pruned, ", "))
	}
	return strings.TrimSuffix(b.String(), "\n")
}
