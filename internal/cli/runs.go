package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/roach88/kiln/internal/journal"
	"github.com/roach88/kiln/internal/record"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	BuildID string
	Limit   int
}

// RunDetail is one run with its transitions.
type RunDetail struct {
	journal.Run
	Transitions []journal.Transition `json:"transitions"`
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show the run journal",
		Long: `List recent runs, or show the state transitions of one run.

Examples:
  kiln runs
  kiln runs --build 41.3 --limit 5
  kiln runs 01912b7e-9c1a-7d2e-8f00-3a4b5c6d7e8f`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runRunDetail(opts, args[0], cmd)
			}
			return runRuns(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.BuildID, "build", "", "only runs that produced or targeted this build")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to list (0 for all)")

	return cmd
}

func openRunJournal(opts *RootOptions, cmd *cobra.Command) (*journal.Store, error) {
	s, err := loadSettings(opts, cmd)
	if err != nil {
		return nil, err
	}
	if _, err := openReader(s); err != nil {
		return nil, err
	}
	return openJournal(s)
}

func runRuns(opts *RunsOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)

	j, err := openRunJournal(opts.RootOptions, cmd)
	if err != nil {
		return out.Fail("opening run journal", err)
	}
	defer j.Close()

	runs, err := j.ListRuns(cmd.Context(), journal.Filter{BuildID: opts.BuildID, Limit: opts.Limit})
	if err != nil {
		return out.Fail("listing runs", err)
	}

	if out.JSON() {
		return out.Success(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out.Writer, "No runs.")
		return nil
	}

	tw := tabwriter.NewWriter(out.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tTOOK\tOUTCOME\tBUILD\tERROR")
	for _, r := range runs {
		took, outcome := "-", r.Outcome
		if r.Finished != nil {
			took = units.HumanDuration(r.Finished.Sub(r.Started))
		}
		if outcome == "" {
			outcome = "running"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Started.Format(time.RFC3339), took, outcome, dash(r.BuildID), dash(r.ErrorCode))
	}
	return tw.Flush()
}

func runRunDetail(opts *RunsOptions, id string, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)

	j, err := openRunJournal(opts.RootOptions, cmd)
	if err != nil {
		return out.Fail("opening run journal", err)
	}
	defer j.Close()

	run, err := j.GetRun(cmd.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		err = record.NewInputError("run %s not found", id)
	}
	if err != nil {
		return out.Fail("reading run", err)
	}
	transitions, err := j.Transitions(cmd.Context(), id)
	if err != nil {
		return out.Fail("reading transitions", err)
	}

	detail := RunDetail{Run: *run, Transitions: transitions}
	if out.JSON() {
		return out.Success(detail)
	}

	w := out.Writer
	fmt.Fprintf(w, "Run %s\n", run.ID)
	fmt.Fprintf(w, "  started: %s\n", run.Started.Format(time.RFC3339))
	if run.Outcome != "" {
		fmt.Fprintf(w, "  outcome: %s (%s)\n", run.Outcome, run.FinalState)
	}
	if run.BuildID != "" {
		fmt.Fprintf(w, "  build:   %s\n", run.BuildID)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  error:   %s\n", run.Error)
	}
	fmt.Fprintln(w, "  transitions:")
	for _, t := range transitions {
		line := fmt.Sprintf("    %3d %s %s", t.Seq, t.At.Format("15:04:05.000"), t.State)
		if len(t.Detail) > 0 {
			data, _ := json.Marshal(t.Detail)
			line += " " + string(data)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
