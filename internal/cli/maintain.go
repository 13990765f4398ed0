package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/kiln/internal/history"
	"github.com/roach88/kiln/internal/prune"
)

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <build-id>...",
		Short: "Delete builds from history",
		Long: `Delete committed builds. The latest build cannot be deleted.

Builds are deleted in the order given; the first failure stops the command.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runDelete(opts *RootOptions, ids []string, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd)

	s, err := loadSettings(opts, cmd)
	if err != nil {
		return out.Fail("loading settings", err)
	}

	var deleted []string
	err = withLock(cmd.Context(), opts, s, func(store *history.Store, _ *history.Recovery) error {
		for _, id := range ids {
			if err := store.Delete(id); err != nil {
				return err
			}
			deleted = append(deleted, id)
			out.VerboseLog("deleted %s", id)
		}
		return nil
	})
	if err != nil {
		return out.Fail("deleting builds", err)
	}

	if out.JSON() {
		return out.Success(map[string]any{"deleted": deleted})
	}
	return out.Success(fmt.Sprintf("Deleted %s", strings.Join(deleted, ", ")))
}

// PruneOptions holds flags for the prune command.
type PruneOptions struct {
	*RootOptions
	Clock func() time.Time
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PruneOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Apply retention to history",
		Long: `Delete the oldest builds beyond the retention limits and sweep stale
staging areas. The latest build is always kept.

Examples:
  kiln prune
  kiln prune --keep 5
  kiln prune --max-age 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(opts, cmd)
		},
	}

	cmd.Flags().Int("keep", 0, "builds to keep (default from settings, 0 keeps all)")
	cmd.Flags().Duration("max-age", 0, "delete builds older than this (0 disables)")

	return cmd
}

func runPrune(opts *PruneOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)

	s, err := loadSettings(opts.RootOptions, cmd)
	if err != nil {
		return out.Fail("loading settings", err)
	}
	policy := prune.Policy{Keep: s.Retention.Keep, MaxAge: s.Retention.MaxAge, Now: opts.Overrides.Clock}

	var res *prune.Result
	err = withLock(cmd.Context(), opts.RootOptions, s, func(store *history.Store, _ *history.Recovery) error {
		res, err = policy.Apply(store, false, nil)
		return err
	})
	if err != nil {
		return out.Fail("pruning", err)
	}

	if out.JSON() {
		return out.Success(res)
	}
	if len(res.Removed) == 0 && len(res.SweptStaging) == 0 {
		return out.Success("Nothing to prune.")
	}
	var b strings.Builder
	if len(res.Removed) > 0 {
		fmt.Fprintf(&b, "Pruned %s", strings.Join(res.Removed, ", "))
	}
	if len(res.SweptStaging) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Swept %d staging area(s)", len(res.SweptStaging))
	}
	return out.Success(b.String())
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Resolve an interrupted commit",
		Long: `Take the history lock and resolve an interrupted commit, either by
completing it or by rolling it back. Every writer does this on start; the
command exists for scripted checks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(rootOpts, cmd)
		},
	}
	return cmd
}

func runRecover(opts *RootOptions, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd)

	s, err := loadSettings(opts, cmd)
	if err != nil {
		return out.Fail("loading settings", err)
	}

	var rec *history.Recovery
	err = withLock(cmd.Context(), opts, s, func(_ *history.Store, r *history.Recovery) error {
		rec = r
		return nil
	})
	if err != nil {
		return out.Fail("recovering", err)
	}

	if out.JSON() {
		return out.Success(map[string]any{"recovered": rec})
	}
	switch {
	case rec == nil:
		return out.Success("History is consistent.")
	case rec.RolledBack:
		return out.Success(fmt.Sprintf("Rolled back interrupted commit of %s", rec.BuildID))
	default:
		return out.Success(fmt.Sprintf("Completed interrupted commit of %s", rec.BuildID))
	}
}
