package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/roach88/kiln/internal/history"
	"github.com/roach88/kiln/internal/record"
)

// BuildSummary is one row of the list command.
type BuildSummary struct {
	ID         string    `json:"id"`
	Version    string    `json:"version"`
	Generation int       `json:"generation"`
	Timestamp  time.Time `json:"timestamp"`
	TreeCommit string    `json:"tree_commit"`
	Kinds      []string  `json:"kinds"`
	Size       int64     `json:"size"`
	Latest     bool      `json:"latest"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List builds, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(rootOpts, cmd)
		},
	}
	return cmd
}

func runList(opts *RootOptions, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd)

	s, err := loadSettings(opts, cmd)
	if err != nil {
		return out.Fail("loading settings", err)
	}
	store, err := openReader(s)
	if err != nil {
		return out.Fail("opening history", err)
	}

	rows, err := summarize(store)
	if err != nil {
		return out.Fail("listing builds", err)
	}

	if out.JSON() {
		return out.Success(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out.Writer, "No builds.")
		return nil
	}

	tw := tabwriter.NewWriter(out.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tGEN\tCREATED\tKINDS\tSIZE\tTREE")
	for _, r := range rows {
		id := r.ID
		if r.Latest {
			id += " *"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			id, r.Generation, r.Timestamp.Format(time.RFC3339), strings.Join(r.Kinds, ","),
			units.HumanSize(float64(r.Size)), shortTree(r.TreeCommit))
	}
	return tw.Flush()
}

// summarize loads every indexed build in index order.
func summarize(store *history.Store) ([]BuildSummary, error) {
	entries, err := store.List()
	if err != nil {
		return nil, err
	}
	latest, err := store.Latest()
	if err != nil {
		return nil, err
	}

	rows := make([]BuildSummary, 0, len(entries))
	for _, e := range entries {
		b, err := store.Get(e.ID)
		if err != nil {
			return nil, err
		}
		rows = append(rows, BuildSummary{
			ID:         b.ID,
			Version:    b.Version,
			Generation: b.Generation,
			Timestamp:  b.Timestamp,
			TreeCommit: b.TreeCommit,
			Kinds:      kindsOf(b),
			Size:       totalSize(b),
			Latest:     latest != nil && latest.ID == b.ID,
		})
	}
	return rows, nil
}

func kindsOf(b *record.Build) []string {
	kinds := make([]string, 0, len(b.Artifacts))
	for k := range b.Artifacts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func totalSize(b *record.Build) int64 {
	var n int64
	for _, a := range b.Artifacts {
		n += a.Size
	}
	return n
}

func shortTree(tree string) string {
	if len(tree) > 12 {
		return tree[:12]
	}
	return tree
}
