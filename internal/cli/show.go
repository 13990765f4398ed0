package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/roach88/kiln/internal/record"
)

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [build-id]",
		Short: "Show one build (default latest)",
		Long: `Show the metadata of one build.

Without an id the latest build is shown. --format json prints meta.json.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return runShow(rootOpts, id, cmd)
		},
	}
	return cmd
}

func runShow(opts *RootOptions, id string, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd)

	s, err := loadSettings(opts, cmd)
	if err != nil {
		return out.Fail("loading settings", err)
	}
	store, err := openReader(s)
	if err != nil {
		return out.Fail("opening history", err)
	}

	var b *record.Build
	if id == "" {
		b, err = store.Latest()
		if err == nil && b == nil {
			err = record.NewNotFoundError("latest")
		}
	} else {
		b, err = store.Get(id)
	}
	if err != nil {
		return out.Fail("reading build", err)
	}

	if out.JSON() {
		return out.Success(b)
	}
	return out.Success(describe(b, store.BuildDir(b.ID)))
}

func describe(b *record.Build, dir string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", b.Name, b.ID)
	if b.Summary != "" {
		fmt.Fprintf(&sb, "  summary:    %s\n", b.Summary)
	}
	fmt.Fprintf(&sb, "  version:    %s (generation %d)\n", b.Version, b.Generation)
	fmt.Fprintf(&sb, "  arch:       %s\n", b.Arch)
	fmt.Fprintf(&sb, "  created:    %s (%s ago)\n", b.Timestamp.Format(time.RFC3339),
		units.HumanDuration(time.Since(b.Timestamp)))
	fmt.Fprintf(&sb, "  tree:       %s\n", b.TreeCommit)
	if b.Ref != "" {
		fmt.Fprintf(&sb, "  ref:        %s\n", b.Ref)
	}
	fmt.Fprintf(&sb, "  inputs:     %s\n", b.ImageInputChecksum)
	fmt.Fprintf(&sb, "  config:     %s\n", b.ConfigChecksum)
	if p := b.Provenance; p.ConfigRevision != "" {
		dirty := ""
		if p.ConfigDirty {
			dirty = " (dirty)"
		}
		fmt.Fprintf(&sb, "  revision:   %s%s\n", p.ConfigRevision, dirty)
	}
	fmt.Fprintf(&sb, "  path:       %s\n", dir)

	kinds := kindsOf(b)
	if len(kinds) > 0 {
		fmt.Fprintln(&sb, "  images:")
	}
	for _, k := range kinds {
		a := b.Artifacts[k]
		fmt.Fprintf(&sb, "    %-8s %s  %s  %s\n", k, a.Path, units.HumanSize(float64(a.Size)), a.SHA256)
	}

	keys := make([]string, 0, len(b.Extra))
	for k := range b.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		fmt.Fprintln(&sb, "  metadata:")
	}
	for _, k := range keys {
		fmt.Fprintf(&sb, "    %s: %v\n", k, b.Extra[k])
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
