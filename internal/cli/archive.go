package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/kiln/internal/archive"
	"github.com/roach88/kiln/internal/record"
)

// ArchiveResult is the output of the archive command.
type ArchiveResult struct {
	BuildID      string `json:"build_id"`
	Bucket       string `json:"bucket,omitempty"`
	Confirmation string `json:"confirmation"`
}

// NewArchiveCommand creates the archive command.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive [build-id]",
		Short: "Upload a build to S3 (default latest)",
		Long: `Upload a build's images and metadata to the archive bucket.

Images go first, meta.json last. The printed confirmation is the version
id of meta.json, or its ETag when the bucket is not versioned.

Settings:
  archive.bucket    required
  archive.prefix    key prefix (default builds)
  archive.region    AWS region
  archive.endpoint  S3 compatible endpoint, e.g. http://localhost:9000`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return runArchive(rootOpts, id, cmd)
		},
	}
	return cmd
}

func runArchive(opts *RootOptions, id string, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd)
	ctx := cmd.Context()

	s, err := loadSettings(opts, cmd)
	if err != nil {
		return out.Fail("loading settings", err)
	}

	archiver := opts.Overrides.Archiver
	if archiver == nil {
		if err := s.RequireArchive(); err != nil {
			return out.Fail("archive not configured", err)
		}
		a, err := archive.NewS3Archiver(ctx, s.Archive)
		if err != nil {
			return out.Fail("configuring archive", err)
		}
		archiver = a
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

	confirmation, err := archiver.Archive(ctx, b, store.BuildDir(b.ID))
	if err != nil {
		return out.Fail("archiving "+b.ID, err)
	}

	res := ArchiveResult{BuildID: b.ID, Bucket: s.Archive.Bucket, Confirmation: confirmation}
	if out.JSON() {
		return out.Success(res)
	}
	return out.Success(fmt.Sprintf("Archived %s (%s)", b.ID, confirmation))
}
