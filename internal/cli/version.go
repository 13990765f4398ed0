package cli

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/roach88/kiln/internal/record"
)

// VersionInfo is the output of the version command.
type VersionInfo struct {
	Version       string `json:"version"`
	SchemaVersion string `json:"schema_version"`
	GoVersion     string `json:"go_version"`
	Platform      string `json:"platform"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kiln version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			info := VersionInfo{
				Version:       record.ToolVersion,
				SchemaVersion: record.SchemaVersion,
				GoVersion:     runtime.Version(),
				Platform:      runtime.GOOS + "/" + runtime.GOARCH,
			}
			if out.JSON() {
				return out.Success(info)
			}
			return out.Success(record.CodeSource())
		},
	}
}
