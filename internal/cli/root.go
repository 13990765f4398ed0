package cli

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/kiln/internal/archive"
	"github.com/roach88/kiln/internal/collab"
	"github.com/roach88/kiln/internal/pipeline"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string // kiln.yaml; searched in the working directory when empty
	Wait       bool   // Block on the history lock instead of failing

	// Overrides replaces collaborators and clocks (for testing).
	Overrides Overrides
}

// Overrides swaps out what commands would otherwise build from settings.
// Nil fields keep the default.
type Overrides struct {
	Composer collab.Composer
	Images   collab.ImageBuilder
	Cleaner  collab.Cleaner
	Archiver archive.Archiver
	RunIDs   pipeline.RunIDGenerator
	Clock    func() time.Time
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the kiln CLI.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithOptions(&RootOptions{})
}

// NewRootCommandWithOptions creates the root command around opts, whose
// flag fields are filled in when the command line is parsed.
func NewRootCommandWithOptions(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kiln",
		Short: "kiln - incremental image builds",
		Long: `kiln composes an OS tree, generates disk images from it and keeps a
history of builds. Unchanged inputs skip the build; a failed run resumes
from the images it already produced.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				msg := fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", msg)
				return NewExitError(ExitCommandError, msg)
			}
			setupLogging(opts, cmd)
			return nil
		},
	}

	// Global flags
	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVar(&opts.ConfigFile, "config", "", "settings file (default ./kiln.yaml)")
	pf.BoolVar(&opts.Wait, "wait", false, "wait for the history lock instead of failing")
	pf.String("root", "", "history root directory (default .)")
	pf.String("config-dir", "", "directory holding image.yaml (default src/config)")

	cmd.AddCommand(NewBuildCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewArchiveCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// setupLogging installs the default slog logger on the command's stderr.
func setupLogging(opts *RootOptions, cmd *cobra.Command) {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
