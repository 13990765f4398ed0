package cli

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/kiln/internal/config"
	"github.com/roach88/kiln/internal/history"
	"github.com/roach88/kiln/internal/journal"
	"github.com/roach88/kiln/internal/record"
)

// flagKeys maps settings keys to the flags that override them. A command
// binds whichever of these it declares.
var flagKeys = map[string]string{
	"root":              "root",
	"config-dir":        "config-dir",
	"arch":              "arch",
	"parallelism":       "parallelism",
	"metrics-file":      "metrics-file",
	"retention.keep":    "keep",
	"retention.max-age": "max-age",
}

// loadSettings reads settings from the config file, KILN_* variables and
// the command's flags, in increasing precedence.
func loadSettings(opts *RootOptions, cmd *cobra.Command) (*config.Settings, error) {
	v, err := config.NewViper(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	for key, name := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, record.NewInputError("binding --%s: %v", name, err)
		}
	}

	s, err := config.LoadSettings(v)
	if err != nil {
		return nil, err
	}
	slog.Debug("settings loaded", "settings", s.String(), "file", v.ConfigFileUsed())
	return s, nil
}

// openReader opens a history for reading, recovering an interrupted
// commit if no writer is active.
func openReader(s *config.Settings) (*history.Store, error) {
	store, err := history.Open(s.Root)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureConsistent(); err != nil {
		return nil, err
	}
	return store, nil
}

// withLock opens the history, takes the writer lock and recovers before
// calling fn.
func withLock(ctx context.Context, opts *RootOptions, s *config.Settings, fn func(*history.Store, *history.Recovery) error) error {
	store, err := history.Open(s.Root)
	if err != nil {
		return err
	}
	if err := store.Lock(ctx, opts.Wait); err != nil {
		return err
	}
	defer func() {
		if err := store.Unlock(); err != nil {
			slog.Warn("releasing history lock", "error", err)
		}
	}()

	rec, err := store.Recover()
	if err != nil {
		return err
	}
	if rec != nil {
		slog.Warn("recovered interrupted commit", "build_id", rec.BuildID, "rolled_back", rec.RolledBack)
	}
	return fn(store, rec)
}

// openJournal opens the run journal inside the history cache.
func openJournal(s *config.Settings) (*journal.Store, error) {
	return journal.Open(filepath.Join(s.Root, history.CacheDir, journal.FileName))
}
