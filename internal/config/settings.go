package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/kiln/internal/record"
)

// EnvPrefix prefixes every environment variable kiln reads, e.g.
// KILN_RETENTION_KEEP.
const EnvPrefix = "KILN"

// Settings configures how kiln runs.
type Settings struct {
	Root        string // History root
	ConfigDir   string // Directory holding image.yaml
	Arch        string
	Parallelism int // Concurrent image kinds

	Compose CommandSettings
	Image   CommandSettings
	Cleanup CommandSettings // Empty Command disables cleanup

	Retention RetentionSettings
	Archive   ArchiveSettings

	MetricsFile string // Empty disables textfile metrics
}

// CommandSettings is an external collaborator command line.
type CommandSettings struct {
	Command []string
}

// RetentionSettings bounds the number and age of kept builds.
type RetentionSettings struct {
	Keep   int           // Zero keeps everything
	MaxAge time.Duration // Zero disables age-based pruning
}

// ArchiveSettings locates the S3 bucket builds are uploaded to.
type ArchiveSettings struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // Custom endpoint for S3 compatible stores
}

// NewViper returns a viper instance with kiln defaults and environment
// binding. configFile is optional; when empty, kiln.yaml is searched for in
// the working directory and a missing file is not an error.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("kiln")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, record.NewInputError("reading settings: %v", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root", ".")
	v.SetDefault("config-dir", "src/config")
	v.SetDefault("arch", runtime.GOARCH)
	v.SetDefault("parallelism", 2)
	v.SetDefault("compose.command", []string{"kiln-compose"})
	v.SetDefault("image.command", []string{"kiln-image"})
	v.SetDefault("cleanup.command", []string{})
	v.SetDefault("retention.keep", 3)
	v.SetDefault("retention.max-age", "0s")
	v.SetDefault("archive.prefix", "builds")
	v.SetDefault("metrics-file", "")
}

// LoadSettings decodes and validates settings from v.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		Root:        v.GetString("root"),
		ConfigDir:   v.GetString("config-dir"),
		Arch:        v.GetString("arch"),
		Parallelism: v.GetInt("parallelism"),
		Compose:     CommandSettings{Command: v.GetStringSlice("compose.command")},
		Image:       CommandSettings{Command: v.GetStringSlice("image.command")},
		Cleanup:     CommandSettings{Command: v.GetStringSlice("cleanup.command")},
		Retention: RetentionSettings{
			Keep:   v.GetInt("retention.keep"),
			MaxAge: v.GetDuration("retention.max-age"),
		},
		Archive: ArchiveSettings{
			Bucket:   v.GetString("archive.bucket"),
			Prefix:   v.GetString("archive.prefix"),
			Region:   v.GetString("archive.region"),
			Endpoint: v.GetString("archive.endpoint"),
		},
		MetricsFile: v.GetString("metrics-file"),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects settings kiln cannot run with.
func (s *Settings) Validate() error {
	switch {
	case s.Root == "":
		return record.NewInputError("root must not be empty")
	case s.Parallelism < 1:
		return record.NewInputError("parallelism must be at least 1, got %d", s.Parallelism)
	case s.Retention.Keep < 0:
		return record.NewInputError("retention.keep must not be negative, got %d", s.Retention.Keep)
	case s.Retention.MaxAge < 0:
		return record.NewInputError("retention.max-age must not be negative, got %s", s.Retention.MaxAge)
	case len(s.Compose.Command) == 0:
		return record.NewInputError("compose.command must not be empty")
	case len(s.Image.Command) == 0:
		return record.NewInputError("image.command must not be empty")
	}
	return nil
}

// RequireArchive checks the settings needed by the archive command.
func (s *Settings) RequireArchive() error {
	if s.Archive.Bucket == "" {
		return record.NewInputError("archive.bucket is not set")
	}
	return nil
}

// String renders the settings for debug logging.
func (s *Settings) String() string {
	return fmt.Sprintf("root=%s config-dir=%s arch=%s parallelism=%d keep=%d max-age=%s",
		s.Root, s.ConfigDir, s.Arch, s.Parallelism, s.Retention.Keep, s.Retention.MaxAge)
}
