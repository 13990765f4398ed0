package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Files the compose tool exchanges with kiln inside ComposeRequest.WorkDir.
const (
	ExtraMetadataFile = "extra.json"
	ComposeOutputFile = "compose.json"
	ChangedMarkerFile = "changed"
)

// stderrTail bounds how much collaborator stderr ends up in an error.
const stderrTail = 2048

// Result holds the captured output of one collaborator invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes collaborator command lines.
type Runner struct {
	// Output, when set, also receives the collaborator's stdout and stderr
	// as they are produced.
	Output io.Writer
}

// Run executes argv in dir. A non-zero exit is an error that carries the
// exit code and the end of stderr.
func (r Runner) Run(ctx context.Context, dir string, argv []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command line")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if r.Output != nil {
		cmd.Stdout = io.MultiWriter(&stdout, r.Output)
		cmd.Stderr = io.MultiWriter(&stderr, r.Output)
	}

	slog.Debug("running collaborator", "argv", strings.Join(argv, " "), "dir", dir)
	err := cmd.Run()

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, fmt.Errorf("%s exited with status %d: %s", argv[0], res.ExitCode, tail(res.Stderr))
	default:
		res.ExitCode = -1
		return res, fmt.Errorf("running %s: %w", argv[0], err)
	}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}

// ExecComposer runs a compose tool:
//
//	<cmd> [--cache-only] [--force] --add-metadata-from-json <extra.json> --write-composejson-to <compose.json>
//
// The tool writes compose.json and creates the changed marker next to it
// when the tree differs from its previous compose.
type ExecComposer struct {
	Command []string
	Runner  Runner
}

// Compose implements Composer.
func (c *ExecComposer) Compose(ctx context.Context, req ComposeRequest) (*ComposeResult, error) {
	extraPath := filepath.Join(req.WorkDir, ExtraMetadataFile)
	outPath := filepath.Join(req.WorkDir, ComposeOutputFile)
	markerPath := filepath.Join(req.WorkDir, ChangedMarkerFile)

	extra := req.ExtraMetadata
	if extra == nil {
		extra = map[string]any{}
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("encoding extra metadata: %w", err)
	}
	if err := os.WriteFile(extraPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing extra metadata: %w", err)
	}
	for _, stale := range []string{outPath, markerPath} {
		if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("clearing %s: %w", stale, err)
		}
	}

	argv := append([]string{}, c.Command...)
	if req.CacheOnly {
		argv = append(argv, "--cache-only")
	}
	if req.Force {
		argv = append(argv, "--force")
	}
	argv = append(argv, "--add-metadata-from-json", extraPath, "--write-composejson-to", outPath)

	if _, err := c.Runner.Run(ctx, req.WorkDir, argv); err != nil {
		return nil, err
	}

	res, err := ReadComposeOutput(outPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(markerPath); err == nil {
		res.Changed = true
	}
	return res, nil
}

// ReadComposeOutput parses the document a compose tool wrote. tree-commit
// and version are required; commitmeta is split out; every other key is
// compose metadata.
func ReadComposeOutput(path string) (*ComposeResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading compose output: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing compose output: %w", err)
	}

	res := &ComposeResult{Metadata: map[string]any{}}
	var ok bool
	if res.TreeCommit, ok = doc["tree-commit"].(string); !ok || res.TreeCommit == "" {
		return nil, errors.New("compose output has no tree-commit")
	}
	if res.Version, ok = doc["version"].(string); !ok || res.Version == "" {
		return nil, errors.New("compose output has no version")
	}
	res.Ref, _ = doc["ref"].(string)
	if cm, ok := doc["commitmeta"].(map[string]any); ok {
		res.CommitMeta = cm
	}

	for k, v := range doc {
		switch k {
		case "tree-commit", "version", "ref", "commitmeta":
		default:
			res.Metadata[k] = v
		}
	}
	return res, nil
}

// ExecImageBuilder runs an image tool:
//
//	<cmd> --tree <commit> --output <path> --variant <kind>
type ExecImageBuilder struct {
	Command []string
	Runner  Runner
}

// BuildImage implements ImageBuilder.
func (b *ExecImageBuilder) BuildImage(ctx context.Context, req ImageRequest) error {
	argv := append([]string{}, b.Command...)
	argv = append(argv, "--tree", req.TreeCommit, "--output", req.Output, "--variant", req.Kind)
	_, err := b.Runner.Run(ctx, filepath.Dir(req.Output), argv)
	return err
}

// ExecCleaner runs a cleanup tool as <cmd> <path>.
type ExecCleaner struct {
	Command []string
	Runner  Runner
}

// Clean implements Cleaner.
func (c *ExecCleaner) Clean(ctx context.Context, path string) error {
	argv := append(append([]string{}, c.Command...), path)
	_, err := c.Runner.Run(ctx, filepath.Dir(path), argv)
	return err
}
