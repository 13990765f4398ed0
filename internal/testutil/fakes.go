package testutil

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"sync"

	"github.com/roach88/kiln/internal/collab"
	"github.com/roach88/kiln/internal/record"
)

// FakeComposer returns its current Result from every Compose call.
// Tests change Result between runs to simulate new trees.
type FakeComposer struct {
	mu       sync.Mutex
	Result   *collab.ComposeResult
	Err      error
	Requests []collab.ComposeRequest
}

// NewFakeComposer creates a composer producing tree at version.
func NewFakeComposer(tree, version string, changed bool) *FakeComposer {
	f := &FakeComposer{}
	f.Set(tree, version, changed)
	return f
}

// Set replaces the result of the next compose.
func (f *FakeComposer) Set(tree, version string, changed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Result = &collab.ComposeResult{
		TreeCommit: tree,
		Version:    version,
		Ref:        record.ProvisionalRefPrefix + tree,
		Metadata:   map[string]any{"rpm-count": "321"},
		CommitMeta: map[string]any{"packages": []any{"kernel", "systemd"}},
		Changed:    changed,
	}
}

// Calls returns the number of Compose calls.
func (f *FakeComposer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// Compose implements collab.Composer.
func (f *FakeComposer) Compose(ctx context.Context, req collab.ComposeRequest) (*collab.ComposeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Result == nil {
		return nil, errors.New("fake composer: no result configured")
	}

	res := *f.Result
	res.Metadata = maps.Clone(f.Result.Metadata)
	res.CommitMeta = maps.Clone(f.Result.CommitMeta)
	return &res, nil
}

// FakeImageBuilder writes a small file per image kind. Kinds in Fail
// leave a partial output and return their error.
type FakeImageBuilder struct {
	mu    sync.Mutex
	Fail  map[string]error
	calls map[string]int
}

// NewFakeImageBuilder creates a builder that succeeds for every kind.
func NewFakeImageBuilder() *FakeImageBuilder {
	return &FakeImageBuilder{Fail: map[string]error{}, calls: map[string]int{}}
}

// Calls returns how often kind was generated.
func (f *FakeImageBuilder) Calls(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

// TotalCalls returns the number of BuildImage calls over all kinds.
func (f *FakeImageBuilder) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// SetFail makes kind fail with err; a nil err clears the failure.
func (f *FakeImageBuilder) SetFail(kind string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Fail, kind)
		return
	}
	f.Fail[kind] = err
}

// BuildImage implements collab.ImageBuilder.
func (f *FakeImageBuilder) BuildImage(ctx context.Context, req collab.ImageRequest) error {
	f.mu.Lock()
	f.calls[req.Kind]++
	failErr := f.Fail[req.Kind]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if failErr != nil {
		_ = os.WriteFile(req.Output, []byte("partial"), 0o644)
		return failErr
	}
	content := fmt.Sprintf("image kind=%s tree=%s\n", req.Kind, req.TreeCommit)
	return os.WriteFile(req.Output, []byte(content), 0o644)
}

// FakeCleaner records the paths it cleans and appends a marker line to
// each file.
type FakeCleaner struct {
	mu    sync.Mutex
	Err   error
	Paths []string
}

// Clean implements collab.Cleaner.
func (f *FakeCleaner) Clean(ctx context.Context, path string) error {
	f.mu.Lock()
	f.Paths = append(f.Paths, path)
	err := f.Err
	f.mu.Unlock()
	if err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.WriteString("cleaned\n")
	return err
}
