// Package testing provides mock implementations for use in tests.
// This package should only be imported by test files (*_test.go).
package testing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/koalacloud/koalacloud/internal/media"
	"github.com/koalacloud/koalacloud/internal/services"
)

// MockFetcher is a mock implementation of media.Fetcher for testing.
// Fetch writes one small file per item by expanding the output template.
type MockFetcher struct {
	mu        sync.Mutex
	meta      media.Metadata
	items     []string // item titles; defaults to the probe title
	probeErr  error
	fetchErr  error
	failItems map[int]bool
	block     chan struct{}
	requests  []media.FetchRequest

	// Hooks for custom behavior
	OnProbe func(ctx context.Context, url string) (media.Metadata, error)
}

// NewMockFetcher creates a fetcher that reports a single item titled title.
func NewMockFetcher(title string) *MockFetcher {
	return &MockFetcher{
		meta:      media.Metadata{Title: title},
		failItems: make(map[int]bool),
	}
}

// SetCollection makes the source a collection with the given item titles.
func (m *MockFetcher) SetCollection(items ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.meta.IsCollection = true
	m.meta.Entries = len(items)
	m.items = items
}

// FailItem makes the item at index (0-based) fail during a collection fetch.
func (m *MockFetcher) FailItem(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failItems[index] = true
}

// SetProbeError makes Probe fail.
func (m *MockFetcher) SetProbeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.probeErr = err
}

// SetFetchError makes Fetch fail.
func (m *MockFetcher) SetFetchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetchErr = err
}

// Block makes Fetch wait until Release is called or its context ends.
func (m *MockFetcher) Block() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.block = make(chan struct{})
}

// Release unblocks pending and future fetches.
func (m *MockFetcher) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.block != nil {
		close(m.block)
		m.block = nil
	}
}

// Requests returns all fetch requests received.
func (m *MockFetcher) Requests() []media.FetchRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]media.FetchRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// Probe returns the configured metadata.
func (m *MockFetcher) Probe(ctx context.Context, url string) (media.Metadata, error) {
	if m.OnProbe != nil {
		return m.OnProbe(ctx, url)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.probeErr != nil {
		return media.Metadata{}, m.probeErr
	}
	return m.meta, nil
}

// Fetch writes the configured items under the request's template.
func (m *MockFetcher) Fetch(ctx context.Context, req media.FetchRequest) ([]string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	block := m.block
	fetchErr := m.fetchErr
	meta := m.meta
	items := m.items
	failItems := make(map[int]bool, len(m.failItems))
	for k, v := range m.failItems {
		failItems[k] = v
	}
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fetchErr != nil {
		return nil, fetchErr
	}

	if len(items) == 0 {
		items = []string{meta.Title}
	}

	ext := "mp4"
	if req.AudioOnly {
		ext = "mp3"
	}

	var written []string
	for i, title := range items {
		if req.Collection && failItems[i] {
			continue
		}

		path := strings.NewReplacer(
			"%%", "%",
			"%(title)s", title,
			"%(ext)s", ext,
			"%(playlist_title)s", meta.Title,
			"%(playlist_index)s", fmt.Sprintf("%02d", i+1),
		).Replace(req.OutputTemplate)
		path = filepath.FromSlash(path)

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return written, err
		}
		if err := os.WriteFile(path, []byte(title), 0o644); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	if len(written) == 0 {
		return nil, fmt.Errorf("no items could be fetched from %s", req.URL)
	}
	return written, nil
}

// MockRunner is a mock implementation of services.Runner for testing.
// Commands are matched by their space-joined argv; unmatched commands succeed
// with empty output.
type MockRunner struct {
	mu      sync.Mutex
	results map[string]services.Result
	errs    map[string]error
	calls   [][]string

	// Hooks for custom behavior
	OnRun func(argv []string) (services.Result, error)
}

// NewMockRunner creates a new MockRunner.
func NewMockRunner() *MockRunner {
	return &MockRunner{
		results: make(map[string]services.Result),
		errs:    make(map[string]error),
	}
}

// SetResult makes the command line cmd return res.
func (m *MockRunner) SetResult(cmd string, res services.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[cmd] = res
}

// SetError makes the command line cmd fail to run.
func (m *MockRunner) SetError(cmd string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[cmd] = err
}

// Calls returns every command line run so far.
func (m *MockRunner) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.calls))
	for _, argv := range m.calls {
		out = append(out, strings.Join(argv, " "))
	}
	return out
}

// Run implements services.Runner.
func (m *MockRunner) Run(_ context.Context, argv ...string) (services.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string(nil), argv...))
	hook := m.OnRun
	cmd := strings.Join(argv, " ")
	res, hasRes := m.results[cmd]
	err := m.errs[cmd]
	m.mu.Unlock()

	if hook != nil {
		return hook(argv)
	}
	if err != nil {
		return services.Result{}, err
	}
	if hasRes {
		return res, nil
	}
	return services.Result{}, nil
}
