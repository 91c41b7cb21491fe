// Package loggroups maintains a pre-loaded catalog of CloudWatch log groups
// for injection into the system prompt and for name resolution.
package loggroups

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cwlens/cwlens/internal/cloudwatch"
)

// State is the index lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateError         State = "error"
)

// fullListThreshold is the group count above which the system prompt switches
// from the full sorted list to the categorized summary.
const fullListThreshold = 500

// sampleLimit caps the representative sample in summary rendering.
const sampleLimit = 100

// wellKnownPrefixes are AWS service prefixes used for categorization,
// checked in order.
var wellKnownPrefixes = []string{
	"/aws/lambda/",
	"/aws/apigateway/",
	"/aws/rds/",
	"/aws/eks/",
	"/ecs/",
	"/aws/elasticbeanstalk/",
	"/aws/codebuild/",
	"/aws/batch/",
	"/aws/kinesisfirehose/",
	"/aws/vendedlogs/",
}

// Stats is the summary view returned by GetStats.
type Stats struct {
	Count       int            `json:"count"`
	State       State          `json:"state"`
	LastRefresh time.Time      `json:"last_refresh"`
	TotalBytes  int64          `json:"total_bytes"`
	Categories  map[string]int `json:"categories"`
}

// Index holds the loaded log-group catalog. Process-wide, shared across
// sessions; reads and writes are serialized internally.
type Index struct {
	client cloudwatch.API

	mu          sync.RWMutex
	state       State
	groups      []cloudwatch.LogGroup
	lastRefresh time.Time
	lastErr     error

	cbMu      sync.Mutex
	callbacks []func()
}

// NewIndex creates an unloaded index over the given CloudWatch client.
func NewIndex(client cloudwatch.API) *Index {
	return &Index{client: client, state: StateUninitialized}
}

// State returns the current lifecycle state.
func (ix *Index) State() State {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.state
}

// OnUpdate registers a process-level notification fired after each successful
// load. Callbacks take no arguments; listeners query the index for data.
func (ix *Index) OnUpdate(fn func()) {
	ix.cbMu.Lock()
	ix.callbacks = append(ix.callbacks, fn)
	ix.cbMu.Unlock()
}

// LoadAll iterates the full log-group paginator, replacing the catalog on
// success. On failure the prior list (if any) is preserved and the state
// moves to error.
func (ix *Index) LoadAll(ctx context.Context, progress cloudwatch.PageFunc) error {
	ix.mu.Lock()
	ix.state = StateLoading
	ix.mu.Unlock()

	groups, err := ix.client.ListAllLogGroups(ctx, progress)
	if err != nil {
		ix.mu.Lock()
		ix.state = StateError
		ix.lastErr = err
		ix.mu.Unlock()
		return fmt.Errorf("loggroups: load: %w", err)
	}

	ix.mu.Lock()
	ix.groups = groups
	ix.state = StateReady
	ix.lastRefresh = time.Now().UTC()
	ix.lastErr = nil
	ix.mu.Unlock()

	ix.notify()
	return nil
}

// Refresh is an alias for LoadAll.
func (ix *Index) Refresh(ctx context.Context, progress cloudwatch.PageFunc) error {
	return ix.LoadAll(ctx, progress)
}

func (ix *Index) notify() {
	ix.cbMu.Lock()
	cbs := make([]func(), len(ix.callbacks))
	copy(cbs, ix.callbacks)
	ix.cbMu.Unlock()

	for _, fn := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("loggroups: update callback panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
}

// Count returns the number of loaded groups.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.groups)
}

// Names returns all loaded group names.
func (ix *Index) Names() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	names := make([]string, len(ix.groups))
	for i, g := range ix.groups {
		names[i] = g.Name
	}
	return names
}

// Groups returns a copy of the loaded groups.
func (ix *Index) Groups() []cloudwatch.LogGroup {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]cloudwatch.LogGroup, len(ix.groups))
	copy(out, ix.groups)
	return out
}

// FindMatching returns group names containing pattern, case-insensitive.
func (ix *Index) FindMatching(pattern string) []string {
	needle := strings.ToLower(pattern)
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var matches []string
	for _, g := range ix.groups {
		if strings.Contains(strings.ToLower(g.Name), needle) {
			matches = append(matches, g.Name)
		}
	}
	return matches
}

// GetStats summarizes the index.
func (ix *Index) GetStats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	s := Stats{
		Count:       len(ix.groups),
		State:       ix.state,
		LastRefresh: ix.lastRefresh,
		Categories:  make(map[string]int),
	}
	for _, g := range ix.groups {
		s.TotalBytes += g.StoredBytes
		s.Categories[categorize(g.Name)]++
	}
	return s
}

// categorize buckets a group name by well-known AWS prefix, falling back to
// the first 2–3 path components.
func categorize(name string) string {
	for _, prefix := range wellKnownPrefixes {
		if strings.HasPrefix(name, prefix) {
			return prefix
		}
	}

	parts := strings.Split(strings.TrimPrefix(name, "/"), "/")
	switch {
	case len(parts) >= 3:
		return "/" + strings.Join(parts[:3], "/") + "/"
	case len(parts) == 2:
		return "/" + strings.Join(parts[:2], "/") + "/"
	default:
		return name
	}
}
