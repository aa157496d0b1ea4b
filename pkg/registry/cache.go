package registry

import (
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Metadata is the shared projection of the aggregated catalog served for
// combined list responses. Each slice is sorted by namespaced identifier.
// Snapshots are immutable once published: readers hold the pointer, writers
// swap in a fresh one.
type Metadata struct {
	Tools             []*mcp.Tool
	Prompts           []*mcp.Prompt
	Resources         []*mcp.Resource
	ResourceTemplates []*mcp.ResourceTemplate

	Version int64
	BuiltAt time.Time
}

// metadataCache holds at most one fresh Metadata snapshot. It is either
// absent or was fresh at the time of its last write; stale snapshots are
// never served.
type metadataCache struct {
	mu          sync.Mutex
	snapshot    *Metadata
	lastVersion int64
	ttl         time.Duration
}

func (c *metadataCache) invalidate() {
	c.mu.Lock()
	c.snapshot = nil
	c.mu.Unlock()
}

// Metadata returns the shared catalog snapshot, rebuilding it when absent or
// older than the TTL. When the caller's version matches the current snapshot,
// the second return is false and the caller may serve a not-modified answer.
func (r *Registry) Metadata(clientVersion int64) (*Metadata, bool) {
	c := &r.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.snapshot == nil || now.Sub(c.snapshot.BuiltAt) > c.ttl {
		c.snapshot = r.buildMetadata(c.lastVersion, now)
		c.lastVersion = c.snapshot.Version
	}

	if clientVersion != 0 && clientVersion == c.snapshot.Version {
		return c.snapshot, false
	}
	return c.snapshot, true
}

// buildMetadata aggregates the four sorted snapshots and stamps a version.
// Versions are millisecond timestamps, forced monotonic across rebuilds even
// when two rebuilds land in the same millisecond.
func (r *Registry) buildMetadata(lastVersion int64, now time.Time) *Metadata {
	meta := &Metadata{
		Version: now.UnixMilli(),
		BuiltAt: now,
	}
	if meta.Version <= lastVersion {
		meta.Version = lastVersion + 1
	}

	for _, e := range r.Snapshot(KindTools) {
		meta.Tools = append(meta.Tools, e.Tool)
	}
	for _, e := range r.Snapshot(KindPrompts) {
		meta.Prompts = append(meta.Prompts, e.Prompt)
	}
	for _, e := range r.Snapshot(KindResources) {
		meta.Resources = append(meta.Resources, e.Resource)
	}
	for _, e := range r.Snapshot(KindResourceTemplates) {
		meta.ResourceTemplates = append(meta.ResourceTemplates, e.Template)
	}
	return meta
}
