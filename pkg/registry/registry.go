package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Kind is one of the four aggregated capability kinds.
type Kind string

const (
	KindTools             Kind = "tools"
	KindPrompts           Kind = "prompts"
	KindResources         Kind = "resources"
	KindResourceTemplates Kind = "resource_templates"
)

// Kinds lists every capability kind, in sync order.
var Kinds = []Kind{KindTools, KindPrompts, KindResources, KindResourceTemplates}

// Entry is one aggregated catalog entry. Exactly one of the metadata pointers
// is set, matching Kind, and already carries the namespaced identifier on its
// surface; Original keeps the backend-local identifier for routing.
type Entry struct {
	Kind       Kind
	Backend    string
	Original   string
	Namespaced string

	Tool     *mcp.Tool
	Prompt   *mcp.Prompt
	Resource *mcp.Resource
	Template *mcp.ResourceTemplate
}

// Lister is the slice of a backend client the registry needs for syncing.
type Lister interface {
	ID() string
	ListAllTools(ctx context.Context) ([]*mcp.Tool, error)
	ListAllPrompts(ctx context.Context) ([]*mcp.Prompt, error)
	ListAllResources(ctx context.Context) ([]*mcp.Resource, error)
	ListAllResourceTemplates(ctx context.Context) ([]*mcp.ResourceTemplate, error)
}

// ClientSource obtains a connected client for a backend ID.
type ClientSource func(ctx context.Context, id string) (Lister, error)

type originalKey struct {
	kind     Kind
	backend  string
	original string
}

// Registry owns the aggregated, namespaced catalog and the shared metadata
// cache. Readers take consistent snapshots; sync transactions compute their
// payload outside the write lock and commit under it.
type Registry struct {
	source ClientSource

	mu            sync.RWMutex
	entries       map[Kind]map[string]Entry // namespaced identifier -> entry
	templates     []*templateEntry          // registration order preserved
	templateOrder int
	byOriginal    map[originalKey]string
	versions      map[string]map[Kind]int64

	cache metadataCache
}

// New builds an empty registry. cacheTTL bounds the age of the shared
// metadata snapshot.
func New(source ClientSource, cacheTTL time.Duration) *Registry {
	r := &Registry{
		source:     source,
		entries:    make(map[Kind]map[string]Entry),
		byOriginal: make(map[originalKey]string),
		versions:   make(map[string]map[Kind]int64),
	}
	for _, kind := range Kinds {
		r.entries[kind] = make(map[string]Entry)
	}
	r.cache.ttl = cacheTTL
	return r
}

// Snapshot returns a consistent copy of one kind's entries, sorted by
// namespaced identifier.
func (r *Registry) Snapshot(kind Kind) []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries[kind]))
	for _, e := range r.entries[kind] {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Namespaced < entries[j].Namespaced
	})
	return entries
}

// Resolve maps a namespaced identifier back to its backend and original
// identifier.
func (r *Registry) Resolve(kind Kind, namespaced string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind][namespaced]
	return e, ok
}

// ResolveOriginal maps a backend-local identifier to its namespaced form.
func (r *Registry) ResolveOriginal(kind Kind, backend, original string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.byOriginal[originalKey{kind: kind, backend: backend, original: original}]
	return ns, ok
}

// Backends returns the IDs of all backends with catalog entries or recorded
// sync state.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.versions))
	for id := range r.versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CapabilityVersion returns the sync generation of one (backend, kind).
// Zero means never synced.
func (r *Registry) CapabilityVersion(backend string, kind Kind) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.versions[backend][kind]
}

// RemoveBackend atomically drops every catalog entry scoped to the backend
// and invalidates the metadata cache.
func (r *Registry) RemoveBackend(backend string) {
	r.mu.Lock()
	for kind, byNS := range r.entries {
		for ns, e := range byNS {
			if e.Backend == backend {
				delete(byNS, ns)
				delete(r.byOriginal, originalKey{kind: kind, backend: backend, original: e.Original})
			}
		}
	}
	r.templates = dropBackendTemplates(r.templates, backend)
	delete(r.versions, backend)
	r.mu.Unlock()

	r.cache.invalidate()
}

// InvalidateCache drops the shared metadata snapshot; the next Metadata call
// rebuilds it.
func (r *Registry) InvalidateCache() {
	r.cache.invalidate()
}
