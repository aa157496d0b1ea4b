package registry

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/talkingthreads/goblin/pkg/log"
	"github.com/talkingthreads/goblin/pkg/telemetry"
)

// AddBackend runs the initial full sync for a freshly connected backend and
// installs all four kinds in one transaction: either the whole catalog of the
// backend appears, or none of it does.
func (r *Registry) AddBackend(ctx context.Context, client Lister) error {
	backend := client.ID()

	payloads := make([]syncPayload, len(Kinds))
	group, gctx := errgroup.WithContext(ctx)
	for i, kind := range Kinds {
		group.Go(func() error {
			payload, err := r.fetch(gctx, client, kind)
			if err != nil {
				return err
			}
			payloads[i] = payload
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		telemetry.RecordSyncFailure(ctx, backend, "all")
		return fmt.Errorf("initial sync of %s: %w", backend, err)
	}

	r.mu.Lock()
	for _, payload := range payloads {
		r.commitLocked(backend, payload)
	}
	r.mu.Unlock()

	r.cache.invalidate()
	return nil
}

// Sync re-fetches the given kinds (all four when none are named) for one
// backend. Kinds run in parallel, each as its own transaction: a kind that
// fails keeps its prior snapshot while the others still commit.
func (r *Registry) Sync(ctx context.Context, backend string, kinds ...Kind) error {
	if len(kinds) == 0 {
		kinds = Kinds
	}

	client, err := r.source(ctx, backend)
	if err != nil {
		for _, kind := range kinds {
			telemetry.RecordSyncFailure(ctx, backend, string(kind))
		}
		return fmt.Errorf("sync of %s: %w", backend, err)
	}

	// No shared errgroup context here: one kind failing must not abort the
	// other kinds' transactions.
	var group errgroup.Group
	for _, kind := range kinds {
		group.Go(func() error {
			return r.syncKind(ctx, client, kind)
		})
	}
	return group.Wait()
}

// syncKind is one targeted sync transaction: page outside the lock, commit
// under it, never publish partial state.
func (r *Registry) syncKind(ctx context.Context, client Lister, kind Kind) error {
	backend := client.ID()

	payload, err := r.fetch(ctx, client, kind)
	if err != nil {
		telemetry.RecordSyncFailure(ctx, backend, string(kind))
		log.Logf("! Sync failed for %s/%s, keeping prior snapshot: %s", backend, kind, err)
		return fmt.Errorf("sync of %s/%s: %w", backend, kind, err)
	}

	r.mu.Lock()
	r.commitLocked(backend, payload)
	r.mu.Unlock()

	r.cache.invalidate()
	return nil
}

// syncPayload is the namespaced entry set of one (backend, kind), computed
// outside the registry lock.
type syncPayload struct {
	kind    Kind
	entries []Entry
}

func (r *Registry) fetch(ctx context.Context, client Lister, kind Kind) (syncPayload, error) {
	backend := client.ID()
	payload := syncPayload{kind: kind}

	switch kind {
	case KindTools:
		tools, err := client.ListAllTools(ctx)
		if err != nil {
			return payload, err
		}
		for _, tool := range tools {
			namespaced := Namespace(backend, tool.Name)
			surfaced := *tool
			surfaced.Name = namespaced
			payload.entries = append(payload.entries, Entry{
				Kind:       kind,
				Backend:    backend,
				Original:   tool.Name,
				Namespaced: namespaced,
				Tool:       &surfaced,
			})
		}

	case KindPrompts:
		prompts, err := client.ListAllPrompts(ctx)
		if err != nil {
			return payload, err
		}
		for _, prompt := range prompts {
			namespaced := Namespace(backend, prompt.Name)
			surfaced := *prompt
			surfaced.Name = namespaced
			payload.entries = append(payload.entries, Entry{
				Kind:       kind,
				Backend:    backend,
				Original:   prompt.Name,
				Namespaced: namespaced,
				Prompt:     &surfaced,
			})
		}

	case KindResources:
		resources, err := client.ListAllResources(ctx)
		if err != nil {
			return payload, err
		}
		for _, resource := range resources {
			namespaced := NamespaceURI(backend, resource.URI)
			surfaced := *resource
			surfaced.URI = namespaced
			payload.entries = append(payload.entries, Entry{
				Kind:       kind,
				Backend:    backend,
				Original:   resource.URI,
				Namespaced: namespaced,
				Resource:   &surfaced,
			})
		}

	case KindResourceTemplates:
		templates, err := client.ListAllResourceTemplates(ctx)
		if err != nil {
			return payload, err
		}
		for _, template := range templates {
			entry, err := newTemplateSurface(backend, template)
			if err != nil {
				log.Logf("! Skipping unparsable resource template %q from %s: %s", template.URITemplate, backend, err)
				continue
			}
			payload.entries = append(payload.entries, entry)
		}
	}

	return payload, nil
}

// newTemplateSurface validates that the template compiles; the compiled form
// is installed during commit via rebuildTemplatesLocked.
func newTemplateSurface(backend string, template *mcp.ResourceTemplate) (Entry, error) {
	if _, err := compileTemplate(backend, template.URITemplate); err != nil {
		return Entry{}, err
	}
	namespaced := NamespaceTemplate(backend, template.URITemplate)
	surfaced := *template
	surfaced.URITemplate = namespaced
	return Entry{
		Kind:       KindResourceTemplates,
		Backend:    backend,
		Original:   template.URITemplate,
		Namespaced: namespaced,
		Template:   &surfaced,
	}, nil
}

// commitLocked replaces every entry of (backend, payload.kind) with the new
// set and bumps the backend's capability version for that kind. Callers hold
// the write lock.
func (r *Registry) commitLocked(backend string, payload syncPayload) {
	byNS := r.entries[payload.kind]
	for ns, e := range byNS {
		if e.Backend == backend {
			delete(byNS, ns)
			delete(r.byOriginal, originalKey{kind: payload.kind, backend: backend, original: e.Original})
		}
	}

	for _, e := range payload.entries {
		byNS[e.Namespaced] = e
		r.byOriginal[originalKey{kind: payload.kind, backend: backend, original: e.Original}] = e.Namespaced
	}

	if payload.kind == KindResourceTemplates {
		r.rebuildTemplatesLocked(backend, payload.entries)
	}

	if r.versions[backend] == nil {
		r.versions[backend] = make(map[Kind]int64)
	}
	r.versions[backend][payload.kind]++
}
