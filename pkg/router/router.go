package router

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/talkingthreads/goblin/pkg/backend"
	"github.com/talkingthreads/goblin/pkg/config"
	"github.com/talkingthreads/goblin/pkg/registry"
	"github.com/talkingthreads/goblin/pkg/subscriptions"
	"github.com/talkingthreads/goblin/pkg/telemetry"
)

// ConfigProvider returns the gateway's current configuration. It is a
// function so the router always sees the latest hot-reloaded config.
type ConfigProvider func() *config.Config

// ClientProvider hands out connected backend clients. The transport pool is
// the production implementation.
type ClientProvider interface {
	Get(ctx context.Context, id string) (*backend.Client, error)
}

// Router resolves namespaced identifiers against the registry and forwards
// the call to the owning backend, translating identifiers on the way in and
// on the return surface. It recovers from nothing: every failed dispatch
// comes back as an *Error.
type Router struct {
	registry *registry.Registry
	pool     ClientProvider
	subs     *subscriptions.Manager
	cfg      ConfigProvider
}

func New(reg *registry.Registry, pool ClientProvider, subs *subscriptions.Manager, cfg ConfigProvider) *Router {
	return &Router{
		registry: reg,
		pool:     pool,
		subs:     subs,
		cfg:      cfg,
	}
}

func (r *Router) timeout() time.Duration {
	return r.cfg().Policies.DefaultTimeout()
}

func (r *Router) sizeLimit() int {
	return r.cfg().Policies.MaxOutputSize()
}

// CallTool forwards a namespaced tool call to its backend.
func (r *Router) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	entry, ok := r.registry.Resolve(registry.KindTools, name)
	if !ok {
		return nil, notFound("tool", name)
	}

	client, err := r.pool.Get(ctx, entry.Backend)
	if err != nil {
		telemetry.RecordToolCall(ctx, entry.Backend, "unavailable")
		return nil, backendUnavailable(entry.Backend, err)
	}

	if r.cfg().NormalizePathsFor(entry.Backend) {
		args = normalizeArgMap(args)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	start := time.Now()
	result, err := client.CallTool(callCtx, entry.Original, args)
	telemetry.RecordToolCallDuration(ctx, entry.Backend, float64(time.Since(start).Milliseconds()))
	if err != nil {
		telemetry.RecordToolCall(ctx, entry.Backend, "error")
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, timeoutExceeded(entry.Backend, "tools/call")
		}
		return nil, backendError(entry.Backend, "tool", name, err)
	}

	if size := toolResultSize(result); size > r.sizeLimit() {
		telemetry.RecordToolCall(ctx, entry.Backend, "too_large")
		return nil, payloadTooLarge(entry.Backend, size, r.sizeLimit())
	}

	telemetry.RecordToolCall(ctx, entry.Backend, "success")
	return r.renamespaceToolResult(entry.Backend, result), nil
}

// GetPrompt forwards a namespaced prompt request to its backend.
func (r *Router) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	entry, ok := r.registry.Resolve(registry.KindPrompts, name)
	if !ok {
		return nil, notFound("prompt", name)
	}

	client, err := r.pool.Get(ctx, entry.Backend)
	if err != nil {
		return nil, backendUnavailable(entry.Backend, err)
	}

	if r.cfg().NormalizePathsFor(entry.Backend) {
		normalized := make(map[string]string, len(args))
		for k, v := range args {
			normalized[k] = normalizeArgs(v).(string)
		}
		args = normalized
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	result, err := client.GetPrompt(callCtx, entry.Original, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, timeoutExceeded(entry.Backend, "prompts/get")
		}
		return nil, backendError(entry.Backend, "prompt", name, err)
	}
	return result, nil
}

// ReadResource forwards a namespaced resource read, resolving templates when
// no direct entry matches.
func (r *Router) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	backendID, original, ok := r.registry.ResolveURI(uri)
	if !ok {
		return nil, notFound("resource", uri)
	}

	client, err := r.pool.Get(ctx, backendID)
	if err != nil {
		telemetry.RecordResourceRead(ctx, backendID, "", "unavailable")
		return nil, backendUnavailable(backendID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	result, err := client.ReadResource(callCtx, original)
	if err != nil {
		telemetry.RecordResourceRead(ctx, backendID, "", "error")
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, timeoutExceeded(backendID, "resources/read")
		}
		return nil, backendError(backendID, "resource", uri, err)
	}

	if size := resourceResultSize(result); size > r.sizeLimit() {
		telemetry.RecordResourceRead(ctx, backendID, resultMIME(result), "too_large")
		return nil, payloadTooLarge(backendID, size, r.sizeLimit())
	}

	telemetry.RecordResourceRead(ctx, backendID, resultMIME(result), "success")
	return r.renamespaceResourceResult(backendID, original, uri, result), nil
}

// Subscribe resolves the namespaced URI and records the client subscription.
func (r *Router) Subscribe(ctx context.Context, clientID, uri string) error {
	backendID, original, ok := r.registry.ResolveURI(uri)
	if !ok {
		return notFound("resource", uri)
	}

	if _, err := r.pool.Get(ctx, backendID); err != nil {
		return backendUnavailable(backendID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	if err := r.subs.Subscribe(callCtx, clientID, uri, backendID, original); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return timeoutExceeded(backendID, "resources/subscribe")
		}
		return backendError(backendID, "resource", uri, err)
	}
	return nil
}

// Unsubscribe releases the client's subscription.
func (r *Router) Unsubscribe(ctx context.Context, clientID, uri string) error {
	if err := r.subs.Unsubscribe(ctx, clientID, uri); err != nil {
		return notFound("subscription", uri)
	}
	return nil
}

// CatalogPage is one page over a sorted registry snapshot.
type CatalogPage struct {
	Entries    []registry.Entry
	NextCursor string
}

const defaultPageSize = 100

// ListCatalog pages over the sorted snapshot of one kind using opaque
// numeric cursors.
func (r *Router) ListCatalog(kind registry.Kind, cursor string, pageSize int) (CatalogPage, error) {
	offset, err := decodeCursor(cursor)
	if err != nil {
		return CatalogPage{}, &Error{Code: CodeNotFound, Kind: string(kind), Message: err.Error(), Err: err}
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	snapshot := r.registry.Snapshot(kind)
	if offset >= len(snapshot) {
		return CatalogPage{}, nil
	}

	end := min(offset+pageSize, len(snapshot))
	page := CatalogPage{Entries: snapshot[offset:end]}
	if end < len(snapshot) {
		page.NextCursor = encodeCursor(end)
	}
	return page, nil
}

// toolResultSize approximates the proxied payload size of a tool result.
func toolResultSize(result *mcp.CallToolResult) int {
	size := 0
	for _, content := range result.Content {
		size += contentSize(content)
	}
	return size
}

func contentSize(content mcp.Content) int {
	switch c := content.(type) {
	case *mcp.TextContent:
		return len(c.Text)
	case *mcp.ImageContent:
		return len(c.Data)
	case *mcp.AudioContent:
		return len(c.Data)
	case *mcp.EmbeddedResource:
		if c.Resource == nil {
			return 0
		}
		return len(c.Resource.Text) + len(c.Resource.Blob)
	default:
		return 0
	}
}

func resourceResultSize(result *mcp.ReadResourceResult) int {
	size := 0
	for _, contents := range result.Contents {
		size += len(contents.Text) + len(contents.Blob)
	}
	return size
}

func resultMIME(result *mcp.ReadResourceResult) string {
	for _, contents := range result.Contents {
		if contents.MIMEType != "" {
			return contents.MIMEType
		}
	}
	return ""
}

// renamespaceToolResult rewrites resource URIs embedded in a tool result to
// their namespaced form. Text and blob payloads pass through untouched.
func (r *Router) renamespaceToolResult(backendID string, result *mcp.CallToolResult) *mcp.CallToolResult {
	for i, content := range result.Content {
		embedded, ok := content.(*mcp.EmbeddedResource)
		if !ok || embedded.Resource == nil {
			continue
		}
		namespaced, found := r.registry.ResolveOriginal(registry.KindResources, backendID, embedded.Resource.URI)
		if !found {
			continue
		}
		contents := *embedded.Resource
		contents.URI = namespaced
		result.Content[i] = &mcp.EmbeddedResource{Resource: &contents}
	}
	return result
}

// renamespaceResourceResult maps the URIs of returned resource contents back
// to the gateway surface. The URI the client asked for maps to itself even
// when it was template-resolved and has no direct registry entry.
func (r *Router) renamespaceResourceResult(backendID, original, requested string, result *mcp.ReadResourceResult) *mcp.ReadResourceResult {
	for _, contents := range result.Contents {
		if contents.URI == original {
			contents.URI = requested
			continue
		}
		if namespaced, found := r.registry.ResolveOriginal(registry.KindResources, backendID, contents.URI); found {
			contents.URI = namespaced
		}
	}
	return result
}
