package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLister serves a fixed catalog, with optional per-kind failures.
type fakeLister struct {
	id        string
	tools     []*mcp.Tool
	prompts   []*mcp.Prompt
	resources []*mcp.Resource
	templates []*mcp.ResourceTemplate
	failing   map[Kind]error
}

func (f *fakeLister) ID() string { return f.id }

func (f *fakeLister) ListAllTools(context.Context) ([]*mcp.Tool, error) {
	if err := f.failing[KindTools]; err != nil {
		return nil, err
	}
	return f.tools, nil
}

func (f *fakeLister) ListAllPrompts(context.Context) ([]*mcp.Prompt, error) {
	if err := f.failing[KindPrompts]; err != nil {
		return nil, err
	}
	return f.prompts, nil
}

func (f *fakeLister) ListAllResources(context.Context) ([]*mcp.Resource, error) {
	if err := f.failing[KindResources]; err != nil {
		return nil, err
	}
	return f.resources, nil
}

func (f *fakeLister) ListAllResourceTemplates(context.Context) ([]*mcp.ResourceTemplate, error) {
	if err := f.failing[KindResourceTemplates]; err != nil {
		return nil, err
	}
	return f.templates, nil
}

func sourceFor(listers ...*fakeLister) ClientSource {
	return func(_ context.Context, id string) (Lister, error) {
		for _, l := range listers {
			if l.id == id {
				return l, nil
			}
		}
		return nil, fmt.Errorf("unknown backend %q", id)
	}
}

func filesystemLister() *fakeLister {
	return &fakeLister{
		id: "filesystem",
		tools: []*mcp.Tool{
			{Name: "read_file", Description: "Read a file"},
			{Name: "write_file", Description: "Write a file"},
		},
		prompts: []*mcp.Prompt{
			{Name: "summarize", Description: "Summarize a file"},
		},
		resources: []*mcp.Resource{
			{URI: "file:///log", Name: "log", MIMEType: "text/plain"},
		},
		templates: []*mcp.ResourceTemplate{
			{URITemplate: "file:///{path}", Name: "any file"},
		},
	}
}

func TestInitialFullSync(t *testing.T) {
	lister := filesystemLister()
	reg := New(sourceFor(lister), time.Minute)
	require.NoError(t, reg.AddBackend(t.Context(), lister))

	tools := reg.Snapshot(KindTools)
	require.Len(t, tools, 2)
	assert.Equal(t, "filesystem_read_file", tools[0].Namespaced)
	assert.Equal(t, "filesystem_write_file", tools[1].Namespaced)

	entry, ok := reg.Resolve(KindTools, "filesystem_read_file")
	require.True(t, ok)
	assert.Equal(t, "filesystem", entry.Backend)
	assert.Equal(t, "read_file", entry.Original)
	assert.Equal(t, "Read a file", entry.Tool.Description)

	ns, ok := reg.ResolveOriginal(KindTools, "filesystem", "read_file")
	require.True(t, ok)
	assert.Equal(t, "filesystem_read_file", ns)

	backendID, original, ok := reg.ResolveURI("filesystem_file_log")
	require.True(t, ok)
	assert.Equal(t, "filesystem", backendID)
	assert.Equal(t, "file:///log", original)
}

func TestMetadataUntouchedExceptIdentifier(t *testing.T) {
	lister := filesystemLister()
	reg := New(sourceFor(lister), time.Minute)
	require.NoError(t, reg.AddBackend(t.Context(), lister))

	entry, ok := reg.Resolve(KindResources, "filesystem_file_log")
	require.True(t, ok)
	assert.Equal(t, "filesystem_file_log", entry.Resource.URI)
	assert.Equal(t, "log", entry.Resource.Name)
	assert.Equal(t, "text/plain", entry.Resource.MIMEType)

	// The backend's own descriptor is not mutated.
	assert.Equal(t, "file:///log", lister.resources[0].URI)
}

func TestCollisionAcrossBackends(t *testing.T) {
	fs1 := &fakeLister{id: "fs1", tools: []*mcp.Tool{{Name: "echo"}}}
	fs2 := &fakeLister{id: "fs2", tools: []*mcp.Tool{{Name: "echo"}}}
	reg := New(sourceFor(fs1, fs2), time.Minute)
	require.NoError(t, reg.AddBackend(t.Context(), fs1))
	require.NoError(t, reg.AddBackend(t.Context(), fs2))

	tools := reg.Snapshot(KindTools)
	require.Len(t, tools, 2)
	assert.Equal(t, "fs1_echo", tools[0].Namespaced)
	assert.Equal(t, "fs2_echo", tools[1].Namespaced)

	e1, ok := reg.Resolve(KindTools, "fs1_echo")
	require.True(t, ok)
	assert.Equal(t, "fs1", e1.Backend)

	e2, ok := reg.Resolve(KindTools, "fs2_echo")
	require.True(t, ok)
	assert.Equal(t, "fs2", e2.Backend)
}

func TestSyncIsIdempotent(t *testing.T) {
	lister := filesystemLister()
	reg := New(sourceFor(lister), time.Minute)
	require.NoError(t, reg.AddBackend(t.Context(), lister))

	before := reg.Snapshot(KindTools)
	require.NoError(t, reg.Sync(t.Context(), "filesystem"))
	require.NoError(t, reg.Sync(t.Context(), "filesystem"))
	assert.Equal(t, before, reg.Snapshot(KindTools))
}

func TestTargetedSyncLeavesOtherKindsUntouched(t *testing.T) {
	lister := filesystemLister()
	reg := New(sourceFor(lister), time.Minute)
	require.NoError(t, reg.AddBackend(t.Context(), lister))

	promptsBefore := reg.Snapshot(KindPrompts)
	resourcesBefore := reg.Snapshot(KindResources)
	toolsVersion := reg.CapabilityVersion("filesystem", KindTools)
	promptsVersion := reg.CapabilityVersion("filesystem", KindPrompts)

	lister.tools = []*mcp.Tool{{Name: "read_file"}, {Name: "delete_file"}}
	lister.prompts = []*mcp.Prompt{{Name: "should-not-appear"}}
	require.NoError(t, reg.Sync(t.Context(), "filesystem", KindTools))

	tools := reg.Snapshot(KindTools)
	require.Len(t, tools, 2)
	assert.Equal(t, "filesystem_delete_file", tools[0].Namespaced)

	assert.Equal(t, promptsBefore, reg.Snapshot(KindPrompts))
	assert.Equal(t, resourcesBefore, reg.Snapshot(KindResources))
	assert.Equal(t, toolsVersion+1, reg.CapabilityVersion("filesystem", KindTools))
	assert.Equal(t, promptsVersion, reg.CapabilityVersion("filesystem", KindPrompts))
}

func TestFailedSyncKeepsPriorSnapshot(t *testing.T) {
	lister := filesystemLister()
	reg := New(sourceFor(lister), time.Minute)
	require.NoError(t, reg.AddBackend(t.Context(), lister))

	before := reg.Snapshot(KindTools)

	lister.tools = []*mcp.Tool{{Name: "would-be-new"}}
	lister.failing = map[Kind]error{KindTools: errors.New("page 3 of 5 failed")}

	err := reg.Sync(t.Context(), "filesystem", KindTools)
	require.Error(t, err)
	assert.Equal(t, before, reg.Snapshot(KindTools))
}

func TestRemoveBackendDropsEverything(t *testing.T) {
	fs := filesystemLister()
	other := &fakeLister{id: "other", tools: []*mcp.Tool{{Name: "ping"}}}
	reg := New(sourceFor(fs, other), time.Minute)
	require.NoError(t, reg.AddBackend(t.Context(), fs))
	require.NoError(t, reg.AddBackend(t.Context(), other))

	reg.RemoveBackend("filesystem")

	for _, kind := range Kinds {
		for _, e := range reg.Snapshot(kind) {
			assert.NotEqual(t, "filesystem", e.Backend)
		}
	}
	_, ok := reg.Resolve(KindTools, "filesystem_read_file")
	assert.False(t, ok)
	_, _, ok = reg.ResolveURI("filesystem_file_log")
	assert.False(t, ok)

	meta, _ := reg.Metadata(0)
	for _, tool := range meta.Tools {
		assert.NotEqual(t, "filesystem_read_file", tool.Name)
	}

	// The surviving backend is untouched.
	_, ok = reg.Resolve(KindTools, "other_ping")
	assert.True(t, ok)
}

func TestMetadataCacheVersioning(t *testing.T) {
	lister := filesystemLister()
	reg := New(sourceFor(lister), time.Minute)
	require.NoError(t, reg.AddBackend(t.Context(), lister))

	meta, changed := reg.Metadata(0)
	require.True(t, changed)
	require.NotNil(t, meta)
	assert.Len(t, meta.Tools, 2)

	// Same version reports no change.
	again, changed := reg.Metadata(meta.Version)
	assert.False(t, changed)
	assert.Equal(t, meta.Version, again.Version)

	// A catalog mutation invalidates the cache and bumps the version.
	lister.tools = append(lister.tools, &mcp.Tool{Name: "stat"})
	require.NoError(t, reg.Sync(t.Context(), "filesystem", KindTools))

	rebuilt, changed := reg.Metadata(meta.Version)
	require.True(t, changed)
	assert.Greater(t, rebuilt.Version, meta.Version)
	assert.Len(t, rebuilt.Tools, 3)
}

func TestMetadataCacheTTL(t *testing.T) {
	lister := filesystemLister()
	reg := New(sourceFor(lister), 10*time.Millisecond)
	require.NoError(t, reg.AddBackend(t.Context(), lister))

	meta, _ := reg.Metadata(0)
	builtAt := meta.BuiltAt

	time.Sleep(20 * time.Millisecond)

	refreshed, _ := reg.Metadata(0)
	assert.True(t, refreshed.BuiltAt.After(builtAt), "stale snapshot must not be served past its TTL")
	assert.Greater(t, refreshed.Version, meta.Version)
}

func TestMetadataSortedByNamespacedIdentifier(t *testing.T) {
	zed := &fakeLister{id: "zed", tools: []*mcp.Tool{{Name: "a"}}}
	abc := &fakeLister{id: "abc", tools: []*mcp.Tool{{Name: "z"}}}
	reg := New(sourceFor(zed, abc), time.Minute)
	require.NoError(t, reg.AddBackend(t.Context(), zed))
	require.NoError(t, reg.AddBackend(t.Context(), abc))

	meta, _ := reg.Metadata(0)
	require.Len(t, meta.Tools, 2)
	assert.Equal(t, "abc_z", meta.Tools[0].Name)
	assert.Equal(t, "zed_a", meta.Tools[1].Name)
}
