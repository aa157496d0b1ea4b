package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callMetaTool invokes one of the gateway's synthetic tools through a real
// front session.
func callMetaTool(t *testing.T, front *frontClient, name string, args map[string]any) map[string]any {
	t.Helper()

	result, err := front.session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.NotEmpty(t, result.Content)

	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &decoded))
	return decoded
}

func newMetaGateway(t *testing.T) (*Gateway, *frontClient) {
	t.Helper()

	backends := fakeProvider{
		"fs": filesystemBackend(t),
		"db": newBackendClient(t, "db", func(s *mcp.Server) {
			s.AddTool(&mcp.Tool{Name: "query", Description: "Run a database query", InputSchema: objectSchema},
				func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					return &mcp.CallToolResult{}, nil
				})
		}),
	}
	g := newTestGateway(t, backends)
	g.registerMetaTools()
	return g, connectFront(t, g)
}

func TestCatalogToolPagination(t *testing.T) {
	_, front := newMetaGateway(t)

	page := callMetaTool(t, front, "catalog_tools", map[string]any{"limit": 1})
	items := page["items"].([]any)
	require.Len(t, items, 1)
	first := items[0].(map[string]any)
	assert.Equal(t, "db_query", first["name"])
	require.NotEmpty(t, page["nextCursor"])

	page2 := callMetaTool(t, front, "catalog_tools", map[string]any{
		"limit":  1,
		"cursor": page["nextCursor"],
	})
	items2 := page2["items"].([]any)
	require.Len(t, items2, 1)
	assert.Equal(t, "fs_read_file", items2[0].(map[string]any)["name"])
	assert.Empty(t, page2["nextCursor"])
}

func TestDescribeTool(t *testing.T) {
	_, front := newMetaGateway(t)

	desc := callMetaTool(t, front, "describe_tool", map[string]any{"name": "fs_read_file"})
	assert.Equal(t, "fs_read_file", desc["name"])
	assert.Equal(t, "fs", desc["serverId"])
	assert.Equal(t, "read_file", desc["original"])

	tool := desc["tool"].(map[string]any)
	assert.Equal(t, "Read a file", tool["description"])
}

func TestDescribeToolUnknown(t *testing.T) {
	_, front := newMetaGateway(t)

	result, err := front.session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "describe_tool",
		Arguments: map[string]any{"name": "nope"},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSearchToolsRanking(t *testing.T) {
	_, front := newMetaGateway(t)

	res := callMetaTool(t, front, "search_tools", map[string]any{"query": "read"})
	results := res["results"].([]any)
	require.NotEmpty(t, results)
	assert.Equal(t, "fs_read_file", results[0].(map[string]any)["name"])

	// Search matches descriptions as well.
	res = callMetaTool(t, front, "search_tools", map[string]any{"query": "database"})
	results = res["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, "db_query", results[0].(map[string]any)["name"])
}

func TestSearchToolsServerFilter(t *testing.T) {
	_, front := newMetaGateway(t)

	res := callMetaTool(t, front, "search_tools", map[string]any{
		"query":    "e",
		"serverId": "db",
	})
	for _, raw := range res["results"].([]any) {
		assert.Equal(t, "db", raw.(map[string]any)["serverId"])
	}
}

func TestCatalogResourcesListsNamespacedURIs(t *testing.T) {
	_, front := newMetaGateway(t)

	page := callMetaTool(t, front, "catalog_resources", nil)
	items := page["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "fs_file_log", items[0].(map[string]any)["name"])
}
