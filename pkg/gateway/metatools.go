package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/talkingthreads/goblin/pkg/registry"
	"github.com/talkingthreads/goblin/pkg/telemetry"
)

// Meta tools are synthetic tools the gateway itself registers. They answer
// from the registry snapshot and never reach a backend.

func (g *Gateway) registerMetaTools() {
	metaTools := []*toolRegistration{
		g.createCatalogTool("catalog_tools", registry.KindTools),
		g.createCatalogTool("catalog_prompts", registry.KindPrompts),
		g.createCatalogTool("catalog_resources", registry.KindResources),
		g.createCatalogTool("catalog_resource_templates", registry.KindResourceTemplates),
		g.createDescribeTool("describe_tool", registry.KindTools),
		g.createDescribeTool("describe_prompt", registry.KindPrompts),
		g.createDescribeTool("describe_resource", registry.KindResources),
		g.createSearchTool("search_tools", registry.KindTools),
		g.createSearchTool("search_prompts", registry.KindPrompts),
		g.createSearchTool("search_resources", registry.KindResources),
	}

	for _, t := range metaTools {
		g.mcpServer.AddTool(t.Tool, t.Handler)
	}
}

type toolRegistration struct {
	Tool    *mcp.Tool
	Handler mcp.ToolHandler
}

// createCatalogTool pages over one kind's sorted snapshot with opaque cursors.
func (g *Gateway) createCatalogTool(name string, kind registry.Kind) *toolRegistration {
	tool := &mcp.Tool{
		Name:        name,
		Description: fmt.Sprintf("List the aggregated %s catalog. Returns one page of entries and an opaque cursor for the next page.", strings.ReplaceAll(string(kind), "_", " ")),
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"cursor": {
					Type:        "string",
					Description: "Opaque cursor from a previous page, omit for the first page",
				},
				"limit": {
					Type:        "integer",
					Description: "Maximum number of entries to return (default: 100)",
				},
			},
		},
	}

	handler := func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var params struct {
			Cursor string `json:"cursor"`
			Limit  int    `json:"limit"`
		}
		if err := parseParams(req.Params.Arguments, &params); err != nil {
			return nil, err
		}

		page, err := g.router.ListCatalog(kind, params.Cursor, params.Limit)
		if err != nil {
			return nil, err
		}

		items := make([]map[string]any, 0, len(page.Entries))
		for _, e := range page.Entries {
			items = append(items, summarizeEntry(e))
		}

		meta, _ := g.registry.Metadata(0)
		return jsonResult(map[string]any{
			"items":      items,
			"nextCursor": page.NextCursor,
			"version":    meta.Version,
		})
	}

	return &toolRegistration{Tool: tool, Handler: withToolTelemetry(name, handler)}
}

// createDescribeTool returns the full metadata of one entry.
func (g *Gateway) createDescribeTool(name string, kind registry.Kind) *toolRegistration {
	idField := "name"
	if kind == registry.KindResources {
		idField = "uri"
	}

	tool := &mcp.Tool{
		Name:        name,
		Description: fmt.Sprintf("Describe one aggregated %s entry, including its full metadata and owning server.", kindNoun(kind)),
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				idField: {
					Type:        "string",
					Description: fmt.Sprintf("Namespaced %s of the entry to describe", idField),
				},
			},
			Required: []string{idField},
		},
	}

	handler := func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var params map[string]string
		if err := parseParams(req.Params.Arguments, &params); err != nil {
			return nil, err
		}
		id := strings.TrimSpace(params[idField])
		if id == "" {
			return nil, fmt.Errorf("%s parameter is required", idField)
		}

		entry, ok := g.registry.Resolve(kind, id)
		if !ok {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{
					Text: fmt.Sprintf("Error: no %s named %q in the catalog.", kindNoun(kind), id),
				}},
				IsError: true,
			}, nil
		}

		return jsonResult(describeEntry(entry))
	}

	return &toolRegistration{Tool: tool, Handler: withToolTelemetry(name, handler)}
}

// createSearchTool searches one kind by substring, case-insensitive, over
// name and description. Exact matches rank above prefix matches, prefix
// matches above contains.
func (g *Gateway) createSearchTool(name string, kind registry.Kind) *toolRegistration {
	properties := map[string]*jsonschema.Schema{
		"query": {
			Type:        "string",
			Description: "Search query matched against name and description (case-insensitive)",
		},
		"limit": {
			Type:        "integer",
			Description: "Maximum number of results to return (default: 10)",
		},
		"serverId": {
			Type:        "string",
			Description: "Only return entries owned by this backend server",
		},
	}
	if kind == registry.KindResources {
		properties["mimeType"] = &jsonschema.Schema{
			Type:        "string",
			Description: "Only return resources with this MIME type",
		}
	}

	tool := &mcp.Tool{
		Name:        name,
		Description: fmt.Sprintf("Search the aggregated %s catalog by name or description. Results are sorted by relevance.", kindNoun(kind)),
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: properties,
			Required:   []string{"query"},
		},
	}

	handler := func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var params struct {
			Query    string `json:"query"`
			Limit    int    `json:"limit"`
			ServerID string `json:"serverId"`
			MIMEType string `json:"mimeType"`
		}
		if err := parseParams(req.Params.Arguments, &params); err != nil {
			return nil, err
		}
		if strings.TrimSpace(params.Query) == "" {
			return nil, fmt.Errorf("query parameter is required")
		}
		if params.Limit <= 0 {
			params.Limit = 10
		}

		query := strings.ToLower(strings.TrimSpace(params.Query))

		type match struct {
			entry registry.Entry
			score int
		}
		var matches []match
		for _, e := range g.registry.Snapshot(kind) {
			if params.ServerID != "" && e.Backend != params.ServerID {
				continue
			}
			if params.MIMEType != "" && entryMIME(e) != params.MIMEType {
				continue
			}
			score := scoreMatch(query, strings.ToLower(e.Namespaced), strings.ToLower(entryDescription(e)))
			if originalScore := scoreMatch(query, strings.ToLower(e.Original), ""); originalScore > score {
				score = originalScore
			}
			if score > 0 {
				matches = append(matches, match{entry: e, score: score})
			}
		}

		sort.SliceStable(matches, func(i, j int) bool {
			return matches[i].score > matches[j].score
		})
		if len(matches) > params.Limit {
			matches = matches[:params.Limit]
		}

		results := make([]map[string]any, 0, len(matches))
		for _, m := range matches {
			item := summarizeEntry(m.entry)
			item["score"] = m.score
			results = append(results, item)
		}

		return jsonResult(map[string]any{
			"query":         params.Query,
			"total_matches": len(results),
			"results":       results,
		})
	}

	return &toolRegistration{Tool: tool, Handler: withToolTelemetry(name, handler)}
}

// scoreMatch ranks relevance: exact match > prefix match > contains, with
// description hits below name hits.
func scoreMatch(query, name, description string) int {
	switch {
	case name == query:
		return 100
	case strings.HasPrefix(name, query):
		return 75
	case strings.Contains(name, query):
		return 50
	case description != "" && strings.Contains(description, query):
		return 25
	default:
		return 0
	}
}

func kindNoun(kind registry.Kind) string {
	switch kind {
	case registry.KindTools:
		return "tool"
	case registry.KindPrompts:
		return "prompt"
	case registry.KindResources:
		return "resource"
	default:
		return "resource template"
	}
}

func entryDescription(e registry.Entry) string {
	switch {
	case e.Tool != nil:
		return e.Tool.Description
	case e.Prompt != nil:
		return e.Prompt.Description
	case e.Resource != nil:
		return e.Resource.Description
	case e.Template != nil:
		return e.Template.Description
	default:
		return ""
	}
}

func entryMIME(e registry.Entry) string {
	switch {
	case e.Resource != nil:
		return e.Resource.MIMEType
	case e.Template != nil:
		return e.Template.MIMEType
	default:
		return ""
	}
}

func summarizeEntry(e registry.Entry) map[string]any {
	item := map[string]any{
		"name":     e.Namespaced,
		"serverId": e.Backend,
	}
	if desc := entryDescription(e); desc != "" {
		item["description"] = desc
	}
	if mime := entryMIME(e); mime != "" {
		item["mimeType"] = mime
	}
	return item
}

func describeEntry(e registry.Entry) map[string]any {
	item := map[string]any{
		"name":     e.Namespaced,
		"serverId": e.Backend,
		"original": e.Original,
	}
	switch {
	case e.Tool != nil:
		item["tool"] = e.Tool
	case e.Prompt != nil:
		item["prompt"] = e.Prompt
	case e.Resource != nil:
		item["resource"] = e.Resource
	case e.Template != nil:
		item["resourceTemplate"] = e.Template
	}
	return item
}

// parseParams decodes tool arguments through a JSON round trip.
func parseParams(arguments any, out any) error {
	if arguments == nil {
		return nil
	}
	buf, err := json.Marshal(arguments)
	if err != nil {
		return fmt.Errorf("failed to marshal arguments: %w", err)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("failed to parse arguments: %w", err)
	}
	return nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(buf)}},
	}, nil
}

// withToolTelemetry wraps a meta tool handler with span and counter
// instrumentation.
func withToolTelemetry(toolName string, handler mcp.ToolHandler) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := telemetry.StartToolCallSpan(ctx, toolName,
			attribute.String("mcp.server.name", "goblin"),
			attribute.String("mcp.server.type", "meta"),
		)
		defer span.End()

		result, err := handler(ctx, req)
		if err != nil {
			telemetry.RecordToolCall(ctx, "goblin", "error")
			return nil, err
		}
		telemetry.RecordToolCall(ctx, "goblin", "success")
		return result, nil
	}
}
