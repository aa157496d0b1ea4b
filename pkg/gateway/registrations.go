package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/talkingthreads/goblin/pkg/log"
	"github.com/talkingthreads/goblin/pkg/registry"
	"github.com/talkingthreads/goblin/pkg/router"
)

// registeredCapabilities tracks what the gateway has registered on its client
// surface, by namespaced identifier.
type registeredCapabilities struct {
	ToolNames            []string
	PromptNames          []string
	ResourceURIs         []string
	ResourceTemplateURIs []string
}

// refreshRegistrations reconciles the mcp.Server's registered capabilities
// with the registry's current snapshots. Adding and removing on the SDK
// server is what pushes */list_changed notifications to connected clients,
// so only the diff is applied.
func (g *Gateway) refreshRegistrations() {
	g.regMu.Lock()
	defer g.regMu.Unlock()

	tools := g.registry.Snapshot(registry.KindTools)
	prompts := g.registry.Snapshot(registry.KindPrompts)
	resources := g.registry.Snapshot(registry.KindResources)
	templates := g.registry.Snapshot(registry.KindResourceTemplates)

	next := &registeredCapabilities{}
	toolByName := make(map[string]registry.Entry, len(tools))
	for _, e := range tools {
		next.ToolNames = append(next.ToolNames, e.Namespaced)
		toolByName[e.Namespaced] = e
	}
	promptByName := make(map[string]registry.Entry, len(prompts))
	for _, e := range prompts {
		next.PromptNames = append(next.PromptNames, e.Namespaced)
		promptByName[e.Namespaced] = e
	}
	resourceByURI := make(map[string]registry.Entry, len(resources))
	for _, e := range resources {
		next.ResourceURIs = append(next.ResourceURIs, e.Namespaced)
		resourceByURI[e.Namespaced] = e
	}
	templateByURI := make(map[string]registry.Entry, len(templates))
	for _, e := range templates {
		next.ResourceTemplateURIs = append(next.ResourceTemplateURIs, e.Namespaced)
		templateByURI[e.Namespaced] = e
	}

	addedTools, removedTools := diffStringSlices(g.registered.ToolNames, next.ToolNames)
	addedPrompts, removedPrompts := diffStringSlices(g.registered.PromptNames, next.PromptNames)
	addedResources, removedResources := diffStringSlices(g.registered.ResourceURIs, next.ResourceURIs)
	addedTemplates, removedTemplates := diffStringSlices(g.registered.ResourceTemplateURIs, next.ResourceTemplateURIs)

	if len(removedTools) > 0 {
		g.mcpServer.RemoveTools(removedTools...)
	}
	if len(removedPrompts) > 0 {
		g.mcpServer.RemovePrompts(removedPrompts...)
	}
	if len(removedResources) > 0 {
		g.mcpServer.RemoveResources(removedResources...)
	}
	if len(removedTemplates) > 0 {
		g.mcpServer.RemoveResourceTemplates(removedTemplates...)
	}

	for _, name := range addedTools {
		g.mcpServer.AddTool(toolByName[name].Tool, g.toolHandler())
	}
	for _, name := range addedPrompts {
		g.mcpServer.AddPrompt(promptByName[name].Prompt, g.promptHandler())
	}
	for _, uri := range addedResources {
		g.mcpServer.AddResource(resourceByURI[uri].Resource, g.resourceHandler())
	}
	for _, uri := range addedTemplates {
		g.mcpServer.AddResourceTemplate(templateByURI[uri].Template, g.resourceHandler())
	}

	changed := len(addedTools) + len(removedTools) + len(addedPrompts) + len(removedPrompts) +
		len(addedResources) + len(removedResources) + len(addedTemplates) + len(removedTemplates)
	if changed > 0 {
		log.Debugf("- Registered capabilities updated (%d changes)", changed)
	}

	g.registered = next
}

// toolHandler forwards a namespaced tool call through the router. Routing
// failures come back as tool errors so the original backend message survives
// unchanged; a registry miss is a protocol-level error instead.
func (g *Gateway) toolHandler() mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := argumentsAsMap(req.Params.Arguments)
		if err != nil {
			return nil, err
		}

		result, err := g.router.CallTool(ctx, req.Params.Name, args)
		if err != nil {
			var routingErr *router.Error
			if errors.As(err, &routingErr) && routingErr.Code == router.CodeNotFound {
				return nil, err
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				IsError: true,
			}, nil
		}
		return result, nil
	}
}

func (g *Gateway) promptHandler() mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return g.router.GetPrompt(ctx, req.Params.Name, req.Params.Arguments)
	}
}

func (g *Gateway) resourceHandler() mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return g.router.ReadResource(ctx, req.Params.URI)
	}
}

// argumentsAsMap normalizes the SDK's argument payload into a plain map.
func argumentsAsMap(arguments any) (map[string]any, error) {
	switch args := arguments.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return args, nil
	case json.RawMessage:
		var out map[string]any
		if len(args) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(args, &out); err != nil {
			return nil, fmt.Errorf("failed to parse arguments: %w", err)
		}
		return out, nil
	default:
		buf, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal arguments: %w", err)
		}
		var out map[string]any
		if err := json.Unmarshal(buf, &out); err != nil {
			return nil, fmt.Errorf("failed to parse arguments: %w", err)
		}
		return out, nil
	}
}

// stringSliceToSet converts a slice to a map for efficient lookup
func stringSliceToSet(slice []string) map[string]bool {
	set := make(map[string]bool, len(slice))
	for _, s := range slice {
		set[s] = true
	}
	return set
}

// diffStringSlices returns items that are in 'newer' but not in 'older' (additions),
// and items that are in 'older' but not in 'newer' (removals)
func diffStringSlices(older, newer []string) (additions, removals []string) {
	oldSet := stringSliceToSet(older)
	newSet := stringSliceToSet(newer)

	for _, s := range newer {
		if !oldSet[s] {
			additions = append(additions, s)
		}
	}

	for _, s := range older {
		if !newSet[s] {
			removals = append(removals, s)
		}
	}

	return additions, removals
}
