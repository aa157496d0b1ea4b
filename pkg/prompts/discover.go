package prompts

import (
	"context"
	_ "embed"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

//go:embed discover.md
var discoverPrompt string

// AddDiscoverPrompt adds a prompt that explains how to explore the aggregated
// catalog through the gateway's meta tools
func AddDiscoverPrompt(server *mcp.Server) {
	server.AddPrompt(&mcp.Prompt{
		Name:        "goblin-discover",
		Description: "Learn how to explore the aggregated catalog of this gateway",
	},
		func(_ context.Context, _ *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{
				Description: "Instructions for exploring the gateway's aggregated catalog",
				Messages: []*mcp.PromptMessage{
					{
						Role: "user",
						Content: &mcp.TextContent{
							Text: discoverPrompt,
						},
					},
				},
			}, nil
		})
}
