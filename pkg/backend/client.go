package backend

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/talkingthreads/goblin/pkg/config"
	"github.com/talkingthreads/goblin/pkg/log"
)

// State is the lifecycle state of one backend connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "disconnected"
	}
}

// NotificationKind identifies an unsolicited message from a backend.
type NotificationKind int

const (
	ToolsListChanged NotificationKind = iota
	PromptsListChanged
	ResourcesListChanged
	ResourceUpdated
)

// Notification is one backend-originated event, tagged with the backend it
// came from. URI is set only for ResourceUpdated.
type Notification struct {
	Backend string
	Kind    NotificationKind
	URI     string
}

// NotificationSink receives backend notifications in per-backend arrival order.
type NotificationSink func(Notification)

// Client is one durable MCP client session bound to a single backend.
type Client struct {
	id     string
	spec   config.Server
	notify NotificationSink

	state   atomic.Int32
	client  *mcp.Client
	session *mcp.ClientSession
	caps    *mcp.ServerCapabilities
}

// New builds an unconnected client for the given backend definition.
// Notifications are delivered to sink in the order the backend sent them.
func New(id string, spec config.Server, sink NotificationSink) *Client {
	return &Client{
		id:     id,
		spec:   spec,
		notify: sink,
	}
}

// NewFromSession wraps an already-established MCP session. Used by tests that
// run backends over in-memory transports.
func NewFromSession(id string, session *mcp.ClientSession) *Client {
	c := &Client{id: id, session: session}
	if ir := session.InitializeResult(); ir != nil {
		c.caps = ir.Capabilities
	}
	c.state.Store(int32(Connected))
	return c
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Capabilities returns the capabilities the backend advertised during the
// initialize handshake. Nil until Connect succeeds.
func (c *Client) Capabilities() *mcp.ServerCapabilities {
	return c.caps
}

// Connect performs the MCP initialize handshake over the configured transport
// and returns the backend's advertised capabilities.
func (c *Client) Connect(ctx context.Context) (*mcp.ServerCapabilities, error) {
	if c.IsConnected() {
		return c.caps, nil
	}
	c.state.Store(int32(Connecting))

	transport, err := c.transport()
	if err != nil {
		c.state.Store(int32(Disconnected))
		return nil, err
	}

	c.client = mcp.NewClient(&mcp.Implementation{
		Name:    "goblin-gateway",
		Version: "1.0.0",
	}, c.clientOptions())

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		c.state.Store(int32(Disconnected))
		return nil, fmt.Errorf("connecting to %s: %w", c.id, err)
	}

	c.session = session
	if ir := session.InitializeResult(); ir != nil {
		c.caps = ir.Capabilities
	}
	c.state.Store(int32(Connected))

	// A session that ends on its own (process exit, stream error, malformed
	// traffic) is terminally failed; a clean Close has already moved the
	// state to Disconnected by the time Wait returns.
	go func() {
		err := session.Wait()
		if c.state.CompareAndSwap(int32(Connected), int32(Failed)) && err != nil {
			log.Logf("! Backend %s session ended: %s", c.id, err)
		}
	}()

	return c.caps, nil
}

func (c *Client) transport() (mcp.Transport, error) {
	switch c.spec.Transport {
	case config.TransportStdio:
		cmd := exec.Command(c.spec.Command, c.spec.Args...)
		cmd.Env = os.Environ()
		for k, v := range c.spec.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Stderr = os.Stderr
		return &mcp.CommandTransport{Command: cmd}, nil

	case config.TransportHTTP:
		return &mcp.StreamableClientTransport{
			Endpoint:   c.spec.URL,
			HTTPClient: &http.Client{},
		}, nil

	case config.TransportSSE:
		return &mcp.SSEClientTransport{
			Endpoint:   c.spec.URL,
			HTTPClient: &http.Client{},
		}, nil

	default:
		return nil, fmt.Errorf("backend %s: unsupported transport %q", c.id, c.spec.Transport)
	}
}

// clientOptions wires the backend's unsolicited notifications into the sink.
// The SDK invokes these handlers in receive order for a session, which gives
// the per-backend ordering the dispatcher relies on.
func (c *Client) clientOptions() *mcp.ClientOptions {
	return &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			c.emit(Notification{Backend: c.id, Kind: ToolsListChanged})
		},
		PromptListChangedHandler: func(context.Context, *mcp.PromptListChangedRequest) {
			c.emit(Notification{Backend: c.id, Kind: PromptsListChanged})
		},
		ResourceListChangedHandler: func(context.Context, *mcp.ResourceListChangedRequest) {
			c.emit(Notification{Backend: c.id, Kind: ResourcesListChanged})
		},
		ResourceUpdatedHandler: func(_ context.Context, req *mcp.ResourceUpdatedNotificationRequest) {
			c.emit(Notification{Backend: c.id, Kind: ResourceUpdated, URI: req.Params.URI})
		},
	}
}

func (c *Client) emit(n Notification) {
	if c.notify != nil {
		c.notify(n)
	}
}

// Session returns the underlying MCP session. Panics when not connected;
// callers go through the pool, which only hands out connected clients.
func (c *Client) Session() *mcp.ClientSession {
	if !c.IsConnected() {
		panic("backend client not connected")
	}
	return c.session
}

// Fail marks the session as terminally broken after a protocol error.
func (c *Client) Fail() {
	c.state.Store(int32(Failed))
}

// Close shuts the session down.
func (c *Client) Close() error {
	c.state.Store(int32(Disconnected))
	if c.session == nil {
		return nil
	}
	if err := c.session.Close(); err != nil {
		log.Debugf("- Error closing backend %s: %s", c.id, err)
		return err
	}
	return nil
}

// ListAllTools pages through the backend's tool list until no cursor remains.
func (c *Client) ListAllTools(ctx context.Context) ([]*mcp.Tool, error) {
	var all []*mcp.Tool
	var cursor string
	for {
		res, err := c.Session().ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("listing tools on %s: %w", c.id, err)
		}
		all = append(all, res.Tools...)
		if res.NextCursor == "" {
			return all, nil
		}
		cursor = res.NextCursor
	}
}

// ListAllPrompts pages through the backend's prompt list.
func (c *Client) ListAllPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	var all []*mcp.Prompt
	var cursor string
	for {
		res, err := c.Session().ListPrompts(ctx, &mcp.ListPromptsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("listing prompts on %s: %w", c.id, err)
		}
		all = append(all, res.Prompts...)
		if res.NextCursor == "" {
			return all, nil
		}
		cursor = res.NextCursor
	}
}

// ListAllResources pages through the backend's resource list.
func (c *Client) ListAllResources(ctx context.Context) ([]*mcp.Resource, error) {
	var all []*mcp.Resource
	var cursor string
	for {
		res, err := c.Session().ListResources(ctx, &mcp.ListResourcesParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("listing resources on %s: %w", c.id, err)
		}
		all = append(all, res.Resources...)
		if res.NextCursor == "" {
			return all, nil
		}
		cursor = res.NextCursor
	}
}

// ListAllResourceTemplates pages through the backend's resource template list.
func (c *Client) ListAllResourceTemplates(ctx context.Context) ([]*mcp.ResourceTemplate, error) {
	var all []*mcp.ResourceTemplate
	var cursor string
	for {
		res, err := c.Session().ListResourceTemplates(ctx, &mcp.ListResourceTemplatesParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("listing resource templates on %s: %w", c.id, err)
		}
		all = append(all, res.ResourceTemplates...)
		if res.NextCursor == "" {
			return all, nil
		}
		cursor = res.NextCursor
	}
}

// CallTool forwards one tool call using the backend's original tool name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return c.Session().CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
}

// GetPrompt forwards one prompt request using the backend's original name.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return c.Session().GetPrompt(ctx, &mcp.GetPromptParams{
		Name:      name,
		Arguments: args,
	})
}

// ReadResource forwards one resource read using the backend's original URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.Session().ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
}

// SubscribeResource subscribes the gateway to updates of an original URI.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	return c.Session().Subscribe(ctx, &mcp.SubscribeParams{URI: uri})
}

// UnsubscribeResource releases a backend-side subscription.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string) error {
	return c.Session().Unsubscribe(ctx, &mcp.UnsubscribeParams{URI: uri})
}
