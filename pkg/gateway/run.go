package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/talkingthreads/goblin/pkg/backend"
	"github.com/talkingthreads/goblin/pkg/config"
	"github.com/talkingthreads/goblin/pkg/health"
	"github.com/talkingthreads/goblin/pkg/interceptors"
	"github.com/talkingthreads/goblin/pkg/log"
	"github.com/talkingthreads/goblin/pkg/prompts"
	"github.com/talkingthreads/goblin/pkg/registry"
	"github.com/talkingthreads/goblin/pkg/router"
	"github.com/talkingthreads/goblin/pkg/subscriptions"
	"github.com/talkingthreads/goblin/pkg/telemetry"
)

// Gateway is the MCP server surface exposed to clients. It hands requests to
// the router, serves the aggregated catalog from the registry, and pushes
// subscription notifications back out.
type Gateway struct {
	Options
	configPath string

	cfgMu sync.RWMutex
	cfg   *config.Config

	pool       *backend.Pool
	registry   *registry.Registry
	router     *router.Router
	subs       *subscriptions.Manager
	dispatcher *dispatcher
	mcpServer  *mcp.Server
	health     health.State

	regMu      sync.Mutex
	registered *registeredCapabilities

	// auth guards the SSE/streaming surfaces; empty on stdio
	auth authToken
}

func NewGateway(cfg Config) *Gateway {
	return &Gateway{
		Options:    cfg.Options,
		configPath: cfg.ConfigPath,
		registered: &registeredCapabilities{},
	}
}

func (g *Gateway) currentConfig() *config.Config {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.cfg
}

func (g *Gateway) setConfig(cfg *config.Config) {
	g.cfgMu.Lock()
	g.cfg = cfg
	g.cfgMu.Unlock()
}

func (g *Gateway) resolveSpec(id string) (config.Server, bool) {
	cfg := g.currentConfig()
	if cfg == nil {
		return config.Server{}, false
	}
	spec, ok := cfg.Find(id)
	if !ok || !spec.IsEnabled() {
		return config.Server{}, false
	}
	return *spec, true
}

func (g *Gateway) Run(ctx context.Context) error {
	// Initialize telemetry
	telemetry.Init()

	// Set up log file redirection if specified
	if g.LogFilePath != "" {
		logFile, err := os.OpenFile(g.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", g.LogFilePath, err)
		}
		defer logFile.Close()

		// Write to both stderr and the log file
		multiWriter := io.MultiWriter(os.Stderr, logFile)
		log.SetLogWriter(multiWriter)
	}
	log.SetVerbose(g.Verbose)

	// Record gateway start
	transportMode := "stdio"
	if g.Port != 0 {
		transportMode = g.Transport
	}
	telemetry.RecordGatewayStart(ctx, transportMode)

	// The manual reader only exports when asked, so long-running gateways
	// flush periodically.
	if !g.DryRun {
		go g.periodicMetricExport(ctx)
	}

	start := time.Now()

	// Listen as early as possible to not lose client connections.
	var ln net.Listener
	if port := g.Port; port != 0 {
		var (
			lc  net.ListenConfig
			err error
		)
		ln, err = lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return err
		}
	}

	// Read the configuration, optionally watching for updates.
	var (
		cfg           *config.Config
		configUpdates <-chan *config.Config
		err           error
	)
	if g.Watch {
		var stopWatcher func() error
		cfg, configUpdates, stopWatcher, err = config.Watch(ctx, g.configPath)
		if err != nil {
			return err
		}
		defer func() { _ = stopWatcher() }()
	} else {
		cfg, err = config.Load(g.configPath)
		if err != nil {
			return err
		}
	}
	g.setConfig(cfg)

	// Parse interceptors
	parsedInterceptors, err := interceptors.Parse(g.Interceptors)
	if err != nil {
		return fmt.Errorf("parsing interceptors: %w", err)
	}
	if len(g.Interceptors) > 0 {
		log.Log("- Interceptors enabled:", strings.Join(g.Interceptors, ", "))
	}

	// Wire the core: pool -> registry -> subscriptions -> router -> dispatcher.
	g.pool = backend.NewPool(g.resolveSpec, g.onBackendNotification, cfg.Policies.DefaultTimeout())
	defer g.pool.Close()

	g.registry = registry.New(func(ctx context.Context, id string) (registry.Lister, error) {
		return g.pool.Get(ctx, id)
	}, cfg.Policies.MetadataCacheTTL())

	g.subs = subscriptions.NewManager(poolBackends{pool: g.pool}, g)
	g.router = router.New(g.registry, g.pool, g.subs, g.currentConfig)
	g.dispatcher = newDispatcher(ctx, g.registry, g.subs, g.refreshRegistrations)

	g.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "Goblin MCP Gateway",
		Version: "1.0.0",
	}, &mcp.ServerOptions{
		SubscribeHandler: func(ctx context.Context, req *mcp.SubscribeRequest) error {
			log.Debug("- Client subscribed to URI:", req.Params.URI)
			return g.router.Subscribe(ctx, req.Session.ID(), req.Params.URI)
		},
		UnsubscribeHandler: func(ctx context.Context, req *mcp.UnsubscribeRequest) error {
			log.Debug("- Client unsubscribed from URI:", req.Params.URI)
			return g.router.Unsubscribe(ctx, req.Session.ID(), req.Params.URI)
		},
		InitializedHandler: func(_ context.Context, req *mcp.InitializedRequest) {
			clientInfo := req.Session.InitializeParams().ClientInfo
			log.Logf("- Client initialized %s@%s", clientInfo.Name, clientInfo.Version)

			// Release the session's subscriptions once it goes away.
			session := req.Session
			go func() {
				_ = session.Wait()
				g.subs.DropClient(context.Background(), session.ID())
			}()
		},
		HasPrompts:   true,
		HasResources: true,
		HasTools:     true,
	})

	middlewares := interceptors.Callbacks(g.LogCalls, parsedInterceptors)
	if len(middlewares) > 0 {
		g.mcpServer.AddReceivingMiddleware(middlewares...)
	}

	g.registerMetaTools()
	prompts.AddDiscoverPrompt(g.mcpServer)

	// Connect the configured backends and run their initial full sync.
	g.connectBackends(ctx, cfg.EnabledServerIDs())
	g.refreshRegistrations()

	// Apply configuration updates as they come in.
	if configUpdates != nil {
		log.Log("- Watching for configuration updates...")
		go func() {
			for {
				select {
				case <-ctx.Done():
					log.Log("> Stop watching for updates")
					return
				case updated, ok := <-configUpdates:
					if !ok {
						return
					}
					log.Log("> Configuration updated, reloading...")
					g.reconcile(ctx, updated)
				}
			}
		}()
	}

	g.health.SetHealthy()
	log.Log("> Initialized in", time.Since(start))

	if g.DryRun {
		g.logCatalogSummary()
		log.Log("Dry run mode enabled, not starting the server.")
		return nil
	}

	// Initialize authentication token for SSE and streaming modes
	transport := strings.ToLower(g.Transport)
	if transport != "stdio" {
		token, err := resolveAuthToken()
		if err != nil {
			return err
		}
		g.auth = token
	}

	// Start the server
	switch transport {
	case "stdio":
		log.Log("> Start stdio server")
		return g.startStdioServer(ctx, os.Stdin, os.Stdout)

	case "sse":
		log.Log("> Start sse server on port", g.Port)
		g.auth.announce(g.Port, "/sse")
		return g.startSseServer(ctx, ln)

	case "http", "streamable", "streaming", "streamable-http":
		log.Log("> Start streaming server on port", g.Port)
		g.auth.announce(g.Port, "/mcp")
		return g.startStreamingServer(ctx, ln)

	default:
		return fmt.Errorf("unknown transport %q, expected 'stdio', 'sse' or 'streaming'", g.Transport)
	}
}

// onBackendNotification funnels backend notifications into the dispatcher.
// The pool is created before the dispatcher, so guard the startup window.
func (g *Gateway) onBackendNotification(n backend.Notification) {
	if g.dispatcher != nil {
		g.dispatcher.Dispatch(n)
	}
}

// connectBackends establishes the given backends and runs their initial full
// sync. A backend that fails to come up is logged and skipped. Nothing here
// retries it: reconcile only connects backends that are new in an updated
// configuration.
func (g *Gateway) connectBackends(ctx context.Context, serverIDs []string) {
	if len(serverIDs) == 0 {
		log.Log("- No server is enabled")
		return
	}
	log.Log("- Those servers are enabled:", strings.Join(serverIDs, ", "))

	startList := time.Now()
	var wg sync.WaitGroup
	for _, id := range serverIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := g.pool.Get(ctx, id)
			if err != nil {
				log.Logf("  > Can't start %s: %s", id, err)
				return
			}
			if err := g.registry.AddBackend(ctx, client); err != nil {
				log.Logf("  > Can't list capabilities of %s: %s", id, err)
			}
		}()
	}
	wg.Wait()

	log.Log(">", len(g.registry.Snapshot(registry.KindTools)), "tools listed in", time.Since(startList))
}

// reconcile applies a configuration update: removed backends are dropped
// everywhere, added ones are connected and synced.
func (g *Gateway) reconcile(ctx context.Context, updated *config.Config) {
	previous := g.currentConfig()
	g.setConfig(updated)

	oldIDs := stringSliceToSet(previous.EnabledServerIDs())
	newIDs := stringSliceToSet(updated.EnabledServerIDs())

	var added []string
	for id := range newIDs {
		if !oldIDs[id] {
			added = append(added, id)
		}
	}

	for id := range oldIDs {
		if newIDs[id] {
			continue
		}
		log.Log("- Removing backend", id)
		g.dispatcher.dropBackend(id)
		g.subs.DropBackend(ctx, id)
		g.registry.RemoveBackend(id)
		g.pool.Drop(id)
	}

	if len(added) > 0 {
		g.connectBackends(ctx, added)
	}
	g.refreshRegistrations()
}

func (g *Gateway) logCatalogSummary() {
	log.Logf("> Catalog: %d tools, %d prompts, %d resources, %d resource templates",
		len(g.registry.Snapshot(registry.KindTools)),
		len(g.registry.Snapshot(registry.KindPrompts)),
		len(g.registry.Snapshot(registry.KindResources)),
		len(g.registry.Snapshot(registry.KindResourceTemplates)))
}

// ResourceUpdated pushes one resources/updated notification to the sessions
// subscribed to the namespaced URI. Part of the subscriptions.Notifier
// contract.
func (g *Gateway) ResourceUpdated(ctx context.Context, clientIDs []string, namespacedURI string) {
	log.Debugf("- Notifying %d clients: resource updated %s", len(clientIDs), namespacedURI)
	if err := g.mcpServer.ResourceUpdated(ctx, &mcp.ResourceUpdatedNotificationParams{URI: namespacedURI}); err != nil {
		log.Logf("- Failed to deliver resources/updated for %s: %s", namespacedURI, err)
	}
}

// SubscriptionsTerminated records that a backend went away underneath active
// subscriptions. The capability re-registration that follows the backend's
// removal pushes resources/list_changed, so clients re-list instead of
// holding dead URIs.
func (g *Gateway) SubscriptionsTerminated(_ context.Context, clientIDs []string, namespacedURIs []string) {
	log.Logf("- Terminated %d subscriptions across %d clients: %s",
		len(namespacedURIs), len(clientIDs), strings.Join(namespacedURIs, ", "))
}

// periodicMetricExport flushes metrics for long-running gateways.
func (g *Gateway) periodicMetricExport(ctx context.Context) {
	interval := 30 * time.Second
	if raw := os.Getenv("GOBLIN_METRICS_INTERVAL"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			interval = parsed
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := telemetry.ForceFlush(flushCtx); err != nil {
				log.Debugf("- Metric flush error: %s", err)
			}
			cancel()
		}
	}
}

// poolBackends adapts the transport pool to the subscription manager's view.
type poolBackends struct {
	pool *backend.Pool
}

func (p poolBackends) Get(ctx context.Context, id string) (subscriptions.ResourceSubscriber, error) {
	return p.pool.Get(ctx, id)
}

func (p poolBackends) Peek(id string) subscriptions.ResourceSubscriber {
	client := p.pool.Peek(id)
	if client == nil {
		return nil
	}
	return client
}
