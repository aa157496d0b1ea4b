package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const shutdownGrace = 5 * time.Second

func (g *Gateway) startStdioServer(ctx context.Context, _ io.Reader, _ io.Writer) error {
	return g.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

func (g *Gateway) startSseServer(ctx context.Context, ln net.Listener) error {
	handler := mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return g.mcpServer
	}, nil)
	return g.serveHTTP(ctx, ln, "/sse", handler)
}

func (g *Gateway) startStreamingServer(ctx context.Context, ln net.Listener) error {
	handler := mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return g.mcpServer
	}, nil)
	return g.serveHTTP(ctx, ln, "/mcp", handler)
}

// serveHTTP is the shared network surface of the SSE and streamable
// transports: one MCP endpoint behind the origin check, a redirect from /,
// and /health. The whole mux sits behind the bearer-token guard when a token
// is configured. Shutdown drains in-flight requests before returning.
func (g *Gateway) serveHTTP(ctx context.Context, ln net.Listener, endpoint string, mcpHandler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/health", g.healthHandler())
	mux.Handle("/", http.RedirectHandler(endpoint, http.StatusTemporaryRedirect))
	mux.Handle(endpoint, g.originCheck(mcpHandler))

	var handler http.Handler = mux
	if g.auth.value != "" {
		handler = g.requireBearerToken(mux)
	}

	httpServer := &http.Server{Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// healthHandler reports readiness plus a summary of the aggregated catalog,
// so probes can tell "listening" apart from "listening and aggregating".
func (g *Gateway) healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !g.health.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		meta, _ := g.registry.Metadata(0)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":            "ok",
			"catalogVersion":    meta.Version,
			"tools":             len(meta.Tools),
			"prompts":           len(meta.Prompts),
			"resources":         len(meta.Resources),
			"resourceTemplates": len(meta.ResourceTemplates),
		})
	})
}

// originCheck guards the MCP endpoint against DNS-rebinding: browser requests
// must come from a local origin or from one explicitly allowed with
// --allowed-origin. Requests without an Origin header (curl, SDKs,
// same-origin) always pass.
func (g *Gateway) originCheck(next http.Handler) http.Handler {
	extra := stringSliceToSet(g.AllowedOrigins)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !originAllowed(origin, extra) {
			http.Error(w, "Forbidden: origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, extra map[string]bool) bool {
	if extra[origin] {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
