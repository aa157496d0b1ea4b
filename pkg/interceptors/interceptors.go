package interceptors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/talkingthreads/goblin/pkg/log"
)

// Interceptor is one user-configured hook around MCP method handling,
// declared on the command line as `when:type:spec`, e.g.
// `before:exec:/usr/local/bin/audit`.
type Interceptor struct {
	When string // before or after
	Type string // exec
	Spec string
}

// Parse validates a list of interceptor specs.
func Parse(specs []string) ([]Interceptor, error) {
	var parsed []Interceptor
	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid interceptor %q, expected when:type:spec", spec)
		}
		i := Interceptor{When: parts[0], Type: parts[1], Spec: parts[2]}
		if i.When != "before" && i.When != "after" {
			return nil, fmt.Errorf("invalid interceptor %q, when must be 'before' or 'after'", spec)
		}
		if i.Type != "exec" {
			return nil, fmt.Errorf("invalid interceptor %q, unsupported type %q", spec, i.Type)
		}
		parsed = append(parsed, i)
	}
	return parsed, nil
}

// Callbacks assembles the middleware chain for the gateway's MCP server.
func Callbacks(logCalls bool, parsed []Interceptor) []mcp.Middleware {
	var middlewares []mcp.Middleware
	if logCalls {
		middlewares = append(middlewares, logCallsMiddleware())
	}
	for _, i := range parsed {
		middlewares = append(middlewares, i.middleware())
	}
	return middlewares
}

// logCallsMiddleware logs every request method with its duration and outcome.
func logCallsMiddleware() mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			start := time.Now()
			result, err := next(ctx, method, req)
			if err != nil {
				log.Logf("- %s failed in %s: %s", method, time.Since(start), err)
			} else {
				log.Logf("- %s in %s", method, time.Since(start))
			}
			return result, err
		}
	}
}

// middleware runs the interceptor command with the request (and, for `after`,
// the result) on stdin as JSON. A failing `before` command blocks the call.
func (i Interceptor) middleware() mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if i.When == "before" {
				if err := i.run(ctx, method, req.GetParams(), nil); err != nil {
					return nil, fmt.Errorf("blocked by interceptor %s: %w", i.Spec, err)
				}
			}

			result, err := next(ctx, method, req)

			if i.When == "after" && err == nil {
				if hookErr := i.run(ctx, method, req.GetParams(), result); hookErr != nil {
					log.Logf("- Interceptor %s failed: %s", i.Spec, hookErr)
				}
			}
			return result, err
		}
	}
}

func (i Interceptor) run(ctx context.Context, method string, params, result any) error {
	payload, err := json.Marshal(map[string]any{
		"method": method,
		"params": params,
		"result": result,
	})
	if err != nil {
		return err
	}

	argv, err := splitCommand(i.Spec)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func splitCommand(spec string) ([]string, error) {
	argv := strings.Fields(spec)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty interceptor command")
	}
	return argv, nil
}
