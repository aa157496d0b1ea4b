package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/talkingthreads/goblin/pkg/config"
	"github.com/talkingthreads/goblin/pkg/log"
	"github.com/talkingthreads/goblin/pkg/telemetry"
)

// SpecResolver looks up the definition of a backend by ID. Unknown IDs report
// false.
type SpecResolver func(id string) (config.Server, bool)

// Pool hands out one durable connected client per backend, establishing it
// lazily on first use. Concurrent requests for a cold backend share a single
// in-flight connection attempt: at any instant there is at most one attempt
// per backend, and every waiter observes the same outcome. A failed attempt
// is one-shot; it does not poison later ones.
type Pool struct {
	mu        sync.Mutex
	connected map[string]*Client
	pending   map[string]*pendingConnect

	specs          SpecResolver
	sink           NotificationSink
	connectTimeout time.Duration

	// dial is swapped in tests
	dial func(ctx context.Context, id string, spec config.Server) (*Client, error)
}

type pendingConnect struct {
	done   chan struct{}
	client *Client
	err    error
}

// NewPool builds a cold pool. connectTimeout bounds each connection attempt.
func NewPool(specs SpecResolver, sink NotificationSink, connectTimeout time.Duration) *Pool {
	p := &Pool{
		connected:      make(map[string]*Client),
		pending:        make(map[string]*pendingConnect),
		specs:          specs,
		sink:           sink,
		connectTimeout: connectTimeout,
	}
	p.dial = p.dialBackend
	return p
}

// Get returns a connected client for the backend, creating the connection if
// necessary. The caller's context only bounds its own wait; the shared
// connection attempt runs on its own deadline so one cancelled caller cannot
// fail the attempt for everyone else.
func (p *Pool) Get(ctx context.Context, id string) (*Client, error) {
	p.mu.Lock()

	if c, ok := p.connected[id]; ok {
		if c.IsConnected() {
			p.mu.Unlock()
			return c, nil
		}
		// The session died underneath us; evict before re-dialing.
		delete(p.connected, id)
		telemetry.AddActiveConnections(ctx, id, -1)
	}

	if pc, ok := p.pending[id]; ok {
		p.mu.Unlock()
		return p.await(ctx, pc)
	}

	spec, ok := p.specs(id)
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("unknown backend %q", id)
	}

	pc := &pendingConnect{done: make(chan struct{})}
	p.pending[id] = pc
	p.mu.Unlock()

	go p.runConnect(id, spec, pc)

	return p.await(ctx, pc)
}

func (p *Pool) await(ctx context.Context, pc *pendingConnect) (*Client, error) {
	select {
	case <-pc.done:
		return pc.client, pc.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) runConnect(id string, spec config.Server, pc *pendingConnect) {
	ctx, cancel := context.WithTimeout(context.Background(), p.connectTimeout)
	defer cancel()

	client, err := p.dial(ctx, id, spec)

	p.mu.Lock()
	delete(p.pending, id)
	if err == nil {
		p.connected[id] = client
	}
	p.mu.Unlock()

	if err == nil {
		telemetry.AddActiveConnections(ctx, id, 1)
	} else {
		log.Logf("! Backend %s failed to connect: %s", id, err)
	}

	pc.client = client
	pc.err = err
	close(pc.done)
}

func (p *Pool) dialBackend(ctx context.Context, id string, spec config.Server) (*Client, error) {
	client := New(id, spec, p.sink)
	if _, err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Peek returns the connected client for the backend without dialing, or nil.
func (p *Pool) Peek(id string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.connected[id]; ok && c.IsConnected() {
		return c
	}
	return nil
}

// Drop closes and evicts the backend's connection, if any. An in-flight
// attempt is left to finish; the next Drop will catch it.
func (p *Pool) Drop(id string) {
	p.mu.Lock()
	c, ok := p.connected[id]
	delete(p.connected, id)
	p.mu.Unlock()

	if !ok {
		return
	}
	_ = c.Close()
	telemetry.AddActiveConnections(context.Background(), id, -1)
}

// Close drops every connected backend.
func (p *Pool) Close() {
	p.mu.Lock()
	existing := p.connected
	p.connected = make(map[string]*Client)
	p.mu.Unlock()

	for id, c := range existing {
		_ = c.Close()
		telemetry.AddActiveConnections(context.Background(), id, -1)
	}
}
