package gateway

import (
	"context"
	"sync"

	"github.com/talkingthreads/goblin/pkg/backend"
	"github.com/talkingthreads/goblin/pkg/log"
	"github.com/talkingthreads/goblin/pkg/registry"
	"github.com/talkingthreads/goblin/pkg/subscriptions"
)

// dispatcher demultiplexes backend-originated notifications into the registry
// (targeted re-sync) and the subscription manager (fan-out). Each backend gets
// one ordered queue with a single consumer, so events from one backend are
// processed in arrival order while backends never stall each other.
type dispatcher struct {
	ctx      context.Context
	registry *registry.Registry
	subs     *subscriptions.Manager
	onSynced func() // re-register capabilities on the client surface

	mu     sync.Mutex
	queues map[string]chan backend.Notification
	wg     sync.WaitGroup
}

const notificationQueueDepth = 64

func newDispatcher(ctx context.Context, reg *registry.Registry, subs *subscriptions.Manager, onSynced func()) *dispatcher {
	return &dispatcher{
		ctx:      ctx,
		registry: reg,
		subs:     subs,
		onSynced: onSynced,
		queues:   make(map[string]chan backend.Notification),
	}
}

// Dispatch enqueues one notification on its backend's ordered queue. The
// first notification from a backend starts its consumer.
func (d *dispatcher) Dispatch(n backend.Notification) {
	d.mu.Lock()
	queue, ok := d.queues[n.Backend]
	if !ok {
		queue = make(chan backend.Notification, notificationQueueDepth)
		d.queues[n.Backend] = queue
		d.wg.Add(1)
		go d.consume(queue)
	}
	d.mu.Unlock()

	select {
	case queue <- n:
	case <-d.ctx.Done():
	}
}

func (d *dispatcher) consume(queue chan backend.Notification) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case n := <-queue:
			d.handle(n)
		}
	}
}

// handle sinks one notification. Sink errors are logged, never re-raised:
// a failed targeted re-sync keeps the prior catalog snapshot.
func (d *dispatcher) handle(n backend.Notification) {
	switch n.Kind {
	case backend.ToolsListChanged:
		log.Debugf("- %s: tools list changed", n.Backend)
		if err := d.registry.Sync(d.ctx, n.Backend, registry.KindTools); err != nil {
			log.Logf("! Re-sync failed: %s", err)
			return
		}
		d.onSynced()

	case backend.PromptsListChanged:
		log.Debugf("- %s: prompts list changed", n.Backend)
		if err := d.registry.Sync(d.ctx, n.Backend, registry.KindPrompts); err != nil {
			log.Logf("! Re-sync failed: %s", err)
			return
		}
		d.onSynced()

	case backend.ResourcesListChanged:
		log.Debugf("- %s: resources list changed", n.Backend)
		if err := d.registry.Sync(d.ctx, n.Backend, registry.KindResources, registry.KindResourceTemplates); err != nil {
			log.Logf("! Re-sync failed: %s", err)
			return
		}
		d.onSynced()

	case backend.ResourceUpdated:
		log.Debugf("- %s: resource updated: %s", n.Backend, n.URI)
		d.subs.OnResourceUpdated(d.ctx, n.Backend, n.URI)
	}
}

// dropBackend discards the backend's queue. In-flight notifications for a
// removed backend are harmless: syncs fail against the evicted pool entry and
// fan-outs find no subscribers.
func (d *dispatcher) dropBackend(id string) {
	d.mu.Lock()
	delete(d.queues, id)
	d.mu.Unlock()
}
