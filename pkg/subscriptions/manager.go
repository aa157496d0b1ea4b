package subscriptions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/talkingthreads/goblin/pkg/log"
	"github.com/talkingthreads/goblin/pkg/telemetry"
)

// ResourceSubscriber is the slice of a backend client the manager needs to
// hold and release backend-side subscriptions.
type ResourceSubscriber interface {
	SubscribeResource(ctx context.Context, uri string) error
	UnsubscribeResource(ctx context.Context, uri string) error
}

// Backends provides backend transports. Get dials when necessary; Peek only
// returns an already-connected transport and may return nil.
type Backends interface {
	Get(ctx context.Context, id string) (ResourceSubscriber, error)
	Peek(id string) ResourceSubscriber
}

// Notifier delivers gateway-to-client notifications for subscribed resources.
type Notifier interface {
	ResourceUpdated(ctx context.Context, clientIDs []string, namespacedURI string)
	SubscriptionsTerminated(ctx context.Context, clientIDs []string, namespacedURIs []string)
}

type subKey struct {
	client string
	uri    string // namespaced
}

type backendURI struct {
	backend string
	uri     string // original
}

type record struct {
	backend      string
	original     string
	subscribedAt time.Time
}

const releaseTimeout = 5 * time.Second

// Manager tracks which client subscribed to which namespaced resource URI and
// fans backend resources/updated notifications back out. The forward map and
// its derived reverse index are always updated inside the same critical
// section. The gateway holds exactly one backend-side subscription per
// (backend, original URI): the first client in takes it, the last one out
// releases it.
type Manager struct {
	mu      sync.Mutex
	forward map[subKey]record
	reverse map[backendURI]map[string]struct{}

	backends Backends
	notifier Notifier
}

func NewManager(backends Backends, notifier Notifier) *Manager {
	return &Manager{
		forward:  make(map[subKey]record),
		reverse:  make(map[backendURI]map[string]struct{}),
		backends: backends,
		notifier: notifier,
	}
}

// Subscribe records (client, namespacedURI) -> (backend, originalURI),
// establishing the backend-side subscription when this is the first
// subscriber on that original URI. On backend failure nothing is recorded.
// A second subscribe by the same client is a no-op.
func (m *Manager) Subscribe(ctx context.Context, clientID, namespacedURI, backendID, originalURI string) error {
	fk := subKey{client: clientID, uri: namespacedURI}
	bk := backendURI{backend: backendID, uri: originalURI}

	m.mu.Lock()
	if _, exists := m.forward[fk]; exists {
		m.mu.Unlock()
		return nil
	}
	first := len(m.reverse[bk]) == 0
	m.mu.Unlock()

	if first {
		sub, err := m.backends.Get(ctx, backendID)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", namespacedURI, err)
		}
		if err := sub.SubscribeResource(ctx, originalURI); err != nil {
			// The caller may have gone away mid-call; if the backend accepted
			// the subscription before the failure surfaced, release it so no
			// dangling backend subscription survives.
			if ctx.Err() != nil {
				m.releaseBackend(backendID, originalURI)
			}
			return fmt.Errorf("subscribing to %s: %w", namespacedURI, err)
		}
	}

	m.mu.Lock()
	m.forward[fk] = record{backend: backendID, original: originalURI, subscribedAt: time.Now()}
	if m.reverse[bk] == nil {
		m.reverse[bk] = make(map[string]struct{})
	}
	m.reverse[bk][clientID] = struct{}{}
	m.mu.Unlock()

	telemetry.AddActiveSubscriptions(ctx, 1)
	return nil
}

// Unsubscribe removes the client's subscription. When the reverse set drains,
// the backend-side subscription is released best-effort: failures are logged,
// never surfaced.
func (m *Manager) Unsubscribe(ctx context.Context, clientID, namespacedURI string) error {
	fk := subKey{client: clientID, uri: namespacedURI}

	m.mu.Lock()
	rec, ok := m.forward[fk]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no subscription for %s", namespacedURI)
	}
	delete(m.forward, fk)
	bk := backendURI{backend: rec.backend, uri: rec.original}
	delete(m.reverse[bk], clientID)
	last := len(m.reverse[bk]) == 0
	if last {
		delete(m.reverse, bk)
	}
	m.mu.Unlock()

	if last {
		m.releaseBackend(rec.backend, rec.original)
	}

	telemetry.AddActiveSubscriptions(ctx, -1)
	return nil
}

// releaseBackend drops the backend-side subscription, on a fresh context so
// the cleanup runs whether or not the caller is still around.
func (m *Manager) releaseBackend(backendID, originalURI string) {
	sub := m.backends.Peek(backendID)
	if sub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := sub.UnsubscribeResource(ctx, originalURI); err != nil {
		log.Logf("- Backend %s unsubscribe of %s failed: %s", backendID, originalURI, err)
	}
}

// OnResourceUpdated fans one backend resources/updated notification out to
// every subscribed client, addressed by the namespaced URI each client
// subscribed with.
func (m *Manager) OnResourceUpdated(ctx context.Context, backendID, originalURI string) {
	bk := backendURI{backend: backendID, uri: originalURI}

	m.mu.Lock()
	byNamespaced := make(map[string][]string)
	for clientID := range m.reverse[bk] {
		for fk, rec := range m.forward {
			if fk.client == clientID && rec.backend == backendID && rec.original == originalURI {
				byNamespaced[fk.uri] = append(byNamespaced[fk.uri], clientID)
			}
		}
	}
	m.mu.Unlock()

	for namespacedURI, clients := range byNamespaced {
		m.notifier.ResourceUpdated(ctx, clients, namespacedURI)
	}
}

// DropClient releases every subscription the client holds, coalescing
// backend-side unsubscribes.
func (m *Manager) DropClient(ctx context.Context, clientID string) {
	m.mu.Lock()
	var drained []backendURI
	dropped := 0
	for fk, rec := range m.forward {
		if fk.client != clientID {
			continue
		}
		delete(m.forward, fk)
		dropped++
		bk := backendURI{backend: rec.backend, uri: rec.original}
		delete(m.reverse[bk], clientID)
		if len(m.reverse[bk]) == 0 {
			delete(m.reverse, bk)
			drained = append(drained, bk)
		}
	}
	m.mu.Unlock()

	for _, bk := range drained {
		m.releaseBackend(bk.backend, bk.uri)
	}
	if dropped > 0 {
		telemetry.AddActiveSubscriptions(ctx, int64(-dropped))
	}
}

// DropBackend removes every subscription scoped to the backend and tells the
// affected clients their subscriptions are gone. No backend-side release is
// attempted: the backend is disconnecting or already gone.
func (m *Manager) DropBackend(ctx context.Context, backendID string) {
	m.mu.Lock()
	affectedClients := make(map[string]struct{})
	var uris []string
	for fk, rec := range m.forward {
		if rec.backend != backendID {
			continue
		}
		delete(m.forward, fk)
		affectedClients[fk.client] = struct{}{}
		uris = append(uris, fk.uri)
	}
	for bk := range m.reverse {
		if bk.backend == backendID {
			delete(m.reverse, bk)
		}
	}
	m.mu.Unlock()

	if len(uris) == 0 {
		return
	}
	clients := make([]string, 0, len(affectedClients))
	for c := range affectedClients {
		clients = append(clients, c)
	}
	m.notifier.SubscriptionsTerminated(ctx, clients, uris)
	telemetry.AddActiveSubscriptions(ctx, int64(-len(uris)))
}

// Snapshot returns the forward map for inspection in tests and meta tooling.
func (m *Manager) Snapshot() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string)
	for fk := range m.forward {
		out[fk.client] = append(out[fk.client], fk.uri)
	}
	return out
}
