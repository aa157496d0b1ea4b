package subscriptions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	mu           sync.Mutex
	subscribed   map[string]int
	unsubscribed map[string]int
	failWith     error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		subscribed:   make(map[string]int),
		unsubscribed: make(map[string]int),
	}
}

func (f *fakeSubscriber) SubscribeResource(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.subscribed[uri]++
	return nil
}

func (f *fakeSubscriber) UnsubscribeResource(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed[uri]++
	return nil
}

type fakeBackends struct {
	subscribers map[string]*fakeSubscriber
}

func (f *fakeBackends) Get(_ context.Context, id string) (ResourceSubscriber, error) {
	sub, ok := f.subscribers[id]
	if !ok {
		return nil, errors.New("unknown backend")
	}
	return sub, nil
}

func (f *fakeBackends) Peek(id string) ResourceSubscriber {
	sub, ok := f.subscribers[id]
	if !ok {
		return nil
	}
	return sub
}

type notification struct {
	clients []string
	uri     string
}

type fakeNotifier struct {
	mu         sync.Mutex
	updates    []notification
	terminated []notification
}

func (f *fakeNotifier) ResourceUpdated(_ context.Context, clientIDs []string, uri string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, notification{clients: clientIDs, uri: uri})
}

func (f *fakeNotifier) SubscriptionsTerminated(_ context.Context, clientIDs []string, uris []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, uri := range uris {
		f.terminated = append(f.terminated, notification{clients: clientIDs, uri: uri})
	}
}

func newTestManager() (*Manager, *fakeSubscriber, *fakeNotifier) {
	sub := newFakeSubscriber()
	notifier := &fakeNotifier{}
	m := NewManager(&fakeBackends{subscribers: map[string]*fakeSubscriber{"fs": sub}}, notifier)
	return m, sub, notifier
}

func TestSubscribeFirstClientTakesBackendSubscription(t *testing.T) {
	m, sub, _ := newTestManager()

	require.NoError(t, m.Subscribe(t.Context(), "c1", "fs_file_log", "fs", "file:///log"))
	require.NoError(t, m.Subscribe(t.Context(), "c2", "fs_file_log", "fs", "file:///log"))

	assert.Equal(t, 1, sub.subscribed["file:///log"], "only the first subscriber reaches the backend")
}

func TestSubscribeBackendFailureRecordsNothing(t *testing.T) {
	m, sub, _ := newTestManager()
	sub.failWith = errors.New("backend said no")

	err := m.Subscribe(t.Context(), "c1", "fs_file_log", "fs", "file:///log")
	require.Error(t, err)
	assert.Empty(t, m.Snapshot())
}

func TestSubscribeThenUnsubscribeRestoresPreState(t *testing.T) {
	m, sub, _ := newTestManager()

	require.NoError(t, m.Subscribe(t.Context(), "c1", "fs_file_log", "fs", "file:///log"))
	require.NoError(t, m.Unsubscribe(t.Context(), "c1", "fs_file_log"))

	assert.Empty(t, m.Snapshot())
	assert.Equal(t, 1, sub.unsubscribed["file:///log"], "last client out releases the backend subscription")

	// Both maps are empty again: a re-subscribe behaves like the first one.
	require.NoError(t, m.Subscribe(t.Context(), "c1", "fs_file_log", "fs", "file:///log"))
	assert.Equal(t, 2, sub.subscribed["file:///log"])
}

func TestUnsubscribeKeepsBackendWhileOthersRemain(t *testing.T) {
	m, sub, _ := newTestManager()

	require.NoError(t, m.Subscribe(t.Context(), "c1", "fs_file_log", "fs", "file:///log"))
	require.NoError(t, m.Subscribe(t.Context(), "c2", "fs_file_log", "fs", "file:///log"))
	require.NoError(t, m.Unsubscribe(t.Context(), "c1", "fs_file_log"))

	assert.Zero(t, sub.unsubscribed["file:///log"], "backend subscription stays while a client remains")
}

func TestUnsubscribeUnknown(t *testing.T) {
	m, _, _ := newTestManager()
	assert.Error(t, m.Unsubscribe(t.Context(), "c1", "fs_file_log"))
}

func TestResourceUpdatedFansOutToSubscribersOnly(t *testing.T) {
	m, _, notifier := newTestManager()

	require.NoError(t, m.Subscribe(t.Context(), "c1", "fs_file_log", "fs", "file:///log"))
	require.NoError(t, m.Subscribe(t.Context(), "c2", "fs_file_log", "fs", "file:///log"))
	require.NoError(t, m.Subscribe(t.Context(), "c3", "fs_file_other", "fs", "file:///other"))

	m.OnResourceUpdated(t.Context(), "fs", "file:///log")

	require.Len(t, notifier.updates, 1)
	assert.Equal(t, "fs_file_log", notifier.updates[0].uri)
	assert.ElementsMatch(t, []string{"c1", "c2"}, notifier.updates[0].clients)
}

func TestResourceUpdatedNoSubscribers(t *testing.T) {
	m, _, notifier := newTestManager()
	m.OnResourceUpdated(t.Context(), "fs", "file:///log")
	assert.Empty(t, notifier.updates)
}

func TestDropClientCoalescesBackendReleases(t *testing.T) {
	m, sub, _ := newTestManager()

	require.NoError(t, m.Subscribe(t.Context(), "c1", "fs_file_log", "fs", "file:///log"))
	require.NoError(t, m.Subscribe(t.Context(), "c1", "fs_file_other", "fs", "file:///other"))
	require.NoError(t, m.Subscribe(t.Context(), "c2", "fs_file_log", "fs", "file:///log"))

	m.DropClient(t.Context(), "c1")

	snapshot := m.Snapshot()
	assert.NotContains(t, snapshot, "c1")
	assert.Contains(t, snapshot, "c2")

	assert.Zero(t, sub.unsubscribed["file:///log"], "c2 still holds file:///log")
	assert.Equal(t, 1, sub.unsubscribed["file:///other"])
}

func TestDropBackendNotifiesAffectedClients(t *testing.T) {
	m, sub, notifier := newTestManager()

	require.NoError(t, m.Subscribe(t.Context(), "c1", "fs_file_log", "fs", "file:///log"))
	require.NoError(t, m.Subscribe(t.Context(), "c2", "fs_file_log", "fs", "file:///log"))

	m.DropBackend(t.Context(), "fs")

	assert.Empty(t, m.Snapshot())
	require.Len(t, notifier.terminated, 2, "one terminated event per subscription record")
	assert.Zero(t, sub.unsubscribed["file:///log"], "no release is attempted against a dead backend")
}
