package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/unreadsync/internal/realtime"
	"github.com/carelink/unreadsync/internal/session"
	"github.com/carelink/unreadsync/internal/storage"
	"github.com/carelink/unreadsync/internal/unread"
	"github.com/carelink/unreadsync/internal/unreadapi"
)

type fakeAPI struct {
	mu        sync.Mutex
	counts    map[string]unread.Counts
	offline   map[string]bool
	polls     map[string]int
	gates     map[string]chan struct{}
	markReady chan struct{}
	marked    []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		counts:  map[string]unread.Counts{},
		offline: map[string]bool{},
		polls:   map[string]int{},
		gates:   map[string]chan struct{}{},
	}
}

func (f *fakeAPI) factory() APIFactory {
	return func(token string) unreadapi.Client {
		if token == "" {
			return anonymousAPI{}
		}
		return f
	}
}

// UnreadCounts holds a request while the user's gate is open and answers
// with whatever counts are set when the gate closes.
func (f *fakeAPI) UnreadCounts(ctx context.Context, userID string) (unread.Counts, error) {
	f.mu.Lock()
	f.polls[userID]++
	gate := f.gates[userID]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return unread.Counts{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[userID] {
		return unread.Counts{}, errors.New("network unreachable")
	}
	return f.counts[userID], nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, userID, scope string, ids []string) (unread.Counts, error) {
	if f.markReady != nil {
		select {
		case <-f.markReady:
		case <-ctx.Done():
			return unread.Counts{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, ids...)
	counts := f.counts[userID]
	if scope == unread.ScopeMessages {
		counts.Messages = 0
	} else {
		counts.Notifications = 0
	}
	f.counts[userID] = counts
	return counts, nil
}

func (f *fakeAPI) pollCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[userID]
}

type lastRender struct {
	mu     sync.Mutex
	values []int
	resets int
}

func (r *lastRender) Render(count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, count)
	return nil
}

func (r *lastRender) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	return nil
}

func (r *lastRender) last() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return -1
	}
	return r.values[len(r.values)-1]
}

func TestLoginLogoutScenario(t *testing.T) {
	backend := storage.NewMemoryBackend()
	require.NoError(t, backend.Save(context.Background(), "unread:messages:doctor-b", "2"))
	api := newFakeAPI()
	api.counts["patient-a"] = unread.Counts{Messages: 4}
	api.offline["doctor-b"] = true
	favicon := &lastRender{}

	agent := New(Options{
		API:          api.factory(),
		Backend:      backend,
		Bindings:     []Binding{{Scope: unread.ScopeMessages, Renderer: favicon}},
		PollInterval: time.Hour,
	})
	defer agent.Close()

	agent.SetIdentity(session.Identity{UserID: "patient-a", Role: "patient", Token: "tok-a"})
	require.Eventually(t, func() bool { return agent.Messages.Get() == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, 4, favicon.last())

	agent.SetIdentity(session.Identity{})
	assert.Equal(t, 0, agent.Messages.Get())
	assert.Equal(t, 0, favicon.last())

	agent.SetIdentity(session.Identity{UserID: "doctor-b", Role: "doctor", Token: "tok-b"})
	assert.Equal(t, 2, agent.Messages.Get())
	assert.Equal(t, 2, favicon.last())
	require.Eventually(t, func() bool { return api.pollCount("doctor-b") == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, agent.Messages.Get(), "failed poll keeps the persisted value")
}

func TestSetIdentitySameOwnerKeepsSinglePoller(t *testing.T) {
	api := newFakeAPI()
	agent := New(Options{API: api.factory(), PollInterval: time.Hour})
	defer agent.Close()

	id := session.Identity{UserID: "patient-a", Token: "tok"}
	agent.SetIdentity(id)
	agent.SetIdentity(id)
	agent.SetIdentity(id)
	require.Eventually(t, func() bool { return api.pollCount("patient-a") >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, api.pollCount("patient-a"))
}

func TestMarkReadAppliesOptimisticThenAuthoritative(t *testing.T) {
	api := newFakeAPI()
	api.counts["patient-a"] = unread.Counts{Notifications: 1, Messages: 5}
	api.markReady = make(chan struct{})
	agent := New(Options{API: api.factory(), PollInterval: time.Hour})
	defer agent.Close()

	agent.SetIdentity(session.Identity{UserID: "patient-a", Token: "tok"})
	require.Eventually(t, func() bool { return agent.Messages.Get() == 5 }, time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- agent.MarkRead(context.Background(), "messages", []string{"m1", "m2"}) }()
	require.Eventually(t, func() bool { return agent.Messages.Get() == 3 }, time.Second, time.Millisecond)

	close(api.markReady)
	require.NoError(t, <-done)
	assert.Equal(t, 0, agent.Messages.Get())
	assert.Equal(t, 1, agent.Notifications.Get())
	assert.Equal(t, []string{"m1", "m2"}, api.marked)
}

func TestMarkReadAnonymousIsNoop(t *testing.T) {
	agent := New(Options{PollInterval: time.Hour})
	defer agent.Close()
	require.NoError(t, agent.MarkRead(context.Background(), "messages", nil))
}

type refusingTransport struct{}

func (refusingTransport) Connect(context.Context, realtime.Credentials) (realtime.Channel, error) {
	return nil, errors.New("socket package missing")
}

func TestPollingWorksWithoutPushTransport(t *testing.T) {
	for name, transport := range map[string]realtime.Transport{
		"absent":  realtime.NopTransport{Reason: "not configured"},
		"failing": refusingTransport{},
	} {
		t.Run(name, func(t *testing.T) {
			api := newFakeAPI()
			api.counts["patient-a"] = unread.Counts{Notifications: 3}
			agent := New(Options{
				API:          api.factory(),
				Transport:    transport,
				PollInterval: time.Hour,
				RetryDelay:   time.Millisecond,
				MaxAttempts:  2,
			})
			defer agent.Close()

			agent.SetIdentity(session.Identity{UserID: "patient-a", Token: "tok"})
			require.Eventually(t, func() bool { return agent.Notifications.Get() == 3 }, time.Second, time.Millisecond)
		})
	}
}

func TestNewArrivalFromPollAlertsOnce(t *testing.T) {
	api := newFakeAPI()
	api.counts["patient-a"] = unread.Counts{Messages: 1, Latest: []unread.Item{{ID: "m1", ThreadID: "conv-1", Scope: "messages"}}}
	sounder := &countingSounder{}
	agent := New(Options{API: api.factory(), Sounder: sounder, PollInterval: time.Hour})
	defer agent.Close()

	agent.SetIdentity(session.Identity{UserID: "patient-a", Token: "tok"})
	require.NoError(t, agent.Refresh(context.Background()))
	require.NoError(t, agent.Refresh(context.Background()))
	agent.Alerts.Wait()
	assert.Equal(t, 0, sounder.count())

	api.mu.Lock()
	api.counts["patient-a"] = unread.Counts{Messages: 2, Latest: []unread.Item{{ID: "m2", ThreadID: "conv-1", Scope: "messages"}}}
	api.mu.Unlock()
	require.NoError(t, agent.Refresh(context.Background()))
	require.NoError(t, agent.Refresh(context.Background()))
	agent.Alerts.Wait()
	assert.Equal(t, 1, sounder.count())
	assert.Equal(t, 2, agent.Messages.Get())
}

type countingSounder struct {
	mu    sync.Mutex
	plays int
}

func (s *countingSounder) Prime(context.Context) error { return nil }

func (s *countingSounder) Play(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays++
	return nil
}

func (s *countingSounder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plays
}

func TestCloseResetsRenderers(t *testing.T) {
	r := &lastRender{}
	agent := New(Options{Bindings: []Binding{{Scope: "notifications", Renderer: r}}})
	require.NoError(t, agent.Close())
	require.NoError(t, agent.Close())
	assert.Equal(t, 1, r.resets)
}

func TestRefreshInFlightAcrossSwitchLeavesNextUserAlone(t *testing.T) {
	backend := storage.NewMemoryBackend()
	require.NoError(t, backend.Save(context.Background(), "unread:messages:doctor-b", "2"))
	api := newFakeAPI()
	api.counts["patient-a"] = unread.Counts{Messages: 9}
	api.offline["doctor-b"] = true
	gate := make(chan struct{})
	api.gates["patient-a"] = gate

	agent := New(Options{API: api.factory(), Backend: backend, PollInterval: time.Hour})
	defer agent.Close()

	agent.SetIdentity(session.Identity{UserID: "patient-a", Token: "tok-a"})
	done := make(chan error, 1)
	go func() { done <- agent.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return api.pollCount("patient-a") == 2 }, time.Second, time.Millisecond)

	agent.SetIdentity(session.Identity{UserID: "doctor-b", Token: "tok-b"})
	assert.ErrorIs(t, <-done, context.Canceled)
	close(gate)

	require.Eventually(t, func() bool { return api.pollCount("doctor-b") == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, agent.Messages.Get())
	stored, ok, err := backend.Load(context.Background(), "unread:messages:doctor-b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", stored)
	_, ok, err = backend.Load(context.Background(), "unread:messages:patient-a")
	require.NoError(t, err)
	assert.False(t, ok, "cancelled poll must not persist for its owner either")
}

func TestRefreshWithoutUserIsNoop(t *testing.T) {
	api := newFakeAPI()
	agent := New(Options{API: api.factory(), PollInterval: time.Hour})
	defer agent.Close()
	require.NoError(t, agent.Refresh(context.Background()))
	assert.Equal(t, 0, agent.Messages.Get())
}

func TestMarkReadAnswerAfterSwitchIsIgnored(t *testing.T) {
	api := newFakeAPI()
	api.counts["patient-a"] = unread.Counts{Messages: 5}
	api.counts["doctor-b"] = unread.Counts{Messages: 1, Notifications: 3}
	api.markReady = make(chan struct{})
	agent := New(Options{API: api.factory(), PollInterval: time.Hour})
	defer agent.Close()

	agent.SetIdentity(session.Identity{UserID: "patient-a", Token: "tok-a"})
	require.Eventually(t, func() bool { return agent.Messages.Get() == 5 }, time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- agent.MarkRead(context.Background(), "messages", nil) }()
	require.Eventually(t, func() bool { return agent.Messages.Get() == 0 }, time.Second, time.Millisecond)

	agent.SetIdentity(session.Identity{UserID: "doctor-b", Token: "tok-b"})
	require.Eventually(t, func() bool {
		return agent.Notifications.Get() == 3 && agent.Messages.Get() == 1
	}, time.Second, time.Millisecond)
	close(api.markReady)
	require.NoError(t, <-done)
	assert.Equal(t, 1, agent.Messages.Get())
	assert.Equal(t, 3, agent.Notifications.Get())
}

type pushChannel struct {
	events chan realtime.Event
}

func (c *pushChannel) Next(ctx context.Context) (realtime.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pushChannel) Close() error { return nil }

func (c *pushChannel) Connect(context.Context, realtime.Credentials) (realtime.Channel, error) {
	return c, nil
}

func pushed(id string, count int) realtime.NewItem {
	return realtime.NewItem{
		Scope: unread.ScopeMessages,
		Count: &count,
		Item:  &unread.Item{ID: id, ThreadID: "conv-1", Scope: unread.ScopeMessages},
	}
}

func polled(id string, count int) unread.Counts {
	return unread.Counts{Messages: count, Latest: []unread.Item{{ID: id, ThreadID: "conv-1", Scope: unread.ScopeMessages}}}
}

// settlePush waits until every frame queued before it has been applied.
func settlePush(t *testing.T, agent *Agent, push *pushChannel) {
	t.Helper()
	marker := agent.Notifications.Get() + 7
	push.events <- realtime.MarkedRead{Scope: unread.ScopeNotifications, Count: &marker}
	require.Eventually(t, func() bool { return agent.Notifications.Get() == marker }, time.Second, time.Millisecond)
}

// startRacingAgent signs patient-a in with a push channel and waits until
// m6 is the recorded baseline for conv-1.
func startRacingAgent(t *testing.T) (*Agent, *fakeAPI, *pushChannel, *countingSounder) {
	t.Helper()
	api := newFakeAPI()
	api.counts["patient-a"] = polled("m6", 4)
	push := &pushChannel{events: make(chan realtime.Event, 4)}
	sounder := &countingSounder{}
	agent := New(Options{API: api.factory(), Transport: push, Sounder: sounder, PollInterval: time.Hour})
	t.Cleanup(func() { _ = agent.Close() })

	agent.SetIdentity(session.Identity{UserID: "patient-a", Token: "tok-a"})
	require.NoError(t, agent.Refresh(context.Background()))
	require.Eventually(t, func() bool { return api.pollCount("patient-a") == 2 }, time.Second, time.Millisecond)
	require.Equal(t, 4, agent.Messages.Get())
	return agent, api, push, sounder
}

func TestPushDuringPollAlertsOnceAndLastPublishWins(t *testing.T) {
	agent, api, push, sounder := startRacingAgent(t)
	polls := api.pollCount("patient-a")

	gate := make(chan struct{})
	api.mu.Lock()
	api.counts["patient-a"] = polled("m7", 5)
	api.gates["patient-a"] = gate
	api.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- agent.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return api.pollCount("patient-a") == polls+1 }, time.Second, time.Millisecond)

	push.events <- pushed("m7", 6)
	require.Eventually(t, func() bool { return agent.Messages.Get() == 6 }, time.Second, time.Millisecond)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, 5, agent.Messages.Get(), "the poll answer was published last")

	settlePush(t, agent, push)
	agent.Alerts.Wait()
	assert.Equal(t, 1, sounder.count())
}

func TestPollBeforePushAlertsOnceAndLastPublishWins(t *testing.T) {
	agent, api, push, sounder := startRacingAgent(t)

	api.mu.Lock()
	api.counts["patient-a"] = polled("m7", 5)
	api.mu.Unlock()
	require.NoError(t, agent.Refresh(context.Background()))
	assert.Equal(t, 5, agent.Messages.Get())

	push.events <- pushed("m7", 6)
	require.Eventually(t, func() bool { return agent.Messages.Get() == 6 }, time.Second, time.Millisecond)

	settlePush(t, agent, push)
	agent.Alerts.Wait()
	assert.Equal(t, 1, sounder.count())
}
