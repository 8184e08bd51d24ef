package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/carelink/unreadsync/internal/badge"
	"github.com/carelink/unreadsync/internal/unread"
)

type fakeAlerts struct {
	mu       sync.Mutex
	arrivals []unread.Item
	notifies []int
}

func (f *fakeAlerts) Arrival(item unread.Item) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arrivals = append(f.arrivals, item)
	return true
}

func (f *fakeAlerts) Notify(count int, body string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, count)
	return true
}

func (f *fakeAlerts) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.arrivals), len(f.notifies)
}

type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, format)
}

func (l *lineLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func TestDecoderAcceptsKnownFrames(t *testing.T) {
	decoder, err := NewDecoder()
	require.NoError(t, err)

	ev, err := decoder.Decode([]byte(`{"type":"new_item","count":4,"item":{"id":"m1","threadId":"conv-2","scope":"messages"}}`))
	require.NoError(t, err)
	item, ok := ev.(NewItem)
	require.True(t, ok)
	assert.Equal(t, unread.ScopeMessages, item.Scope)
	require.NotNil(t, item.Count)
	assert.Equal(t, 4, *item.Count)
	assert.Equal(t, "conv-2", item.Item.Thread())

	ev, err = decoder.Decode([]byte(`{"type":"new_item"}`))
	require.NoError(t, err)
	bare := ev.(NewItem)
	assert.Equal(t, unread.ScopeNotifications, bare.Scope)
	assert.Nil(t, bare.Count)
	assert.Nil(t, bare.Item)

	ev, err = decoder.Decode([]byte(`{"type":"marked_read","scope":"messages","count":0}`))
	require.NoError(t, err)
	read := ev.(MarkedRead)
	assert.Equal(t, unread.ScopeMessages, read.Scope)
	require.NotNil(t, read.Count)
	assert.Equal(t, 0, *read.Count)

	ev, err = decoder.Decode([]byte(`{"type":"marked_read","scope":"messages"}`))
	require.NoError(t, err)
	assert.Equal(t, MarkedRead{Scope: unread.ScopeMessages}, ev)
}

func TestDecoderRejectsMalformedFrames(t *testing.T) {
	decoder, err := NewDecoder()
	require.NoError(t, err)

	for name, frame := range map[string]string{
		"not json":           `{"type":`,
		"unknown type":       `{"type":"typing"}`,
		"negative count":     `{"type":"new_item","count":-2}`,
		"item without id":    `{"type":"new_item","item":{"threadId":"x"}}`,
		"unknown scope":      `{"type":"new_item","scope":"appointments"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decoder.Decode([]byte(frame))
			assert.ErrorIs(t, err, ErrInvalidFrame)
		})
	}
}

func TestEncodeEventRoundTrips(t *testing.T) {
	decoder, err := NewDecoder()
	require.NoError(t, err)
	count := 2
	data, err := EncodeEvent(NewItem{Scope: unread.ScopeMessages, Count: &count, Item: &unread.Item{ID: "m9", Scope: unread.ScopeMessages}})
	require.NoError(t, err)
	ev, err := decoder.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "m9", ev.(NewItem).Item.ID)

	data, err = EncodeEvent(MarkedRead{Scope: unread.ScopeNotifications})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"marked_read","scope":"notifications"}`, string(data))
}

func TestSelectTransport(t *testing.T) {
	assert.IsType(t, NopTransport{}, SelectTransport(Config{}))
	assert.IsType(t, NopTransport{}, SelectTransport(Config{URL: "ws://localhost/socket", Disabled: true}))
	assert.IsType(t, NopTransport{}, SelectTransport(Config{URL: "ftp://localhost/socket"}))
	assert.IsType(t, &WebsocketTransport{}, SelectTransport(Config{URL: "ws://localhost/socket"}))

	_, err := NopTransport{Reason: "off"}.Connect(context.Background(), Credentials{})
	assert.ErrorIs(t, err, ErrNoChannel)
}

func TestListenerAbsentTransportReturnsQuietly(t *testing.T) {
	logger := &lineLogger{}
	listener := NewListener(Options{Transport: NopTransport{Reason: "not installed"}, Logger: logger})

	require.NoError(t, listener.Run(context.Background(), Credentials{UserID: "u1", Token: "t"}))
	require.NoError(t, listener.Run(context.Background(), Credentials{UserID: "u2", Token: "t"}))
	assert.Equal(t, 1, logger.count())
}

type refusingTransport struct {
	calls int32
}

func (r *refusingTransport) Connect(context.Context, Credentials) (Channel, error) {
	atomic.AddInt32(&r.calls, 1)
	return nil, errors.New("connection refused")
}

func TestListenerAbandonsAfterMaxAttempts(t *testing.T) {
	transport := &refusingTransport{}
	listener := NewListener(Options{Transport: transport, RetryDelay: time.Millisecond, MaxAttempts: 3})

	require.NoError(t, listener.Run(context.Background(), Credentials{UserID: "u1"}))
	assert.Equal(t, int32(3), atomic.LoadInt32(&transport.calls))
}

func TestListenerWithoutOwnerDoesNotConnect(t *testing.T) {
	transport := &refusingTransport{}
	listener := NewListener(Options{Transport: transport})
	require.NoError(t, listener.Run(context.Background(), Credentials{}))
	assert.Equal(t, int32(0), atomic.LoadInt32(&transport.calls))
}

func TestListenerAppliesPushedEvents(t *testing.T) {
	var gotAuth, gotUser atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotUser.Store(r.URL.Query().Get("userId"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")
		ctx := r.Context()
		for _, frame := range []string{
			`{"type":"new_item","scope":"messages","count":3,"item":{"id":"m7","threadId":"conv-1"}}`,
			`{"type":"bogus"}`,
			`{"type":"new_item","scope":"notifications"}`,
			`{"type":"marked_read","scope":"messages","count":0}`,
		} {
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		_, _, _ = conn.Read(ctx)
	}))
	defer server.Close()

	transport, err := NewWebsocketTransport(server.URL+"/socket", server.Client())
	require.NoError(t, err)
	notifications := badge.NewStore(badge.Options{Scope: badge.ScopeNotifications})
	messages := badge.NewStore(badge.Options{Scope: badge.ScopeMessages})
	alerts := &fakeAlerts{}
	var messageValues []int
	var valuesMu sync.Mutex
	messages.Subscribe(func(v int) {
		valuesMu.Lock()
		messageValues = append(messageValues, v)
		valuesMu.Unlock()
	})
	listener := NewListener(Options{
		Transport:     transport,
		Notifications: notifications,
		Messages:      messages,
		Alerts:        alerts,
		RetryDelay:    time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx, Credentials{UserID: "patient-1", Token: "tok"}) }()

	require.Eventually(t, func() bool {
		arrivals, notifies := alerts.counts()
		return arrivals == 1 && notifies == 1 && messages.Get() == 0
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop after cancel")
	}

	assert.Equal(t, "Bearer tok", gotAuth.Load())
	assert.Equal(t, "patient-1", gotUser.Load())
	assert.Equal(t, 1, notifications.Get())
	assert.Equal(t, "m7", alerts.arrivals[0].ID)
	assert.Equal(t, []int{1}, alerts.notifies)
	valuesMu.Lock()
	assert.Equal(t, []int{3, 0}, messageValues)
	valuesMu.Unlock()
}

type scriptedChannel struct {
	events chan Event
}

func (c *scriptedChannel) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *scriptedChannel) Close() error { return nil }

type scriptedTransport struct {
	ch *scriptedChannel
}

func (t scriptedTransport) Connect(context.Context, Credentials) (Channel, error) {
	return t.ch, nil
}

func TestMarkedReadWithoutCountResyncs(t *testing.T) {
	ch := &scriptedChannel{events: make(chan Event, 2)}
	messages := badge.NewStore(badge.Options{Scope: badge.ScopeMessages})
	messages.Set(4)
	var resyncs atomic.Int32
	listener := NewListener(Options{
		Transport: scriptedTransport{ch: ch},
		Messages:  messages,
		Resync: func(ctx context.Context) {
			assert.NoError(t, ctx.Err())
			resyncs.Add(1)
		},
		RetryDelay: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx, Credentials{UserID: "patient-1"}) }()

	ch.events <- MarkedRead{Scope: unread.ScopeMessages}
	require.Eventually(t, func() bool { return resyncs.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 4, messages.Get(), "no count leaves the badge to the re-poll")

	two := 2
	ch.events <- MarkedRead{Scope: unread.ScopeMessages, Count: &two}
	require.Eventually(t, func() bool { return messages.Get() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), resyncs.Load())

	cancel()
	require.NoError(t, <-done)
}
