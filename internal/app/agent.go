// Package app wires the badge stores, poller, push listener, renderers and
// alert dispatcher for one signed-in user at a time.
package app

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carelink/unreadsync/internal/alert"
	"github.com/carelink/unreadsync/internal/badge"
	"github.com/carelink/unreadsync/internal/indicator"
	"github.com/carelink/unreadsync/internal/metrics"
	"github.com/carelink/unreadsync/internal/poller"
	"github.com/carelink/unreadsync/internal/realtime"
	"github.com/carelink/unreadsync/internal/session"
	"github.com/carelink/unreadsync/internal/storage"
	"github.com/carelink/unreadsync/internal/unread"
	"github.com/carelink/unreadsync/internal/unreadapi"
)

type Logger interface {
	Printf(format string, args ...any)
}

// APIFactory returns a counts client bound to token.
type APIFactory func(token string) unreadapi.Client

type Binding struct {
	Scope    string
	Renderer indicator.Renderer
}

type Options struct {
	API        APIFactory
	Backend    storage.Backend
	Transport  realtime.Transport
	Bindings   []Binding
	Sounder    alert.Sounder
	Notifier   alert.Notifier
	Visibility *session.Visibility

	AlwaysShow     bool
	RequireGesture bool
	PollInterval   time.Duration
	PollJitter     float64
	RequestTimeout time.Duration
	RetryDelay     time.Duration
	MaxAttempts    int

	Logger  Logger
	Metrics *metrics.ClientMetrics
}

type Agent struct {
	opts Options

	Notifications *badge.Store
	Messages      *badge.Store
	Alerts        *alert.Dispatcher

	listener *realtime.Listener
	unbinds  []func()

	mu       sync.Mutex
	root     context.Context
	stopRoot context.CancelFunc
	identity session.Identity
	api      unreadapi.Client
	owner    context.Context
	cancel   context.CancelFunc
	current  atomic.Pointer[poller.Poller]
	wg       sync.WaitGroup
	closed   bool
}

func New(opts Options) *Agent {
	if opts.Backend == nil {
		opts.Backend = storage.NewMemoryBackend()
	}
	if opts.Transport == nil {
		opts.Transport = realtime.NopTransport{}
	}
	if opts.Visibility == nil {
		opts.Visibility = &session.Visibility{}
	}
	if opts.API == nil {
		opts.API = func(string) unreadapi.Client { return anonymousAPI{} }
	}

	notifications := badge.NewStore(badge.Options{
		Scope:    unread.ScopeNotifications,
		Backend:  opts.Backend,
		Logger:   opts.Logger,
		Observer: opts.Metrics,
	})
	messages := badge.NewStore(badge.Options{
		Scope:    unread.ScopeMessages,
		Backend:  opts.Backend,
		Logger:   opts.Logger,
		Observer: opts.Metrics,
	})
	alerts := alert.NewDispatcher(alert.Options{
		Backend:        opts.Backend,
		Sounder:        opts.Sounder,
		Notifier:       opts.Notifier,
		Visibility:     opts.Visibility,
		AlwaysShow:     opts.AlwaysShow,
		RequireGesture: opts.RequireGesture,
		Logger:         opts.Logger,
		Recorder:       opts.Metrics,
	})

	a := &Agent{
		opts:          opts,
		Notifications: notifications,
		Messages:      messages,
		Alerts:        alerts,
		api:           opts.API(""),
	}
	a.root, a.stopRoot = context.WithCancel(context.Background())
	a.listener = realtime.NewListener(realtime.Options{
		Transport:     opts.Transport,
		Notifications: notifications,
		Messages:      messages,
		Alerts:        alerts,
		RetryDelay:    opts.RetryDelay,
		MaxAttempts:   opts.MaxAttempts,
		Resync:        a.resync,
		Logger:        opts.Logger,
		Recorder:      opts.Metrics,
	})
	for _, b := range opts.Bindings {
		if b.Renderer == nil {
			continue
		}
		a.unbinds = append(a.unbinds, indicator.Bind(a.Store(b.Scope), b.Renderer, opts.Logger))
	}
	return a
}

// Start asks for notification permission if undecided and follows writes
// to the shared backend made by other processes.
func (a *Agent) Start(ctx context.Context) error {
	a.Alerts.Start(ctx)
	watcher, ok := a.opts.Backend.(storage.Watcher)
	if !ok {
		return nil
	}
	return watcher.Watch(a.root, func() {
		a.Notifications.Reload()
		a.Messages.Reload()
	})
}

func (a *Agent) Store(scope string) *badge.Store {
	if scope == unread.ScopeMessages {
		return a.Messages
	}
	return a.Notifications
}

func (a *Agent) Identity() session.Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

func (a *Agent) Visibility() *session.Visibility {
	return a.opts.Visibility
}

// SetIdentity switches the signed-in user. The previous user's poller and
// push channel are stopped and drained before the stores load the new
// user's records; a new pair is started for a signed-in user.
func (a *Agent) SetIdentity(id session.Identity) {
	id = id.Normalize()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if id == a.identity && (a.cancel != nil || id.Anonymous()) {
		return
	}
	a.stopLocked()

	a.identity = id
	a.api = a.opts.API(id.Token)
	a.Notifications.SetUser(id.UserID)
	a.Messages.SetUser(id.UserID)
	a.Alerts.SetUser(id.UserID)
	if id.Anonymous() {
		return
	}

	ctx, cancel := context.WithCancel(a.root)
	a.owner, a.cancel = ctx, cancel
	p := a.newPollerLocked()
	a.current.Store(p)
	creds := realtime.Credentials{UserID: id.UserID, Token: id.Token}
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = p.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		_ = a.listener.Run(ctx, creds)
	}()
}

// Refresh polls once on the caller's goroutine. The poll belongs to the
// signed-in user: switching identity cancels it and waits for it, so its
// answer never lands in the next user's stores. Without a signed-in user
// it does nothing.
func (a *Agent) Refresh(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel == nil {
		a.mu.Unlock()
		return nil
	}
	p, owner := a.current.Load(), a.owner
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(owner, cancel)
	defer stop()
	return p.PollOnce(ctx)
}

// MarkRead marks ids (or every item in scope when ids is empty) as read.
// The badge drops immediately and is then set from the server's answer.
func (a *Agent) MarkRead(ctx context.Context, scope string, ids []string) error {
	scope = unread.NormalizeScope(strings.TrimSpace(scope))
	a.mu.Lock()
	id, api := a.identity, a.api
	if id.Anonymous() {
		a.mu.Unlock()
		return nil
	}
	store := a.Store(scope)
	if len(ids) == 0 {
		store.Set(0)
	} else {
		store.Increment(-len(ids))
	}
	a.mu.Unlock()

	counts, err := api.MarkRead(ctx, id.UserID, scope, ids)
	if err != nil {
		a.logf("mark read for %s failed: %v", id.UserID, err)
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.identity.UserID != id.UserID {
		return nil
	}
	a.Notifications.Set(counts.Notifications)
	a.Messages.Set(counts.Messages)
	return nil
}

func (a *Agent) Gesture(ctx context.Context) {
	a.Alerts.Gesture(ctx)
}

func (a *Agent) Notify(count int, body string) bool {
	return a.Alerts.Notify(count, body)
}

// Close stops all background work and restores every renderer.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.stopLocked()
	a.stopRoot()
	a.mu.Unlock()
	a.Alerts.Wait()

	for _, unbind := range a.unbinds {
		unbind()
	}
	var renderers indicator.Multi
	for _, b := range a.opts.Bindings {
		renderers = append(renderers, b.Renderer)
	}
	return renderers.Reset()
}

func (a *Agent) stopLocked() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.wg.Wait()
	a.owner, a.cancel = nil, nil
	a.current.Store(nil)
}

// resync polls for the push listener when a frame leaves the count unknown.
// ctx is the listener's, so the answer is dropped once the owner changes.
func (a *Agent) resync(ctx context.Context) {
	if p := a.current.Load(); p != nil {
		_ = p.PollOnce(ctx)
	}
}

func (a *Agent) newPollerLocked() *poller.Poller {
	return poller.New(poller.Options{
		UserID:         a.identity.UserID,
		Source:         a.api,
		Notifications:  a.Notifications,
		Messages:       a.Messages,
		Alerts:         a.Alerts,
		Visibility:     a.opts.Visibility,
		Interval:       a.opts.PollInterval,
		Jitter:         a.opts.PollJitter,
		RequestTimeout: a.opts.RequestTimeout,
		Logger:         a.opts.Logger,
		Recorder:       a.opts.Metrics,
	})
}

func (a *Agent) logf(format string, args ...any) {
	if a.opts.Logger != nil {
		a.opts.Logger.Printf(format, args...)
	}
}

type anonymousAPI struct{}

func (anonymousAPI) UnreadCounts(context.Context, string) (unread.Counts, error) {
	return unread.Counts{}, nil
}

func (anonymousAPI) MarkRead(context.Context, string, string, []string) (unread.Counts, error) {
	return unread.Counts{}, nil
}

// HTTPAPI adapts a token-less HTTP client into an APIFactory.
func HTTPAPI(base *unreadapi.HTTPClient) APIFactory {
	return func(token string) unreadapi.Client {
		return base.WithToken(token)
	}
}
