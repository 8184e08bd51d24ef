// Package alert decides when an unread change deserves the user's
// attention. Re-statements of known items stay silent; a previously unseen
// item id plays a sound and, when the agent is hidden or configured to
// always show, raises a desktop notification.
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/carelink/unreadsync/internal/storage"
	"github.com/carelink/unreadsync/internal/unread"
)

const (
	KindSound        = "sound"
	KindSoundBlocked = "sound_blocked"
	KindNotification = "notification"
	KindSilent       = "silent"

	defaultTimeout = 5 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

type Visibility interface {
	Hidden() bool
}

type Recorder interface {
	ObserveAlert(kind string)
}

type Options struct {
	Backend    storage.Backend
	Sounder    Sounder
	Notifier   Notifier
	Visibility Visibility
	// AlwaysShow raises notifications even while the agent is visible.
	AlwaysShow bool
	// RequireGesture keeps sound muted until the first Gesture.
	RequireGesture bool
	Timeout        time.Duration
	Logger         Logger
	Recorder       Recorder
}

type Dispatcher struct {
	opts Options

	mu       sync.Mutex
	owner    string
	lastSeen map[string]string
	unlocked bool
	prompted bool

	// outMu keeps sound and notification output in arrival order.
	outMu   sync.Mutex
	outputs sync.WaitGroup
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Sounder == nil {
		opts.Sounder = NopSounder{}
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Dispatcher{
		opts:     opts,
		lastSeen: map[string]string{},
		unlocked: !opts.RequireGesture,
	}
}

// SetUser scopes last-seen ids to owner. The previous owner's ids are
// forgotten in memory; persisted ids are read back lazily per thread.
func (d *Dispatcher) SetUser(owner string) {
	owner = strings.TrimSpace(owner)
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner == d.owner {
		return
	}
	d.owner = owner
	d.lastSeen = map[string]string{}
}

// Observe handles an item re-stated by the poller. The first sighting of a
// thread with no recorded id only records a baseline.
func (d *Dispatcher) Observe(item unread.Item) bool {
	return d.consider(item, false)
}

// Arrival handles an item pushed as new; it alerts unless the id was
// already recorded for its thread.
func (d *Dispatcher) Arrival(item unread.Item) bool {
	return d.consider(item, true)
}

func (d *Dispatcher) consider(item unread.Item, pushed bool) bool {
	id := strings.TrimSpace(item.ID)
	if id == "" {
		return false
	}
	thread := item.Thread()

	d.mu.Lock()
	prev, known := d.lastSeenLocked(thread)
	if prev == id {
		d.mu.Unlock()
		d.record(KindSilent)
		return false
	}
	d.rememberLocked(thread, id)
	d.mu.Unlock()

	if !known && !pushed {
		d.record(KindSilent)
		return false
	}
	d.alert(notificationFor(item))
	return true
}

// Notify raises an arrival alert for callers that found new items through
// their own fetch and carry no item identity.
func (d *Dispatcher) Notify(count int, body string) bool {
	title := "New activity"
	if count > 0 {
		title = fmt.Sprintf("You have %d unread", count)
	}
	d.alert(Notification{Title: title, Body: strings.TrimSpace(body)})
	return true
}

// Gesture is called on user input. The first call unlocks sound with a
// muted priming cycle; while permission is still undecided it is requested.
func (d *Dispatcher) Gesture(ctx context.Context) {
	d.mu.Lock()
	prime := !d.unlocked
	d.unlocked = true
	d.mu.Unlock()

	if prime {
		ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		if err := d.opts.Sounder.Prime(ctx); err != nil {
			d.logf("alert: priming sound failed: %v", err)
		}
		cancel()
	}
	d.requestPermission(ctx)
}

// Start requests notification permission if it is still undecided.
func (d *Dispatcher) Start(ctx context.Context) {
	d.requestPermission(ctx)
}

func (d *Dispatcher) Permission() Permission {
	return d.opts.Notifier.Permission()
}

func (d *Dispatcher) requestPermission(ctx context.Context) {
	if d.opts.Notifier.Permission() != PermissionDefault {
		return
	}
	d.mu.Lock()
	if d.prompted {
		d.mu.Unlock()
		return
	}
	d.prompted = true
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	state, err := d.opts.Notifier.RequestPermission(ctx)
	if err != nil {
		d.logf("alert: notification permission request failed: %v", err)
		return
	}
	d.logf("alert: notification permission %s", state)
}

// alert hands the outputs to a background goroutine so a slow player or
// notification daemon never holds up the poll or push loop that called it.
func (d *Dispatcher) alert(n Notification) {
	d.mu.Lock()
	unlocked := d.unlocked
	d.mu.Unlock()

	d.outputs.Add(1)
	go func() {
		defer d.outputs.Done()
		d.outMu.Lock()
		defer d.outMu.Unlock()
		d.emit(n, unlocked)
	}()
}

func (d *Dispatcher) emit(n Notification, unlocked bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()

	if unlocked {
		if err := d.opts.Sounder.Play(ctx); err != nil {
			d.logf("alert: sound failed: %v", err)
		}
		d.record(KindSound)
	} else {
		d.record(KindSoundBlocked)
	}

	hidden := d.opts.Visibility != nil && d.opts.Visibility.Hidden()
	if !hidden && !d.opts.AlwaysShow {
		return
	}
	if d.opts.Notifier.Permission() != PermissionGranted {
		return
	}
	if err := d.opts.Notifier.Show(ctx, n); err != nil {
		d.logf("alert: notification failed: %v", err)
		return
	}
	d.record(KindNotification)
}

// Wait blocks until every alert raised so far has finished its output.
func (d *Dispatcher) Wait() {
	d.outputs.Wait()
}

func (d *Dispatcher) lastSeenLocked(thread string) (string, bool) {
	if id, ok := d.lastSeen[thread]; ok {
		return id, true
	}
	if d.owner == "" || d.opts.Backend == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()
	id, ok, err := d.opts.Backend.Load(ctx, lastSeenKey(d.owner, thread))
	if err != nil {
		d.logf("alert: loading last seen for %s failed: %v", thread, err)
		return "", false
	}
	if !ok {
		return "", false
	}
	d.lastSeen[thread] = id
	return id, true
}

func (d *Dispatcher) rememberLocked(thread, id string) {
	d.lastSeen[thread] = id
	if d.owner == "" || d.opts.Backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()
	if err := d.opts.Backend.Save(ctx, lastSeenKey(d.owner, thread), id); err != nil {
		d.logf("alert: persisting last seen for %s failed: %v", thread, err)
	}
}

func (d *Dispatcher) record(kind string) {
	if d.opts.Recorder != nil {
		d.opts.Recorder.ObserveAlert(kind)
	}
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.opts.Logger != nil {
		d.opts.Logger.Printf(format, args...)
	}
}

func lastSeenKey(owner, thread string) string {
	return storage.Key("lastseen", owner, thread)
}

func notificationFor(item unread.Item) Notification {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		if item.Scope == unread.ScopeMessages {
			title = "New message"
		} else {
			title = "New notification"
		}
	}
	return Notification{Title: title, Body: item.Body, URL: item.URL, Tag: item.Thread()}
}
