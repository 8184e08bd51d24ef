package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carelink/unreadsync/internal/badge"
	"github.com/carelink/unreadsync/internal/unread"
)

const (
	DefaultRetryDelay  = 5 * time.Second
	DefaultMaxAttempts = 5
)

type Logger interface {
	Printf(format string, args ...any)
}

// Alerts is the arrival path of the alert dispatcher.
type Alerts interface {
	Arrival(item unread.Item) bool
	Notify(count int, body string) bool
}

type Recorder interface {
	ObservePushEvent(kind string)
}

type Options struct {
	Transport     Transport
	Notifications *badge.Store
	Messages      *badge.Store
	Alerts        Alerts
	RetryDelay    time.Duration
	MaxAttempts   int
	// Resync re-polls when a marked_read frame carries no count.
	Resync        func(ctx context.Context)
	Logger        Logger
	Recorder      Recorder
}

type Listener struct {
	opts Options

	// runMu keeps a single channel open per listener.
	runMu     sync.Mutex
	notedNoop atomic.Bool
}

func NewListener(opts Options) *Listener {
	if opts.Transport == nil {
		opts.Transport = NopTransport{}
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Listener{opts: opts}
}

// Run holds the push channel for creds until ctx is done. It never returns
// an error: an absent transport or repeated failures end the run quietly
// and leave the poller as the only source.
func (l *Listener) Run(ctx context.Context, creds Credentials) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if strings.TrimSpace(creds.UserID) == "" {
		return nil
	}
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		ch, err := l.opts.Transport.Connect(ctx, creds)
		if errors.Is(err, ErrNoChannel) {
			if l.notedNoop.CompareAndSwap(false, true) {
				l.logf("realtime: %v; continuing with polling only", err)
			}
			return nil
		}
		if err == nil {
			delivered := l.consume(ctx, ch)
			_ = ch.Close()
			if delivered > 0 {
				failures = 0
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		failures++
		if failures >= l.opts.MaxAttempts {
			l.logf("realtime: giving up after %d failed attempts", failures)
			return nil
		}
		if !sleepContext(ctx, l.opts.RetryDelay) {
			return nil
		}
	}
}

func (l *Listener) consume(ctx context.Context, ch Channel) int {
	delivered := 0
	for {
		ev, err := ch.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrInvalidFrame) {
				l.logf("realtime: dropping frame: %v", err)
				l.record("invalid")
				continue
			}
			return delivered
		}
		delivered++
		l.apply(ctx, ev)
	}
}

func (l *Listener) apply(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case NewItem:
		l.record(TypeNewItem)
		store := l.store(e.Scope)
		if store == nil {
			return
		}
		if e.Count != nil {
			store.Set(*e.Count)
		} else {
			store.Increment(1)
		}
		if l.opts.Alerts == nil {
			return
		}
		if e.Item != nil && strings.TrimSpace(e.Item.ID) != "" {
			l.opts.Alerts.Arrival(*e.Item)
			return
		}
		l.opts.Alerts.Notify(store.Get(), "")
	case MarkedRead:
		l.record(TypeMarkedRead)
		if e.Count == nil {
			if l.opts.Resync != nil {
				l.opts.Resync(ctx)
			}
			return
		}
		if store := l.store(e.Scope); store != nil {
			store.Set(*e.Count)
		}
	}
}

func (l *Listener) store(scope string) *badge.Store {
	if scope == unread.ScopeMessages {
		return l.opts.Messages
	}
	return l.opts.Notifications
}

func (l *Listener) record(kind string) {
	if l.opts.Recorder != nil {
		l.opts.Recorder.ObservePushEvent(kind)
	}
}

func (l *Listener) logf(format string, args ...any) {
	if l.opts.Logger != nil {
		l.opts.Logger.Printf(format, args...)
	}
}

func sleepContext(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
