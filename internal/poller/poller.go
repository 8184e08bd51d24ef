// Package poller periodically fetches the authoritative unread counts and
// publishes them into the badge stores.
package poller

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carelink/unreadsync/internal/badge"
	"github.com/carelink/unreadsync/internal/unread"
)

const (
	DefaultInterval       = 6 * time.Second
	defaultRequestTimeout = 10 * time.Second

	ResultOK      = "ok"
	ResultError   = "error"
	ResultStale   = "stale"
	ResultSkipped = "skipped"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Source interface {
	UnreadCounts(ctx context.Context, userID string) (unread.Counts, error)
}

// ArrivalObserver decides whether a re-observed latest item is new.
type ArrivalObserver interface {
	Observe(item unread.Item) bool
}

type Visibility interface {
	Hidden() bool
}

type Recorder interface {
	ObservePoll(result string, elapsed time.Duration)
}

type Options struct {
	UserID         string
	Source         Source
	Notifications  *badge.Store
	Messages       *badge.Store
	Alerts         ArrivalObserver
	Visibility     Visibility
	Interval       time.Duration
	Jitter         float64
	RequestTimeout time.Duration
	Logger         Logger
	Recorder       Recorder
	// Sample returns values in [0,1) for jitter; defaults to math/rand.
	Sample func() float64
}

type Poller struct {
	opts Options

	seq atomic.Uint64

	applyMu sync.Mutex
	applied uint64
}

func New(opts Options) *Poller {
	opts.UserID = strings.TrimSpace(opts.UserID)
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	opts.Jitter = clampJitterRatio(opts.Jitter)
	if opts.Sample == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		var mu sync.Mutex
		opts.Sample = func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return rng.Float64()
		}
	}
	return &Poller{opts: opts}
}

// Run polls once immediately and then on the configured cadence until ctx is
// done. Ticks do not wait for earlier requests; Run returns after every
// in-flight request has finished.
func (p *Poller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	p.tick(ctx, &wg)
	timer := time.NewTimer(p.nextDelay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			p.tick(ctx, &wg)
			timer.Reset(p.nextDelay())
		}
	}
}

// PollOnce performs a single request on the caller's goroutine.
func (p *Poller) PollOnce(ctx context.Context) error {
	return p.poll(ctx, p.seq.Add(1))
}

func (p *Poller) tick(ctx context.Context, wg *sync.WaitGroup) {
	if p.opts.Visibility != nil && p.opts.Visibility.Hidden() {
		p.record(ResultSkipped, 0)
		return
	}
	seq := p.seq.Add(1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.poll(ctx, seq)
	}()
}

func (p *Poller) poll(ctx context.Context, seq uint64) error {
	started := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()

	counts, err := p.opts.Source.UnreadCounts(reqCtx, p.opts.UserID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logf("unread poll for %q failed: %v", p.opts.UserID, err)
		p.record(ResultError, time.Since(started))
		return err
	}

	p.applyMu.Lock()
	if ctx.Err() != nil {
		p.applyMu.Unlock()
		return ctx.Err()
	}
	if seq <= p.applied {
		p.applyMu.Unlock()
		p.record(ResultStale, time.Since(started))
		return nil
	}
	p.applied = seq
	if p.opts.Notifications != nil {
		p.opts.Notifications.Set(counts.Notifications)
	}
	if p.opts.Messages != nil {
		p.opts.Messages.Set(counts.Messages)
	}
	p.applyMu.Unlock()

	if p.opts.Alerts != nil {
		for _, item := range counts.Latest {
			if strings.TrimSpace(item.ID) == "" {
				continue
			}
			p.opts.Alerts.Observe(item)
		}
	}
	p.record(ResultOK, time.Since(started))
	return nil
}

func (p *Poller) nextDelay() time.Duration {
	return jitteredIntervalWithSample(p.opts.Interval, p.opts.Jitter, p.opts.Sample())
}

func (p *Poller) record(result string, elapsed time.Duration) {
	if p.opts.Recorder != nil {
		p.opts.Recorder.ObservePoll(result, elapsed)
	}
}

func (p *Poller) logf(format string, args ...any) {
	if p.opts.Logger != nil {
		p.opts.Logger.Printf(format, args...)
	}
}
