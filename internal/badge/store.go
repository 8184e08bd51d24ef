// Package badge holds the per-scope unread counters shared by every part of
// the agent. A Store is the single source of truth for one scope of the
// current owner; pollers and the realtime listener write into it and
// renderers and the alert dispatcher read from it.
package badge

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carelink/unreadsync/internal/storage"
	"github.com/carelink/unreadsync/internal/unread"
)

const (
	ScopeNotifications = unread.ScopeNotifications
	ScopeMessages      = unread.ScopeMessages

	storageTimeout = 2 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

// Observer receives accepted values, e.g. to export a gauge.
type Observer interface {
	ObserveBadge(scope string, value int)
}

type Options struct {
	Scope    string
	Backend  storage.Backend
	Logger   Logger
	Observer Observer
}

type Store struct {
	scope    string
	backend  storage.Backend
	logger   Logger
	observer Observer

	// writeMu serializes every mutation together with its fan-out so
	// subscribers see values in the order they were accepted.
	writeMu sync.Mutex
	owner   string
	value   atomic.Int64

	subMu  sync.Mutex
	subs   map[uint64]func(int)
	nextID uint64
}

func NewStore(opts Options) *Store {
	scope := strings.TrimSpace(opts.Scope)
	if scope == "" {
		scope = ScopeNotifications
	}
	return &Store{
		scope:    scope,
		backend:  opts.Backend,
		logger:   opts.Logger,
		observer: opts.Observer,
		subs:     map[uint64]func(int){},
	}
}

func (s *Store) Scope() string {
	return s.scope
}

func (s *Store) Owner() string {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.owner
}

// SetUser switches the active owner. The previous owner's value is dropped
// before the new owner's persisted value is loaded; calling it again with
// the current owner does nothing.
func (s *Store) SetUser(owner string) {
	owner = strings.TrimSpace(owner)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if owner == s.owner {
		return
	}
	s.owner = owner
	next := 0
	if owner != "" {
		next = s.loadLocked(owner)
	}
	s.applyLocked(next, false)
}

// Reload re-reads the current owner's record, picking up writes made by
// other processes sharing the backend.
func (s *Store) Reload() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.owner == "" {
		return
	}
	s.applyLocked(s.loadLocked(s.owner), false)
}

func (s *Store) Get() int {
	return int(s.value.Load())
}

// Set stores value (clamped at zero) and persists it for the current owner.
// It reports whether the value changed; an unchanged value is not published.
func (s *Store) Set(value int) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.applyLocked(value, true)
}

func (s *Store) SetNoPersist(value int) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.applyLocked(value, false)
}

func (s *Store) Increment(delta int) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.applyLocked(int(s.value.Load())+delta, true)
}

// Subscribe registers fn for every accepted change. Callbacks run
// synchronously on the publishing goroutine and must not call Set,
// SetNoPersist, Increment, SetUser or Reload on the same Store.
func (s *Store) Subscribe(fn func(int)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) applyLocked(value int, persist bool) bool {
	if value < 0 {
		value = 0
	}
	if int64(value) == s.value.Load() {
		return false
	}
	s.value.Store(int64(value))
	if persist && s.owner != "" {
		s.saveLocked(s.owner, value)
	}
	if s.observer != nil {
		s.observer.ObserveBadge(s.scope, value)
	}
	s.publish(value)
	return true
}

func (s *Store) publish(value int) {
	s.subMu.Lock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	callbacks := make([]func(int), 0, len(ids))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		callbacks = append(callbacks, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range callbacks {
		s.invoke(fn, value)
	}
}

func (s *Store) invoke(fn func(int), value int) {
	defer func() {
		if r := recover(); r != nil {
			s.logf("badge %s: subscriber panicked: %v", s.scope, r)
		}
	}()
	fn(value)
}

func (s *Store) loadLocked(owner string) int {
	if s.backend == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	raw, ok, err := s.backend.Load(ctx, recordKey(s.scope, owner))
	if err != nil {
		s.logf("badge %s: load for %s failed: %v", s.scope, owner, err)
		return 0
	}
	if !ok {
		return 0
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 0 {
		s.logf("badge %s: ignoring malformed record %q for %s", s.scope, raw, owner)
		return 0
	}
	return value
}

func (s *Store) saveLocked(owner string, value int) {
	if s.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if err := s.backend.Save(ctx, recordKey(s.scope, owner), strconv.Itoa(value)); err != nil {
		s.logf("badge %s: persist for %s failed: %v", s.scope, owner, err)
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func recordKey(scope, owner string) string {
	return storage.Key("unread", scope, owner)
}
