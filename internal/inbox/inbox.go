// Package inbox is the reference server's per-user store of unread
// notifications and chat messages.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/unreadsync/internal/storage"
	"github.com/carelink/unreadsync/internal/unread"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

type Entry struct {
	unread.Item
	UserID string    `json:"userId"`
	Read   bool      `json:"read"`
	At     time.Time `json:"at"`
}

type StoreOptions struct {
	// Backend keeps each user's mailbox across restarts; nil keeps it in
	// memory only.
	Backend storage.Backend
	Now     func() time.Time
}

type Store struct {
	backend storage.Backend
	now     func() time.Time

	mu    sync.Mutex
	boxes map[string][]Entry
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{backend: opts.Backend, now: opts.Now, boxes: map[string][]Entry{}}
}

// Add delivers item to userID. A missing id is generated; the stored item
// is returned.
func (s *Store) Add(ctx context.Context, userID string, item unread.Item) (unread.Item, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return unread.Item{}, ErrInvalidInput
	}
	item.Scope = unread.NormalizeScope(item.Scope)
	if strings.TrimSpace(item.ID) == "" {
		item.ID = "itm_" + uuid.NewString()
	}
	if item.ThreadID == "" && item.Scope == unread.ScopeMessages {
		return unread.Item{}, ErrInvalidInput
	}
	now := s.now().UTC()
	if item.CreatedAt == "" {
		item.CreatedAt = now.Format(time.RFC3339Nano)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	box, err := s.boxLocked(ctx, userID)
	if err != nil {
		return unread.Item{}, err
	}
	for _, existing := range box {
		if existing.ID == item.ID {
			return unread.Item{}, ErrInvalidInput
		}
	}
	box = append(box, Entry{Item: item, UserID: userID, At: now})
	if err := s.saveLocked(ctx, userID, box); err != nil {
		return unread.Item{}, err
	}
	return item, nil
}

// Counts reports unread totals with the newest unread item of every thread.
func (s *Store) Counts(ctx context.Context, userID string) (unread.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	box, err := s.boxLocked(ctx, strings.TrimSpace(userID))
	if err != nil {
		return unread.Counts{}, err
	}
	return countsOf(box), nil
}

// MarkRead marks ids read. An empty ids marks every unread item in scope.
// It returns how many items changed and the resulting counts.
func (s *Store) MarkRead(ctx context.Context, userID, scope string, ids []string) (int, unread.Counts, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, unread.Counts{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	box, err := s.boxLocked(ctx, userID)
	if err != nil {
		return 0, unread.Counts{}, err
	}

	wanted := map[string]struct{}{}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			wanted[id] = struct{}{}
		}
	}
	scope = strings.TrimSpace(scope)
	changed := 0
	for i := range box {
		if box[i].Read {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[box[i].ID]; !ok {
				continue
			}
		} else if scope != "" && box[i].Scope != unread.NormalizeScope(scope) {
			continue
		}
		box[i].Read = true
		changed++
	}
	if changed > 0 {
		if err := s.saveLocked(ctx, userID, box); err != nil {
			return 0, unread.Counts{}, err
		}
	}
	return changed, countsOf(box), nil
}

func countsOf(box []Entry) unread.Counts {
	var counts unread.Counts
	newest := map[string]Entry{}
	for _, e := range box {
		if e.Read {
			continue
		}
		if e.Scope == unread.ScopeMessages {
			counts.Messages++
		} else {
			counts.Notifications++
		}
		thread := e.Thread()
		if prev, ok := newest[thread]; !ok || !e.At.Before(prev.At) {
			newest[thread] = e
		}
	}
	for _, e := range newest {
		counts.Latest = append(counts.Latest, e.Item)
	}
	sort.Slice(counts.Latest, func(i, j int) bool {
		return counts.Latest[i].Thread() < counts.Latest[j].Thread()
	})
	return counts
}

func (s *Store) boxLocked(ctx context.Context, userID string) ([]Entry, error) {
	if box, ok := s.boxes[userID]; ok {
		return box, nil
	}
	var box []Entry
	if s.backend != nil && userID != "" {
		raw, ok, err := s.backend.Load(ctx, storage.Key("inbox", userID))
		if err != nil {
			return nil, err
		}
		if ok {
			if err := json.Unmarshal([]byte(raw), &box); err != nil {
				return nil, err
			}
		}
	}
	s.boxes[userID] = box
	return box, nil
}

func (s *Store) saveLocked(ctx context.Context, userID string, box []Entry) error {
	s.boxes[userID] = box
	if s.backend == nil {
		return nil
	}
	data, err := json.Marshal(box)
	if err != nil {
		return err
	}
	return s.backend.Save(ctx, storage.Key("inbox", userID), string(data))
}
