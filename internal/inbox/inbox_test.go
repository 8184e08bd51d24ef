package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/unreadsync/internal/storage"
	"github.com/carelink/unreadsync/internal/unread"
)

func steppingClock() func() time.Time {
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestCountsReportNewestPerThread(t *testing.T) {
	ctx := context.Background()
	store := NewStoreWithOptions(StoreOptions{Now: steppingClock()})

	_, err := store.Add(ctx, "patient-1", unread.Item{ID: "m1", ThreadID: "conv-1", Scope: "messages"})
	require.NoError(t, err)
	_, err = store.Add(ctx, "patient-1", unread.Item{ID: "m2", ThreadID: "conv-1", Scope: "messages"})
	require.NoError(t, err)
	_, err = store.Add(ctx, "patient-1", unread.Item{ID: "m3", ThreadID: "conv-2", Scope: "messages"})
	require.NoError(t, err)
	n, err := store.Add(ctx, "patient-1", unread.Item{Title: "Appointment confirmed"})
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, unread.ScopeNotifications, n.Scope)

	counts, err := store.Counts(ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Messages)
	assert.Equal(t, 1, counts.Notifications)
	ids := []string{}
	for _, item := range counts.Latest {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"m2", "m3", n.ID}, ids)
}

func TestAddRejectsInvalidItems(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_, err := store.Add(ctx, "", unread.Item{ID: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = store.Add(ctx, "u", unread.Item{ID: "m1", Scope: "messages"})
	assert.ErrorIs(t, err, ErrInvalidInput, "messages need a thread")
	_, err = store.Add(ctx, "u", unread.Item{ID: "n1"})
	require.NoError(t, err)
	_, err = store.Add(ctx, "u", unread.Item{ID: "n1"})
	assert.ErrorIs(t, err, ErrInvalidInput, "duplicate id")
}

func TestMarkReadByIdsAndByScope(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	for _, item := range []unread.Item{
		{ID: "m1", ThreadID: "c", Scope: "messages"},
		{ID: "m2", ThreadID: "c", Scope: "messages"},
		{ID: "n1"},
	} {
		_, err := store.Add(ctx, "doctor-1", item)
		require.NoError(t, err)
	}

	changed, counts, err := store.MarkRead(ctx, "doctor-1", "", []string{"m1", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Equal(t, 1, counts.Messages)

	changed, counts, err = store.MarkRead(ctx, "doctor-1", "messages", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Equal(t, 0, counts.Messages)
	assert.Equal(t, 1, counts.Notifications)

	changed, _, err = store.MarkRead(ctx, "doctor-1", "messages", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
}

func TestMailboxesSurviveRestartThroughBackend(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	store := NewStoreWithOptions(StoreOptions{Backend: backend})
	_, err := store.Add(ctx, "patient-1", unread.Item{ID: "n1"})
	require.NoError(t, err)

	reopened := NewStoreWithOptions(StoreOptions{Backend: backend})
	counts, err := reopened.Counts(ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Notifications)
}
