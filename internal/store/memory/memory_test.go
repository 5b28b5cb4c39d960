package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campushub-realtime/internal/store"
)

type note struct {
	Text string `json:"text"`
}

func nextEvent(t *testing.T, ch <-chan store.Event) store.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event stream closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return store.Event{}
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "rooms/a/topic", note{Text: "hello"}))

	var got note
	require.NoError(t, s.Get(ctx, "rooms/a/topic", &got))
	assert.Equal(t, "hello", got.Text)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := New()

	var got note
	err := s.Get(context.Background(), "rooms/missing", &got)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCollectionAssembledFromChildren(t *testing.T) {
	s := New()
	ctx := context.Background()

	k1, err := s.Push(ctx, "rooms/a/notes", note{Text: "one"})
	require.NoError(t, err)
	k2, err := s.Push(ctx, "rooms/a/notes", note{Text: "two"})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	var got map[string]note
	require.NoError(t, s.Get(ctx, "rooms/a/notes", &got))
	assert.Len(t, got, 2)
	assert.Equal(t, "one", got[k1].Text)
	assert.Equal(t, "two", got[k2].Text)
}

func TestRemoveDeletesSubtree(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "rooms/a/notes/n1", note{Text: "one"}))
	require.NoError(t, s.Set(ctx, "rooms/a/notes/n2", note{Text: "two"}))
	require.NoError(t, s.Remove(ctx, "rooms/a/notes"))

	var got map[string]note
	err := s.Get(ctx, "rooms/a/notes", &got)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWatchDeliversInitialSnapshotThenUpdates(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Set(ctx, "rooms/a/notes/n1", note{Text: "one"}))

	events, err := s.Watch(ctx, "rooms/a/notes")
	require.NoError(t, err)

	initial := nextEvent(t, events)
	assert.Equal(t, store.EventPut, initial.Type)
	assert.Contains(t, string(initial.Data), "one")

	require.NoError(t, s.Set(ctx, "rooms/a/notes/n2", note{Text: "two"}))
	update := nextEvent(t, events)
	assert.Equal(t, store.EventPut, update.Type)
	assert.Contains(t, string(update.Data), "two")
}

func TestWatchSeesAncestorRemoval(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Set(ctx, "rooms/a/notes/n1", note{Text: "one"}))

	events, err := s.Watch(ctx, "rooms/a/notes/n1")
	require.NoError(t, err)
	nextEvent(t, events) // initial snapshot

	require.NoError(t, s.Remove(ctx, "rooms/a"))
	removal := nextEvent(t, events)
	assert.Equal(t, store.EventRemove, removal.Type)
}

func TestWatchClosesOnCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())

	events, err := s.Watch(ctx, "rooms/a")
	require.NoError(t, err)
	nextEvent(t, events) // initial snapshot (empty, delivered as remove)

	cancel()
	select {
	case _, ok := <-events:
		assert.False(t, ok, "stream should close after cancel")
	case <-time.After(time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

func TestWatchUnrelatedPathStaysQuiet(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.Watch(ctx, "rooms/a")
	require.NoError(t, err)
	nextEvent(t, events) // initial snapshot

	require.NoError(t, s.Set(ctx, "rooms/b/topic", note{Text: "elsewhere"}))

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for unrelated write: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
