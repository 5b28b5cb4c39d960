package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campushub-realtime/internal/domain"
	"campushub-realtime/internal/registry"
	"campushub-realtime/internal/store"
	"campushub-realtime/internal/store/memory"
)

const advisorID = domain.UserID("advisor")

func testConversation() domain.Conversation {
	return registry.DirectConversation("alice", advisorID)
}

func writeMessage(t *testing.T, st store.Store, path, id string, msg domain.Message) {
	t.Helper()
	require.NoError(t, st.Set(context.Background(), store.Join(path, id), msg))
}

// waitForView reads updates until the view satisfies ok or the timeout hits.
func waitForView(t *testing.T, agg *Aggregator, ok func([]domain.Message) bool) []domain.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case view, open := <-agg.Updates():
			require.True(t, open, "updates closed before expected view")
			if ok(view) {
				return view
			}
		case <-deadline:
			t.Fatalf("timed out waiting for view, last known: %+v", agg.Messages())
		}
	}
}

func TestAggregatorMergesCanonicalAndLegacyPaths(t *testing.T) {
	st := memory.New()
	reg := registry.New(advisorID)
	conv := testConversation()
	paths := reg.ResolveSourcePaths(conv)
	require.Len(t, paths, 2)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	writeMessage(t, st, paths[0], "m2", domain.Message{SenderID: "alice", Text: "second", Timestamp: base.Add(time.Minute)})
	writeMessage(t, st, paths[1], "m1", domain.Message{SenderID: advisorID, Text: "first", Timestamp: base})
	writeMessage(t, st, paths[1], "m3", domain.Message{SenderID: advisorID, Text: "third", Timestamp: base.Add(2 * time.Minute)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg := NewAggregator(st, reg, conv)
	require.NoError(t, agg.Start(ctx))

	view := waitForView(t, agg, func(v []domain.Message) bool { return len(v) == 3 })
	assert.Equal(t, []string{"first", "second", "third"},
		[]string{view[0].Text, view[1].Text, view[2].Text})
	for _, msg := range view {
		assert.Equal(t, conv.ID, msg.ConversationID)
	}
}

func TestAggregatorTimestampOrderWithIDTieBreak(t *testing.T) {
	st := memory.New()
	reg := registry.New("")
	conv := registry.DirectConversation("alice", "bob")
	path := reg.CanonicalPath(conv)

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	writeMessage(t, st, path, "b", domain.Message{SenderID: "alice", Text: "tie-b", Timestamp: ts})
	writeMessage(t, st, path, "a", domain.Message{SenderID: "bob", Text: "tie-a", Timestamp: ts})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg := NewAggregator(st, reg, conv)
	require.NoError(t, agg.Start(ctx))

	view := waitForView(t, agg, func(v []domain.Message) bool { return len(v) == 2 })
	assert.Equal(t, "a", view[0].ID)
	assert.Equal(t, "b", view[1].ID)
}

func TestAggregatorIDCollisionLastWriteWins(t *testing.T) {
	st := memory.New()
	reg := registry.New(advisorID)
	conv := testConversation()
	paths := reg.ResolveSourcePaths(conv)

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	writeMessage(t, st, paths[0], "dup", domain.Message{SenderID: "alice", Text: "canonical", Timestamp: ts})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg := NewAggregator(st, reg, conv)
	require.NoError(t, agg.Start(ctx))
	waitForView(t, agg, func(v []domain.Message) bool {
		return len(v) == 1 && v[0].Text == "canonical"
	})

	// Same ID arrives later on the legacy path: the later write takes over.
	writeMessage(t, st, paths[1], "dup", domain.Message{SenderID: advisorID, Text: "legacy", Timestamp: ts})
	view := waitForView(t, agg, func(v []domain.Message) bool {
		return len(v) == 1 && v[0].Text == "legacy"
	})
	assert.Equal(t, "dup", view[0].ID)
}

func TestAggregatorDeletionRemovesFromView(t *testing.T) {
	st := memory.New()
	reg := registry.New("")
	conv := registry.DirectConversation("alice", "bob")
	path := reg.CanonicalPath(conv)

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	writeMessage(t, st, path, "m1", domain.Message{SenderID: "alice", Text: "keep", Timestamp: ts})
	writeMessage(t, st, path, "m2", domain.Message{SenderID: "alice", Text: "drop", Timestamp: ts.Add(time.Second)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg := NewAggregator(st, reg, conv)
	require.NoError(t, agg.Start(ctx))
	waitForView(t, agg, func(v []domain.Message) bool { return len(v) == 2 })

	require.NoError(t, st.Remove(context.Background(), store.Join(path, "m2")))
	view := waitForView(t, agg, func(v []domain.Message) bool { return len(v) == 1 })
	assert.Equal(t, "keep", view[0].Text)
}

func TestAggregatorDuplicateSurvivesSingleSourceRemoval(t *testing.T) {
	st := memory.New()
	reg := registry.New(advisorID)
	conv := testConversation()
	paths := reg.ResolveSourcePaths(conv)

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	writeMessage(t, st, paths[0], "dup", domain.Message{SenderID: "alice", Text: "canonical copy", Timestamp: ts})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg := NewAggregator(st, reg, conv)
	require.NoError(t, agg.Start(ctx))
	waitForView(t, agg, func(v []domain.Message) bool { return len(v) == 1 })

	// The migrated copy of the same message arrives on the legacy path and
	// takes ownership of the ID.
	writeMessage(t, st, paths[1], "dup", domain.Message{SenderID: "alice", Text: "legacy copy", Timestamp: ts})
	waitForView(t, agg, func(v []domain.Message) bool {
		return len(v) == 1 && v[0].Text == "legacy copy"
	})

	// Removing only the legacy copy must not drop the message: the canonical
	// source still holds it.
	require.NoError(t, st.Remove(context.Background(), store.Join(paths[1], "dup")))
	view := waitForView(t, agg, func(v []domain.Message) bool {
		return len(v) == 1 && v[0].Text == "canonical copy"
	})
	assert.Equal(t, "dup", view[0].ID)
	assert.Equal(t, conv.ID, view[0].ConversationID)

	// Once the last copy goes, the message leaves the view.
	require.NoError(t, st.Remove(context.Background(), store.Join(paths[0], "dup")))
	waitForView(t, agg, func(v []domain.Message) bool { return len(v) == 0 })
}

func TestAggregatorEditReplacesInPlace(t *testing.T) {
	st := memory.New()
	reg := registry.New("")
	conv := registry.DirectConversation("alice", "bob")
	path := reg.CanonicalPath(conv)

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	writeMessage(t, st, path, "m1", domain.Message{SenderID: "alice", Text: "before", Timestamp: ts})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg := NewAggregator(st, reg, conv)
	require.NoError(t, agg.Start(ctx))
	waitForView(t, agg, func(v []domain.Message) bool { return len(v) == 1 })

	writeMessage(t, st, path, "m1", domain.Message{SenderID: "alice", Text: "after", Timestamp: ts.Add(time.Minute)})
	view := waitForView(t, agg, func(v []domain.Message) bool {
		return len(v) == 1 && v[0].Text == "after"
	})
	assert.Equal(t, "m1", view[0].ID)
}

// failingStore wraps a Store and fails Watch for one path.
type failingStore struct {
	store.Store
	failPath string
}

func (f *failingStore) Watch(ctx context.Context, path string) (<-chan store.Event, error) {
	if path == f.failPath {
		return nil, assert.AnError
	}
	return f.Store.Watch(ctx, path)
}

func TestAggregatorDegradesWhenOneSourceFails(t *testing.T) {
	mem := memory.New()
	reg := registry.New(advisorID)
	conv := testConversation()
	paths := reg.ResolveSourcePaths(conv)
	st := &failingStore{Store: mem, failPath: paths[1]}

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	writeMessage(t, mem, paths[0], "m1", domain.Message{SenderID: "alice", Text: "survives", Timestamp: ts})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg := NewAggregator(st, reg, conv)
	require.NoError(t, agg.Start(ctx))

	view := waitForView(t, agg, func(v []domain.Message) bool { return len(v) == 1 })
	assert.Equal(t, "survives", view[0].Text)
}

func TestAggregatorFailsOnlyWhenAllSourcesFail(t *testing.T) {
	mem := memory.New()
	reg := registry.New("")
	conv := registry.DirectConversation("alice", "bob")
	st := &failingStore{Store: mem, failPath: reg.CanonicalPath(conv)}

	agg := NewAggregator(st, reg, conv)
	err := agg.Start(context.Background())
	require.Error(t, err)
}
