// Package store defines the shared mutable key-value store the realtime layer
// is built on. Paths are slash-joined segments addressing either a single
// record or a collection of child records. The store doubles as the signaling
// transport and as the chat message log.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when the path holds no value.
var ErrNotFound = errors.New("store: path not found")

// EventType classifies a watch event.
type EventType int

const (
	// EventPut carries the full current value of the watched path.
	EventPut EventType = iota
	// EventRemove signals the watched path no longer holds a value.
	EventRemove
)

// Event is one observed change to a watched path. For EventPut, Data holds
// the complete value at the path (a JSON object of children for collection
// paths). For EventRemove, Data is nil.
type Event struct {
	Type EventType
	Path string
	Data json.RawMessage
}

// Store is a path-addressed mutable store with change observation. Writers
// always replace the full value at a path; there is no partial merge.
type Store interface {
	// Get reads the value at path into v. Returns ErrNotFound if the path
	// holds no value.
	Get(ctx context.Context, path string, v any) error

	// Set writes v at path, overwriting any existing value.
	Set(ctx context.Context, path string, v any) error

	// Remove deletes the value at path. Removing an absent path is not an
	// error.
	Remove(ctx context.Context, path string) error

	// Push stores v under a newly generated unique child key of path and
	// returns that key.
	Push(ctx context.Context, path string, v any) (string, error)

	// Watch observes the value at path. The returned channel first delivers
	// the current value (EventRemove if the path is empty), then one event
	// per observed change. The channel is closed when ctx is done or the
	// watch fails irrecoverably.
	Watch(ctx context.Context, path string) (<-chan Event, error)
}

// Join builds a slash-separated path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Parent returns the parent path and the final segment of path.
func Parent(path string) (parent, key string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}
