// Package memory provides an in-process Store implementation. It backs tests
// and single-node development setups; production deployments use the redis or
// firebase backends.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"campushub-realtime/internal/store"
)

// Store is an in-memory path-addressed store. Leaf values are kept as raw
// JSON keyed by full path; collection reads assemble children on demand.
type Store struct {
	mu       sync.Mutex
	values   map[string]json.RawMessage
	watchers map[int]*watcher
	nextID   int
}

type watcher struct {
	path   string
	ch     chan store.Event
	done   chan struct{}
	queue  []store.Event
	cond   *sync.Cond
	closed bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		values:   make(map[string]json.RawMessage),
		watchers: make(map[int]*watcher),
	}
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, path string, v any) error {
	s.mu.Lock()
	raw := s.valueAtLocked(path)
	s.mu.Unlock()

	if raw == nil {
		return store.ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("memory store: decode %s: %w", path, err)
	}
	return nil
}

// Set implements store.Store.
func (s *Store) Set(_ context.Context, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("memory store: encode %s: %w", path, err)
	}

	s.mu.Lock()
	s.values[path] = raw
	s.notifyLocked(path)
	s.mu.Unlock()
	return nil
}

// Remove implements store.Store.
func (s *Store) Remove(_ context.Context, path string) error {
	s.mu.Lock()
	delete(s.values, path)
	prefix := path + "/"
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			delete(s.values, k)
		}
	}
	s.notifyLocked(path)
	s.mu.Unlock()
	return nil
}

// Push implements store.Store.
func (s *Store) Push(ctx context.Context, path string, v any) (string, error) {
	key := uuid.New().String()
	if err := s.Set(ctx, store.Join(path, key), v); err != nil {
		return "", err
	}
	return key, nil
}

// Watch implements store.Store.
func (s *Store) Watch(ctx context.Context, path string) (<-chan store.Event, error) {
	w := &watcher{
		path: path,
		ch:   make(chan store.Event),
		done: make(chan struct{}),
	}
	w.cond = sync.NewCond(&sync.Mutex{})

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = w
	w.enqueue(s.eventLocked(path))
	s.mu.Unlock()

	go w.drain()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
		w.close()
	}()

	return w.ch, nil
}

// valueAtLocked returns raw JSON for path: the leaf value, or an object
// assembled from children for collection paths, or nil when empty.
func (s *Store) valueAtLocked(path string) json.RawMessage {
	if raw, ok := s.values[path]; ok {
		return raw
	}

	prefix := path + "/"
	children := map[string]bool{}
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			rest := k[len(prefix):]
			if i := strings.Index(rest, "/"); i >= 0 {
				rest = rest[:i]
			}
			children[rest] = true
		}
	}
	if len(children) == 0 {
		return nil
	}

	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		name, _ := json.Marshal(k)
		b.Write(name)
		b.WriteByte(':')
		b.Write(s.valueAtLocked(prefix + k))
	}
	b.WriteByte('}')
	return json.RawMessage(b.String())
}

func (s *Store) eventLocked(path string) store.Event {
	raw := s.valueAtLocked(path)
	if raw == nil {
		return store.Event{Type: store.EventRemove, Path: path}
	}
	return store.Event{Type: store.EventPut, Path: path, Data: raw}
}

// notifyLocked delivers a fresh snapshot to every watcher whose path is the
// mutated path, an ancestor of it, or a descendant of it.
func (s *Store) notifyLocked(mutated string) {
	for _, w := range s.watchers {
		if !related(w.path, mutated) {
			continue
		}
		w.enqueue(s.eventLocked(w.path))
	}
}

func related(a, b string) bool {
	return a == b || strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/")
}

func (w *watcher) enqueue(ev store.Event) {
	w.cond.L.Lock()
	if !w.closed {
		w.queue = append(w.queue, ev)
	}
	w.cond.L.Unlock()
	w.cond.Signal()
}

func (w *watcher) close() {
	w.cond.L.Lock()
	if !w.closed {
		w.closed = true
		close(w.done)
	}
	w.cond.L.Unlock()
	w.cond.Signal()
}

// drain forwards queued events in order so a slow consumer never blocks a
// writer holding the store lock.
func (w *watcher) drain() {
	defer close(w.ch)
	for {
		w.cond.L.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.closed {
			w.cond.L.Unlock()
			return
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		w.cond.L.Unlock()
		select {
		case w.ch <- ev:
		case <-w.done:
			return
		}
	}
}
