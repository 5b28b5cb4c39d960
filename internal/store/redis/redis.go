// Package redis implements the realtime store on Redis. Every value lives as
// a field of its parent path's hash, and each mutation is announced on a
// pub/sub channel so watchers can re-read the affected path.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campushub-realtime/internal/store"
	"campushub-realtime/pkg/logger"
	"campushub-realtime/pkg/metrics"
)

const (
	keyPrefix     = "rt:"
	channelPrefix = "rtevt:"
)

// Store is a Redis-backed store.Store.
type Store struct {
	client *goredis.Client
}

// New creates a Redis-backed store on an existing client.
func New(client *goredis.Client) *Store {
	return &Store{client: client}
}

func hashKey(path string) string    { return keyPrefix + path }
func channelFor(path string) string { return channelPrefix + path }

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, path string, v any) error {
	raw, err := s.valueAt(ctx, path)
	if err != nil {
		return err
	}
	if raw == nil {
		return store.ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("redis store: decode %s: %w", path, err)
	}
	return nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis store: encode %s: %w", path, err)
	}

	parent, field := store.Parent(path)
	if err := s.client.HSet(ctx, hashKey(parent), field, string(raw)).Err(); err != nil {
		metrics.StoreWriteErrorsTotal.WithLabelValues("set").Inc()
		return fmt.Errorf("redis store: set %s: %w", path, err)
	}
	s.announce(ctx, path)
	return nil
}

// Remove implements store.Store.
func (s *Store) Remove(ctx context.Context, path string) error {
	parent, field := store.Parent(path)
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, hashKey(parent), field)
	pipe.Del(ctx, hashKey(path))
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.StoreWriteErrorsTotal.WithLabelValues("remove").Inc()
		return fmt.Errorf("redis store: remove %s: %w", path, err)
	}
	s.announce(ctx, path)
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

// Watch implements store.Store. The watcher re-reads the full path value on
// every announcement, so missed intermediate states collapse into the latest
// snapshot, matching the per-key-per-observer ordering model.
func (s *Store) Watch(ctx context.Context, path string) (<-chan store.Event, error) {
	parent, _ := store.Parent(path)
	channels := []string{channelFor(path)}
	if parent != "" {
		// A record watch must also see mutations announced on the record
		// itself by collection-level operations.
		channels = append(channels, channelFor(parent))
	}

	sub := s.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis store: watch %s: %w", path, err)
	}

	out := make(chan store.Event, 1)
	metrics.StoreWatchesActive.Inc()

	go func() {
		defer metrics.StoreWatchesActive.Dec()
		defer close(out)
		defer sub.Close()

		emit := func() bool {
			ev, err := s.snapshot(ctx, path)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("redis store: snapshot failed",
						zap.String("path", path), zap.Error(err))
				}
				return true
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return false
			}
			return true
		}

		if !emit() {
			return
		}
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				// Announcements on the parent channel may concern sibling
				// records; skip those.
				if announced := strings.TrimPrefix(msg.Channel, channelPrefix); announced != path {
					if msg.Payload != path && !strings.HasPrefix(msg.Payload, path+"/") {
						continue
					}
				}
				if !emit() {
					return
				}
			}
		}
	}()

	return out, nil
}

// announce publishes the mutated path on its own channel and the parent's so
// both record-level and collection-level watchers observe the change.
func (s *Store) announce(ctx context.Context, path string) {
	if err := s.client.Publish(ctx, channelFor(path), path).Err(); err != nil {
		logger.Warn("redis store: publish failed", zap.String("path", path), zap.Error(err))
	}
	if parent, _ := store.Parent(path); parent != "" {
		if err := s.client.Publish(ctx, channelFor(parent), path).Err(); err != nil {
			logger.Warn("redis store: publish failed", zap.String("path", parent), zap.Error(err))
		}
	}
}

func (s *Store) snapshot(ctx context.Context, path string) (store.Event, error) {
	raw, err := s.valueAt(ctx, path)
	if err != nil {
		return store.Event{}, err
	}
	if raw == nil {
		return store.Event{Type: store.EventRemove, Path: path}, nil
	}
	return store.Event{Type: store.EventPut, Path: path, Data: raw}, nil
}

// valueAt reads path either as a collection hash or as a field of its parent.
func (s *Store) valueAt(ctx context.Context, path string) (json.RawMessage, error) {
	fields, err := s.client.HGetAll(ctx, hashKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: read %s: %w", path, err)
	}
	if len(fields) > 0 {
		return assemble(fields), nil
	}

	parent, field := store.Parent(path)
	raw, err := s.client.HGet(ctx, hashKey(parent), field).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis store: read %s: %w", path, err)
	}
	return json.RawMessage(raw), nil
}

func assemble(fields map[string]string) json.RawMessage {
	keys := make([]string, 0, len(fields))
	for k := range fields {
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
		b.WriteString(fields[k])
	}
	b.WriteByte('}')
	return json.RawMessage(b.String())
}
