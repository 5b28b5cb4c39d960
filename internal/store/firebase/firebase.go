// Package firebase implements the realtime store on Firebase Realtime
// Database. The Admin SDK has no streaming listener, so Watch polls the path
// at a short interval and emits an event whenever the snapshot changes.
package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	fb "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"google.golang.org/api/option"

	"campushub-realtime/internal/store"
	"campushub-realtime/pkg/metrics"
)

const defaultPollInterval = 500 * time.Millisecond

// Config contains Firebase Realtime Database connection settings.
type Config struct {
	DatabaseURL     string
	CredentialsPath string // Path to service account JSON file
	CredentialsJSON []byte // Service account JSON content (alternative to file path)
	PollInterval    time.Duration
}

// Store is a Realtime Database-backed store.Store.
type Store struct {
	client       *db.Client
	pollInterval time.Duration
}

// New creates a Realtime Database-backed store.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil || cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("firebase store: database URL is required")
	}

	var opts []option.ClientOption
	if len(cfg.CredentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
	} else if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}

	app, err := fb.NewApp(ctx, &fb.Config{DatabaseURL: cfg.DatabaseURL}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase store: init app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase store: init database client: %w", err)
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &Store{client: client, pollInterval: interval}, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, path string, v any) error {
	var raw json.RawMessage
	if err := s.client.NewRef(path).Get(ctx, &raw); err != nil {
		return fmt.Errorf("firebase store: get %s: %w", path, err)
	}
	if isNull(raw) {
		return store.ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("firebase store: decode %s: %w", path, err)
	}
	return nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, path string, v any) error {
	if err := s.client.NewRef(path).Set(ctx, v); err != nil {
		metrics.StoreWriteErrorsTotal.WithLabelValues("set").Inc()
		return fmt.Errorf("firebase store: set %s: %w", path, err)
	}
	return nil
}

// Remove implements store.Store.
func (s *Store) Remove(ctx context.Context, path string) error {
	if err := s.client.NewRef(path).Delete(ctx); err != nil {
		metrics.StoreWriteErrorsTotal.WithLabelValues("remove").Inc()
		return fmt.Errorf("firebase store: remove %s: %w", path, err)
	}
	return nil
}

// Push implements store.Store. The database generates the child key.
func (s *Store) Push(ctx context.Context, path string, v any) (string, error) {
	ref, err := s.client.NewRef(path).Push(ctx, v)
	if err != nil {
		metrics.StoreWriteErrorsTotal.WithLabelValues("push").Inc()
		return "", fmt.Errorf("firebase store: push %s: %w", path, err)
	}
	return ref.Key, nil
}

// Watch implements store.Store by polling. Identical consecutive snapshots
// are suppressed, so consumers still see one event per observed change.
func (s *Store) Watch(ctx context.Context, path string) (<-chan store.Event, error) {
	out := make(chan store.Event, 1)
	metrics.StoreWatchesActive.Inc()

	go func() {
		defer metrics.StoreWatchesActive.Dec()
		defer close(out)

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		var last json.RawMessage
		first := true

		poll := func() bool {
			var raw json.RawMessage
			if err := s.client.NewRef(path).Get(ctx, &raw); err != nil {
				// Transient read failures keep the previous snapshot; the
				// next tick retries. A failed read is never a removal.
				return true
			}
			if isNull(raw) {
				raw = nil
			}
			if !first && bytes.Equal(raw, last) {
				return true
			}
			first = false
			last = raw

			ev := store.Event{Type: store.EventPut, Path: path, Data: raw}
			if raw == nil {
				ev = store.Event{Type: store.EventRemove, Path: path}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return false
			}
			return true
		}

		if !poll() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !poll() {
					return
				}
			}
		}
	}()

	return out, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
