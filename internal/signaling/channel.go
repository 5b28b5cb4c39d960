// Package signaling publishes and observes call records through the shared
// realtime store. It is the only coordination path between two clients until
// a call reaches the media transport.
package signaling

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"campushub-realtime/internal/domain"
	"campushub-realtime/internal/store"
	apperrors "campushub-realtime/pkg/errors"
	"campushub-realtime/pkg/logger"
)

const callsPath = "calls"

// Event is one observed change to a call record. Record is nil when the
// record disappeared from the store; observers treat that exactly like an
// explicit ended status.
type Event struct {
	CallID  string
	Record  *domain.CallRecord
	Removed bool
}

// Channel reads and writes call records at well-known store paths.
type Channel struct {
	st store.Store
}

// NewChannel creates a signaling channel over st.
func NewChannel(st store.Store) *Channel {
	return &Channel{st: st}
}

func recordPath(callID string) string {
	return store.Join(callsPath, callID)
}

// Publish writes or overwrites the full call record. Writers never merge
// partial updates.
func (c *Channel) Publish(ctx context.Context, rec *domain.CallRecord) error {
	if err := rec.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeValidation, "invalid call record", err)
	}
	if err := c.st.Set(ctx, recordPath(rec.ID), rec); err != nil {
		return apperrors.StoreUnavailableError(err)
	}
	return nil
}

// Subscribe observes changes to one call record, including its removal. The
// stream ends when ctx is cancelled.
func (c *Channel) Subscribe(ctx context.Context, callID string) (<-chan Event, error) {
	events, err := c.st.Watch(ctx, recordPath(callID))
	if err != nil {
		return nil, apperrors.StoreUnavailableError(err)
	}

	out := make(chan Event, 1)
	go func() {
		defer close(out)
		for ev := range events {
			var e Event
			switch ev.Type {
			case store.EventRemove:
				e = Event{CallID: callID, Removed: true}
			case store.EventPut:
				rec := new(domain.CallRecord)
				if err := json.Unmarshal(ev.Data, rec); err != nil {
					logger.Warn("signaling: undecodable call record",
						zap.String("call_id", callID), zap.Error(err))
					continue
				}
				e = Event{CallID: callID, Record: rec}
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SubscribeIncoming surfaces each pending call targeting recipientID exactly
// once. Records already seen, and records first observed in a resolved
// status, are never surfaced, so a handled call cannot resurrect.
func (c *Channel) SubscribeIncoming(ctx context.Context, recipientID domain.UserID) (<-chan *domain.CallRecord, error) {
	pending, err := c.SubscribePending(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan *domain.CallRecord, 4)
	go func() {
		defer close(out)
		for rec := range pending {
			if rec.RecipientID != recipientID {
				continue
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SubscribePending surfaces every newly observed pending call record, for any
// recipient. Used by the push notifier; SubscribeIncoming filters it per user.
func (c *Channel) SubscribePending(ctx context.Context) (<-chan *domain.CallRecord, error) {
	events, err := c.st.Watch(ctx, callsPath)
	if err != nil {
		return nil, apperrors.StoreUnavailableError(err)
	}

	out := make(chan *domain.CallRecord, 4)
	go func() {
		defer close(out)
		// Per-subscriber: a call ID observed in any status is marked seen so
		// a later glitch in the snapshot cannot resurrect it.
		seen := make(map[string]bool)
		for ev := range events {
			if ev.Type != store.EventPut {
				continue
			}
			var records map[string]*domain.CallRecord
			if err := json.Unmarshal(ev.Data, &records); err != nil {
				logger.Warn("signaling: undecodable calls snapshot", zap.Error(err))
				continue
			}
			for id, rec := range records {
				if rec == nil {
					continue
				}
				surfaced := seen[id]
				seen[id] = true
				if surfaced || rec.Status != domain.CallPending {
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
