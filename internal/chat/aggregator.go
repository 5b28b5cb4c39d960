package chat

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"campushub-realtime/internal/domain"
	"campushub-realtime/internal/registry"
	"campushub-realtime/internal/store"
	apperrors "campushub-realtime/pkg/errors"
	"campushub-realtime/pkg/logger"
	"campushub-realtime/pkg/metrics"
)

// Aggregator merges the message streams of every source path belonging to
// one conversation into a single deduplicated, timestamp-ordered view.
// Merging is last-write-wins per message ID: whichever source delivered a
// given ID most recently owns it. An ID leaves the view only once no
// subscribed source still reports it; a copy surviving under another path
// keeps the message visible.
type Aggregator struct {
	st    store.Store
	conv  domain.Conversation
	paths []string
	log   *zap.Logger

	mu      sync.Mutex
	sources map[string]map[string]domain.Message // path -> id -> message
	owner   map[string]string                    // id -> owning path
	merged  map[string]domain.Message

	updates chan []domain.Message
	wg      sync.WaitGroup
}

// NewAggregator creates an aggregator for conv over the paths resolved by reg.
func NewAggregator(st store.Store, reg *registry.Registry, conv domain.Conversation) *Aggregator {
	return &Aggregator{
		st:      st,
		conv:    conv,
		log:     logger.With(zap.String("conversation_id", string(conv.ID))),
		sources: make(map[string]map[string]domain.Message),
		owner:   make(map[string]string),
		merged:  make(map[string]domain.Message),
		updates: make(chan []domain.Message, 1),
		paths:   reg.ResolveSourcePaths(conv),
	}
}

// Start subscribes every source path and begins merging. A failed path is
// logged and skipped while the rest keep merging. Start fails only if no
// path could be subscribed.
func (a *Aggregator) Start(ctx context.Context) error {
	subscribed := 0
	for _, path := range a.paths {
		events, err := a.st.Watch(ctx, path)
		if err != nil {
			a.log.Warn("chat source degraded", zap.String("path", path), zap.Error(err))
			metrics.AggregatorSourcesDegraded.Inc()
			continue
		}
		subscribed++
		a.wg.Add(1)
		go a.consume(ctx, path, events)
	}
	if subscribed == 0 {
		return apperrors.StoreUnavailableError(ctx.Err())
	}
	go func() {
		a.wg.Wait()
		close(a.updates)
	}()
	return nil
}

// Updates delivers the merged, ordered view after each change. Only the most
// recent view is retained for a slow consumer.
func (a *Aggregator) Updates() <-chan []domain.Message {
	return a.updates
}

// Messages returns the current merged view, ordered by ascending timestamp
// with ID as the tie-breaker.
func (a *Aggregator) Messages() []domain.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orderedLocked()
}

func (a *Aggregator) consume(ctx context.Context, path string, events <-chan store.Event) {
	defer a.wg.Done()
	for ev := range events {
		snapshot := map[string]domain.Message{}
		if ev.Type == store.EventPut && len(ev.Data) > 0 {
			if err := json.Unmarshal(ev.Data, &snapshot); err != nil {
				a.log.Warn("chat source snapshot undecodable",
					zap.String("path", path), zap.Error(err))
				continue
			}
		}
		a.merge(path, snapshot)
	}
	if ctx.Err() == nil {
		// Stream ended without cancellation: the source degraded mid-flight.
		a.log.Warn("chat source stream closed", zap.String("path", path))
		metrics.AggregatorSourcesDegraded.Inc()
	}
}

func (a *Aggregator) merge(path string, snapshot map[string]domain.Message) {
	a.mu.Lock()

	previous := a.sources[path]
	a.sources[path] = snapshot

	// Last delivered update per ID wins, regardless of which path it came
	// from. An ID this path contributed earlier but no longer reports is a
	// deletion only if no other source still holds a copy.
	for id, msg := range snapshot {
		msg.ID = id
		msg.ConversationID = a.conv.ID
		a.merged[id] = msg
		a.owner[id] = path
	}
	for id := range previous {
		if _, still := snapshot[id]; still {
			continue
		}
		if a.owner[id] != path {
			continue
		}
		if msg, survivor, ok := a.fallbackLocked(id, path); ok {
			a.merged[id] = msg
			a.owner[id] = survivor
			continue
		}
		delete(a.merged, id)
		delete(a.owner, id)
	}

	view := a.orderedLocked()
	a.mu.Unlock()

	metrics.AggregatorMergesTotal.Inc()

	// Latest view wins: drop a stale queued view rather than block the merge.
	for {
		select {
		case a.updates <- view:
			return
		default:
		}
		select {
		case <-a.updates:
		default:
		}
	}
}

// fallbackLocked finds another source still holding id after the path that
// owned it dropped it. Sources are scanned in resolution order, so the
// canonical path wins when several still carry the message.
func (a *Aggregator) fallbackLocked(id, dropped string) (domain.Message, string, bool) {
	for _, p := range a.paths {
		if p == dropped {
			continue
		}
		if msg, ok := a.sources[p][id]; ok {
			msg.ID = id
			msg.ConversationID = a.conv.ID
			return msg, p, true
		}
	}
	return domain.Message{}, "", false
}

func (a *Aggregator) orderedLocked() []domain.Message {
	view := make([]domain.Message, 0, len(a.merged))
	for _, msg := range a.merged {
		view = append(view, msg)
	}
	sort.Slice(view, func(i, j int) bool { return view[i].Before(view[j]) })
	return view
}
