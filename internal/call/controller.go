// Package call implements the call session state machine. A controller
// tracks at most one non-terminal call at a time, mirrors its state with the
// peer exclusively through published call records, and guarantees media
// teardown on every path into a terminal state.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campushub-realtime/internal/domain"
	"campushub-realtime/internal/signaling"
	apperrors "campushub-realtime/pkg/errors"
	"campushub-realtime/pkg/logger"
	"campushub-realtime/pkg/metrics"
)

// State is the local call session state.
type State string

const (
	StateIdle            State = "idle"
	StatePendingOutgoing State = "pending_outgoing"
	StatePendingIncoming State = "pending_incoming"
	StateAccepted        State = "accepted"
	StateRejected        State = "rejected"
	StateEnded           State = "ended"
)

// active reports whether the state tracks a non-terminal call.
func (s State) active() bool {
	return s == StatePendingOutgoing || s == StatePendingIncoming || s == StateAccepted
}

// Snapshot is one emitted state change together with the record it concerns.
type Snapshot struct {
	State  State
	Record *domain.CallRecord
}

// Signaler is the signaling surface the controller needs.
type Signaler interface {
	Publish(ctx context.Context, rec *domain.CallRecord) error
	Subscribe(ctx context.Context, callID string) (<-chan signaling.Event, error)
	SubscribeIncoming(ctx context.Context, recipientID domain.UserID) (<-chan *domain.CallRecord, error)
}

// Media is the local media session the controller drives. Setup acquires
// local tracks, Connect joins the transport and publishes them, Teardown
// releases everything. Teardown must be idempotent.
type Media interface {
	Setup(ctx context.Context, callType domain.CallType) error
	Connect(ctx context.Context, channelRef string) error
	Teardown()
}

// History records terminal calls for the platform's call log. Optional.
type History interface {
	Record(ctx context.Context, rec domain.CallRecord) error
}

// Controller is the call session state machine for one client.
type Controller struct {
	id      domain.Identity
	sig     Signaler
	media   Media
	history History
	log     *zap.Logger

	mu          sync.Mutex
	state       State
	rec         *domain.CallRecord
	watchCancel context.CancelFunc
	startedAt   time.Time
	runCtx      context.Context

	states chan Snapshot
}

// NewController creates an idle controller for the given identity. history
// may be nil.
func NewController(id domain.Identity, sig Signaler, media Media, history History) *Controller {
	return &Controller{
		id:      id,
		sig:     sig,
		media:   media,
		history: history,
		log:     logger.With(zap.String("user_id", string(id.UserID))),
		state:   StateIdle,
		states:  make(chan Snapshot, 8),
	}
}

// Run observes incoming pending calls until ctx is cancelled. It must be
// running for the controller to receive calls; outgoing operations work
// regardless. On exit any active call is ended locally.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	incoming, err := c.sig.SubscribeIncoming(ctx, c.id.UserID)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			if c.state.active() {
				c.terminalLocked(StateEnded, "run_cancelled")
			}
			c.mu.Unlock()
			return ctx.Err()
		case rec, ok := <-incoming:
			if !ok {
				return apperrors.StoreUnavailableError(ctx.Err())
			}
			c.observeIncoming(ctx, rec)
		}
	}
}

// States emits a snapshot on every transition. The channel is buffered;
// when full the oldest snapshot is dropped in favor of the newest.
func (c *Controller) States() <-chan Snapshot {
	return c.states
}

// State returns the current state and record.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{State: c.state, Record: c.rec}
}

// StartCall begins an outgoing call. Local media is acquired before any
// signaling write: a device or permission failure leaves no dangling record.
func (c *Controller) StartCall(ctx context.Context, peer domain.UserID, callType domain.CallType) (*domain.CallRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.active() {
		return nil, apperrors.InvalidStateError("a call is already in progress")
	}
	if peer == "" || peer == c.id.UserID {
		return nil, apperrors.InvalidInputError("invalid call peer")
	}

	if err := c.media.Setup(ctx, callType); err != nil {
		return nil, err
	}

	callID := uuid.New().String()
	rec := &domain.CallRecord{
		ID:          callID,
		InitiatorID: c.id.UserID,
		RecipientID: peer,
		Type:        callType,
		Status:      domain.CallPending,
		ChannelRef:  "rtc/" + callID,
		Seq:         1,
		CreatedAt:   time.Now().UTC(),
	}

	if err := c.sig.Publish(ctx, rec); err != nil {
		c.media.Teardown()
		metrics.MediaTeardownTotal.WithLabelValues("setup_failure").Inc()
		return nil, err
	}

	c.rec = rec
	c.startedAt = time.Now()
	c.transitionLocked(StatePendingOutgoing)
	c.watchLocked(rec.ID)

	metrics.CallsStartedTotal.WithLabelValues(string(callType)).Inc()
	metrics.CallsActive.Inc()
	c.log.Info("call started",
		zap.String("call_id", rec.ID),
		zap.String("peer", string(peer)),
		zap.String("type", string(callType)))
	return rec, nil
}

// AcceptCall answers the pending incoming call: acquires local media, writes
// status=accepted, and joins the transport.
func (c *Controller) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePendingIncoming {
		return apperrors.InvalidStateError("no pending incoming call to accept")
	}

	if err := c.media.Setup(ctx, c.rec.Type); err != nil {
		// The initiator must not keep ringing against a client that cannot
		// produce media; end the call rather than leave it pending.
		c.writeTerminalLocked(ctx, domain.CallEnded)
		c.terminalLocked(StateEnded, "accept_media_failure")
		return err
	}

	next := *c.rec
	next.Status = domain.CallAccepted
	next.Seq++
	if err := c.sig.Publish(ctx, &next); err != nil {
		c.terminalLocked(StateEnded, "accept_publish_failure")
		return err
	}

	c.rec = &next
	c.transitionLocked(StateAccepted)
	go c.connect(next.ChannelRef)
	return nil
}

// RejectCall declines the pending incoming call. Local cleanup proceeds even
// if the rejection write fails.
func (c *Controller) RejectCall(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePendingIncoming {
		return apperrors.InvalidStateError("no pending incoming call to reject")
	}

	err := c.writeTerminalLocked(ctx, domain.CallRejected)
	c.terminalLocked(StateRejected, "rejected")
	return err
}

// EndCall hangs up the current outgoing or accepted call. The ended write is
// best-effort: teardown runs regardless and the write error is surfaced.
func (c *Controller) EndCall(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePendingOutgoing && c.state != StateAccepted {
		return apperrors.InvalidStateError("no call to end")
	}

	err := c.writeTerminalLocked(ctx, domain.CallEnded)
	c.terminalLocked(StateEnded, "ended")
	return err
}

// observeIncoming handles a newly surfaced pending record targeting self.
// Purely observational: no local write happens until the user acts.
func (c *Controller) observeIncoming(ctx context.Context, rec *domain.CallRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.active() {
		c.log.Info("ignoring incoming call while busy", zap.String("call_id", rec.ID))
		return
	}
	if rec.Status != domain.CallPending || rec.RecipientID != c.id.UserID {
		return
	}

	c.rec = rec
	c.transitionLocked(StatePendingIncoming)
	c.watchLocked(rec.ID)
	metrics.CallsActive.Inc()
	c.log.Info("incoming call",
		zap.String("call_id", rec.ID),
		zap.String("initiator", string(rec.InitiatorID)))
}

// watchLocked subscribes to the tracked record and processes remote writes.
func (c *Controller) watchLocked(callID string) {
	base := c.runCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	c.watchCancel = cancel

	events, err := c.sig.Subscribe(ctx, callID)
	if err != nil {
		// Without observation the call cannot progress; treat like a store
		// failure after the record exists.
		c.log.Error("call record watch failed", zap.String("call_id", callID), zap.Error(err))
		c.writeTerminalLocked(ctx, domain.CallEnded)
		c.terminalLocked(StateEnded, "watch_failure")
		return
	}

	go func() {
		for ev := range events {
			c.handleRecordEvent(ev)
		}
	}()
}

func (c *Controller) handleRecordEvent(ev signaling.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.active() || c.rec == nil || c.rec.ID != ev.CallID {
		return
	}

	// Record disappearance is unconditional cancellation, equivalent to an
	// explicit ended status.
	if ev.Removed {
		c.terminalLocked(StateEnded, "record_removed")
		return
	}

	rec := ev.Record
	if rec == nil {
		return
	}

	// An explicit terminal status is unconditional, like removal. Both sides
	// increment from the same base record in an accept/end race, so a remote
	// terminal write can carry the same sequence number as the local one and
	// must still end the call.
	if rec.Status.Terminal() {
		if rec.Seq >= c.rec.Seq {
			c.rec = rec
		}
		if rec.Status == domain.CallRejected {
			c.terminalLocked(StateRejected, "peer_rejected")
		} else {
			c.terminalLocked(StateEnded, "peer_ended")
		}
		return
	}

	if !rec.Supersedes(c.rec) {
		return
	}
	c.rec = rec

	if rec.Status == domain.CallAccepted && c.state == StatePendingOutgoing {
		c.transitionLocked(StateAccepted)
		metrics.CallSetupDuration.Observe(time.Since(c.startedAt).Seconds())
		go c.connect(rec.ChannelRef)
	}
}

// connect joins the media transport once a call is accepted. A join failure
// after the record exists ends the call best-effort and tears down locally.
func (c *Controller) connect(channelRef string) {
	ctx := c.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.media.Connect(ctx, channelRef); err != nil {
		c.log.Error("transport connect failed", zap.String("channel_ref", channelRef), zap.Error(err))
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state != StateAccepted {
			return
		}
		c.writeTerminalLocked(ctx, domain.CallEnded)
		c.terminalLocked(StateEnded, "transport_failure")
	}
}

// writeTerminalLocked publishes a terminal status for the tracked record.
// Best-effort by design: callers tear down locally whether or not it lands.
func (c *Controller) writeTerminalLocked(ctx context.Context, status domain.CallStatus) error {
	if c.rec == nil {
		return nil
	}
	now := time.Now().UTC()
	next := *c.rec
	next.Status = status
	next.Seq++
	next.EndedAt = &now

	if err := c.sig.Publish(ctx, &next); err != nil {
		c.log.Warn("terminal status write failed",
			zap.String("call_id", next.ID),
			zap.String("status", string(status)),
			zap.Error(err))
		return err
	}
	c.rec = &next
	return nil
}

// terminalLocked finishes the current call: stops observation, tears down
// media, records history, and emits the terminal state. Idempotent.
func (c *Controller) terminalLocked(terminal State, trigger string) {
	if !c.state.active() {
		return
	}
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}

	c.media.Teardown()
	metrics.MediaTeardownTotal.WithLabelValues(trigger).Inc()
	metrics.CallsActive.Dec()

	if c.rec != nil {
		if c.rec.EndedAt == nil {
			now := time.Now().UTC()
			c.rec.EndedAt = &now
		}
		metrics.CallsResolvedTotal.WithLabelValues(string(c.rec.Type), string(terminal)).Inc()
		if c.history != nil {
			rec := *c.rec
			rec.Status = statusFor(terminal)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := c.history.Record(ctx, rec); err != nil {
					c.log.Warn("call history write failed",
						zap.String("call_id", rec.ID), zap.Error(err))
				}
			}()
		}
	}

	c.transitionLocked(terminal)
	c.log.Info("call finished",
		zap.String("state", string(terminal)),
		zap.String("trigger", trigger))
}

func statusFor(s State) domain.CallStatus {
	if s == StateRejected {
		return domain.CallRejected
	}
	return domain.CallEnded
}

// transitionLocked sets the state and emits a snapshot, dropping the oldest
// queued snapshot if the consumer lags.
func (c *Controller) transitionLocked(next State) {
	c.state = next
	snap := Snapshot{State: next, Record: c.rec}
	for {
		select {
		case c.states <- snap:
			return
		default:
		}
		select {
		case <-c.states:
		default:
		}
	}
}
