package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"campushub-realtime/internal/chat"
	"campushub-realtime/internal/domain"
	"campushub-realtime/internal/registry"
	"campushub-realtime/internal/store"
	apperrors "campushub-realtime/pkg/errors"
	"campushub-realtime/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 * 1024

	callLogDefaultLimit = 50
	callLogMaxLimit     = 200

	// Window for the missed call badge count.
	missedCallWindow = 7 * 24 * time.Hour
)

// client is one connected session. The read pump is the only goroutine that
// mutates watches; everything outbound funnels through send.
type client struct {
	conn *websocket.Conn
	id   domain.Identity
	st   store.Store
	reg  *registry.Registry
	chat *chat.Service
	log  *zap.Logger

	callSess CallSession
	media    MediaControls
	history  CallHistory

	send    chan serverFrame
	watches map[domain.ConversationID]context.CancelFunc
	wg      sync.WaitGroup
}

func (c *client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.wg.Add(1)
	go c.writePump(ctx)

	if c.callSess != nil {
		c.wg.Add(2)
		go func() {
			defer c.wg.Done()
			if err := c.callSess.Run(ctx); err != nil && ctx.Err() == nil {
				c.log.Error("call session stopped", zap.Error(err))
			}
		}()
		go c.forwardCallStates(ctx)
	}

	c.readPump(ctx)

	cancel()
	for _, stop := range c.watches {
		stop()
	}
	_ = c.conn.Close()
	c.wg.Wait()
}

func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", apperrors.InvalidInputError("malformed frame"))
			continue
		}
		metrics.GatewayFramesTotal.WithLabelValues("in", frame.Action).Inc()
		c.handleFrame(ctx, frame)
	}
}

func (c *client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.log.Warn("websocket write failed", zap.Error(err))
				return
			}
			metrics.GatewayFramesTotal.WithLabelValues("out", frame.Type).Inc()
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handleFrame(ctx context.Context, frame clientFrame) {
	var err error
	switch frame.Action {
	case ActionWatchConversation:
		err = c.watchConversation(ctx, frame)
	case ActionUnwatch:
		err = c.unwatchConversation(frame)
	case ActionSendMessage:
		err = c.sendMessage(ctx, frame)
	case ActionEditMessage:
		err = c.editMessage(ctx, frame)
	case ActionDeleteMessage:
		err = c.deleteMessage(ctx, frame)
	case ActionHistory:
		err = c.chatHistory(ctx, frame)
	case ActionStartCall:
		err = c.startCall(ctx, frame)
	case ActionAcceptCall:
		err = c.withCall(func() error { return c.callSess.AcceptCall(ctx) })
	case ActionRejectCall:
		err = c.withCall(func() error { return c.callSess.RejectCall(ctx) })
	case ActionEndCall:
		err = c.withCall(func() error { return c.callSess.EndCall(ctx) })
	case ActionCallLog:
		err = c.callLog(ctx, frame)
	case ActionToggleMic:
		err = c.toggleMedia(func() (bool, error) { return c.media.ToggleMic() })
	case ActionToggleCamera:
		err = c.toggleMedia(func() (bool, error) { return c.media.ToggleCamera() })
	case ActionToggleScreen:
		err = c.toggleMedia(func() (bool, error) { return c.media.ToggleScreenShare(ctx) })
	default:
		err = apperrors.InvalidInputError("unknown action: " + frame.Action)
	}
	if err != nil {
		c.sendError(frame.Action, err)
	}
}

// conversation resolves the target conversation from a frame. Direct
// conversations may omit the id; deriving it keeps both participants on the
// same path regardless of who connects first.
func (c *client) conversation(frame clientFrame) (domain.Conversation, error) {
	participants := make([]domain.UserID, 0, len(frame.Participants)+1)
	self := false
	for _, p := range frame.Participants {
		id := domain.UserID(p)
		participants = append(participants, id)
		if id == c.id.UserID {
			self = true
		}
	}
	if !self {
		participants = append(participants, c.id.UserID)
	}

	switch domain.ConversationKind(frame.Kind) {
	case domain.ConversationDirect, "":
		if len(participants) != 2 {
			return domain.Conversation{}, apperrors.InvalidInputError("direct conversation needs exactly one peer")
		}
		return registry.DirectConversation(participants[0], participants[1]), nil
	case domain.ConversationGroup:
		if frame.ConversationID == "" {
			return domain.Conversation{}, apperrors.InvalidInputError("group conversation needs an id")
		}
		return domain.Conversation{
			ID:           domain.ConversationID(frame.ConversationID),
			Kind:         domain.ConversationGroup,
			Participants: participants,
		}, nil
	default:
		return domain.Conversation{}, apperrors.InvalidInputError("unknown conversation kind: " + frame.Kind)
	}
}

func (c *client) watchConversation(ctx context.Context, frame clientFrame) error {
	conv, err := c.conversation(frame)
	if err != nil {
		return err
	}
	if _, watching := c.watches[conv.ID]; watching {
		return nil
	}

	agg := chat.NewAggregator(c.st, c.reg, conv)
	watchCtx, stop := context.WithCancel(ctx)
	if err := agg.Start(watchCtx); err != nil {
		stop()
		return err
	}
	c.watches[conv.ID] = stop

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for view := range agg.Updates() {
			c.push(serverFrame{
				Type:           FrameConversationView,
				ConversationID: string(conv.ID),
				Messages:       view,
			})
		}
	}()
	return nil
}

func (c *client) unwatchConversation(frame clientFrame) error {
	conv, err := c.conversation(frame)
	if err != nil {
		return err
	}
	if stop, ok := c.watches[conv.ID]; ok {
		stop()
		delete(c.watches, conv.ID)
	}
	return nil
}

func (c *client) sendMessage(ctx context.Context, frame clientFrame) error {
	conv, err := c.conversation(frame)
	if err != nil {
		return err
	}
	msg, err := c.chat.SendMessage(ctx, conv, frame.Text)
	if err != nil {
		return err
	}
	c.push(serverFrame{Type: FrameMessageAck, ConversationID: string(conv.ID), Message: msg})
	return nil
}

func (c *client) editMessage(ctx context.Context, frame clientFrame) error {
	conv, err := c.conversation(frame)
	if err != nil {
		return err
	}
	msg, err := c.chat.EditMessage(ctx, conv, frame.MessageID, frame.Text)
	if err != nil {
		return err
	}
	c.push(serverFrame{Type: FrameMessageAck, ConversationID: string(conv.ID), Message: msg})
	return nil
}

func (c *client) deleteMessage(ctx context.Context, frame clientFrame) error {
	conv, err := c.conversation(frame)
	if err != nil {
		return err
	}
	return c.chat.DeleteMessage(ctx, conv, frame.MessageID)
}

func (c *client) chatHistory(ctx context.Context, frame clientFrame) error {
	conv, err := c.conversation(frame)
	if err != nil {
		return err
	}
	msgs, next, err := c.chat.History(ctx, conv, frame.Limit, frame.PageState)
	if err != nil {
		return err
	}
	c.push(serverFrame{
		Type:           FrameHistory,
		ConversationID: string(conv.ID),
		Messages:       msgs,
		PageState:      next,
	})
	return nil
}

func (c *client) startCall(ctx context.Context, frame clientFrame) error {
	if c.callSess == nil {
		return apperrors.InvalidStateError("calling is not enabled")
	}
	if frame.PeerID == "" {
		return apperrors.InvalidInputError("peer_id is required")
	}
	callType := domain.CallType(frame.CallType)
	if callType == "" {
		callType = domain.CallVoice
	}
	_, err := c.callSess.StartCall(ctx, domain.UserID(frame.PeerID), callType)
	return err
}

func (c *client) callLog(ctx context.Context, frame clientFrame) error {
	if c.history == nil {
		return apperrors.InvalidStateError("call history is not enabled")
	}
	resp, err := buildCallLog(ctx, c.history, c.id.UserID, frame)
	if err != nil {
		return err
	}
	c.push(resp)
	return nil
}

// buildCallLog answers a call_log frame. With a call_id it returns that
// single record; otherwise a page of the user's history plus the recent
// missed count.
func buildCallLog(ctx context.Context, history CallHistory, userID domain.UserID, frame clientFrame) (serverFrame, error) {
	if frame.CallID != "" {
		rec, err := history.GetByID(ctx, frame.CallID)
		if err != nil {
			return serverFrame{}, err
		}
		if rec.InitiatorID != userID && rec.RecipientID != userID {
			return serverFrame{}, apperrors.UnauthorizedError("call does not involve this user")
		}
		return serverFrame{Type: FrameCallLog, CallLog: &callLogBody{Calls: []*domain.CallRecord{rec}}}, nil
	}

	limit := frame.Limit
	if limit <= 0 {
		limit = callLogDefaultLimit
	}
	if limit > callLogMaxLimit {
		limit = callLogMaxLimit
	}
	offset := frame.Offset
	if offset < 0 {
		offset = 0
	}

	calls, err := history.ListForUser(ctx, userID, limit, offset)
	if err != nil {
		return serverFrame{}, err
	}
	missed, err := history.CountMissedForUser(ctx, userID, time.Now().UTC().Add(-missedCallWindow))
	if err != nil {
		return serverFrame{}, err
	}
	return serverFrame{Type: FrameCallLog, CallLog: &callLogBody{Calls: calls, Missed: missed}}, nil
}

func (c *client) withCall(op func() error) error {
	if c.callSess == nil {
		return apperrors.InvalidStateError("calling is not enabled")
	}
	return op()
}

func (c *client) toggleMedia(op func() (bool, error)) error {
	if c.media == nil {
		return apperrors.InvalidStateError("calling is not enabled")
	}
	if _, err := op(); err != nil {
		return err
	}
	c.push(serverFrame{Type: FrameMediaState, Media: &mediaStateBody{
		Muted:         c.media.Muted(),
		CameraOn:      c.media.CameraOn(),
		ScreenSharing: c.media.ScreenSharing(),
	}})
	return nil
}

func (c *client) forwardCallStates(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-c.callSess.States():
			c.push(serverFrame{Type: FrameCallState, Call: &callStateBody{
				State:  string(snap.State),
				Record: snap.Record,
			}})
		}
	}
}

func (c *client) sendError(action string, err error) {
	appErr := apperrors.GetAppError(err)
	c.push(serverFrame{Type: FrameError, Error: &errorBody{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Action:  action,
	}})
}

// push enqueues a frame, dropping it if the client cannot keep up. Dropped
// view frames are safe; the next update carries the full state again.
func (c *client) push(frame serverFrame) {
	frame.Timestamp = time.Now().UTC()
	select {
	case c.send <- frame:
	default:
		c.log.Warn("outbound frame dropped", zap.String("type", frame.Type))
	}
}
