package ws

import (
	"time"

	"campushub-realtime/internal/domain"
)

// Client actions
const (
	ActionWatchConversation = "watch_conversation"
	ActionUnwatch           = "unwatch_conversation"
	ActionSendMessage       = "send_message"
	ActionEditMessage       = "edit_message"
	ActionDeleteMessage     = "delete_message"
	ActionHistory           = "history"
	ActionStartCall         = "start_call"
	ActionAcceptCall        = "accept_call"
	ActionRejectCall        = "reject_call"
	ActionEndCall           = "end_call"
	ActionCallLog           = "call_log"
	ActionToggleMic         = "toggle_mic"
	ActionToggleCamera      = "toggle_camera"
	ActionToggleScreen      = "toggle_screen_share"
)

// Server frame types
const (
	FrameConversationView = "conversation_view"
	FrameHistory          = "history"
	FrameMessageAck       = "message_ack"
	FrameCallState        = "call_state"
	FrameCallLog          = "call_log"
	FrameMediaState       = "media_state"
	FrameError            = "error"
)

// clientFrame is one inbound action from the client.
type clientFrame struct {
	Action string `json:"action"`

	// Conversation addressing. Direct conversations may omit the id; it is
	// derived from the participant pair.
	ConversationID string   `json:"conversation_id,omitempty"`
	Kind           string   `json:"kind,omitempty"`
	Participants   []string `json:"participants,omitempty"`

	// Chat payload
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	PageState []byte `json:"page_state,omitempty"`

	// Call payload
	PeerID   string `json:"peer_id,omitempty"`
	CallType string `json:"call_type,omitempty"`
	CallID   string `json:"call_id,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// callStateBody mirrors one call state machine snapshot.
type callStateBody struct {
	State  string             `json:"state"`
	Record *domain.CallRecord `json:"record,omitempty"`
}

// callLogBody carries a page of recorded calls plus the recent missed count.
type callLogBody struct {
	Calls  []*domain.CallRecord `json:"calls"`
	Missed int                  `json:"missed"`
}

// mediaStateBody reports the local track toggles.
type mediaStateBody struct {
	Muted         bool `json:"muted"`
	CameraOn      bool `json:"camera_on"`
	ScreenSharing bool `json:"screen_sharing"`
}

// errorBody carries the application error taxonomy to the client.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// serverFrame is one outbound frame to the client.
type serverFrame struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Messages       []domain.Message `json:"messages,omitempty"`
	Message        *domain.Message  `json:"message,omitempty"`
	PageState      []byte           `json:"page_state,omitempty"`
	Call           *callStateBody   `json:"call,omitempty"`
	CallLog        *callLogBody     `json:"call_log,omitempty"`
	Media          *mediaStateBody  `json:"media,omitempty"`
	Error          *errorBody       `json:"error,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}
