package domain

import (
	"fmt"
	"time"
)

// CallType distinguishes voice-only calls from video calls.
type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// CallStatus is the shared call lifecycle status. Transitions are monotonic:
// a record never moves back to an earlier status.
type CallStatus string

const (
	CallPending  CallStatus = "pending"
	CallAccepted CallStatus = "accepted"
	CallRejected CallStatus = "rejected"
	CallEnded    CallStatus = "ended"
)

// rank orders statuses for monotonicity checks. Both terminal statuses share
// the top rank; which one wins a simultaneous write race is decided by Seq.
func (s CallStatus) rank() int {
	switch s {
	case CallPending:
		return 0
	case CallAccepted:
		return 1
	case CallRejected, CallEnded:
		return 2
	}
	return -1
}

// Terminal reports whether the status ends the call.
func (s CallStatus) Terminal() bool {
	return s == CallRejected || s == CallEnded
}

// CallRecord is the signaling artifact for one call attempt, jointly owned by
// initiator and recipient through the shared store. Each write replaces the
// full record and increments Seq, so two observers racing on the same record
// converge on the write with the highest sequence number.
type CallRecord struct {
	ID          string     `json:"id"`
	InitiatorID UserID     `json:"initiator_id"`
	RecipientID UserID     `json:"recipient_id"`
	Type        CallType   `json:"type"`
	Status      CallStatus `json:"status"`
	ChannelRef  string     `json:"channel_ref"`
	Seq         int64      `json:"seq"`
	CreatedAt   time.Time  `json:"created_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Supersedes reports whether r should replace prev in an observer's view.
// A nil prev is always superseded. Stale sequence numbers and status
// regressions are dropped so observers never move backwards.
func (r *CallRecord) Supersedes(prev *CallRecord) bool {
	if prev == nil {
		return true
	}
	if r.Seq <= prev.Seq {
		return false
	}
	return r.Status.rank() >= prev.Status.rank()
}

// Validate checks that the record carries exactly the fields its status
// requires. Writers must not publish records that fail validation.
func (r *CallRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("call record: missing id")
	}
	if r.InitiatorID == "" || r.RecipientID == "" {
		return fmt.Errorf("call record %s: missing participant", r.ID)
	}
	if r.Type != CallVoice && r.Type != CallVideo {
		return fmt.Errorf("call record %s: unknown type %q", r.ID, r.Type)
	}
	if r.Status.rank() < 0 {
		return fmt.Errorf("call record %s: unknown status %q", r.ID, r.Status)
	}
	if r.Seq < 1 {
		return fmt.Errorf("call record %s: sequence must start at 1", r.ID)
	}
	if r.ChannelRef == "" {
		return fmt.Errorf("call record %s: missing channel ref", r.ID)
	}
	if r.Status.Terminal() && r.EndedAt == nil {
		return fmt.Errorf("call record %s: terminal status %q without ended_at", r.ID, r.Status)
	}
	if !r.Status.Terminal() && r.EndedAt != nil {
		return fmt.Errorf("call record %s: ended_at set on non-terminal status %q", r.ID, r.Status)
	}
	return nil
}

// Peer returns the other party of the call relative to self.
func (r *CallRecord) Peer(self UserID) UserID {
	if r.InitiatorID == self {
		return r.RecipientID
	}
	return r.InitiatorID
}
