// Package push delivers platform push notifications for realtime events,
// so call invitations reach clients whose realtime connection is asleep.
package push

import (
	"context"
	"strconv"

	"campushub-realtime/internal/domain"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Name() string
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Token represents a push notification token for a user
type Token struct {
	UserID   domain.UserID `json:"user_id"`
	Token    string        `json:"token"`
	Type     TokenType     `json:"type"`
	Platform string        `json:"platform,omitempty"` // ios, android, web
}

// TokenSource resolves the active push tokens for a user.
type TokenSource interface {
	TokensForUser(ctx context.Context, userID domain.UserID) ([]Token, error)
}

// IncomingCallNotification builds the notification payload for a pending
// call invitation. The data map lets the client app route straight to the
// call screen.
func IncomingCallNotification(rec domain.CallRecord) *Notification {
	body := "Incoming voice call"
	if rec.Type == domain.CallVideo {
		body = "Incoming video call"
	}
	return &Notification{
		Title:    "Incoming call",
		Body:     body,
		Priority: "high",
		Sound:    "ringtone.caf",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"call_id":      rec.ID,
			"initiator_id": string(rec.InitiatorID),
			"call_type":    string(rec.Type),
			"timestamp":    strconv.FormatInt(rec.CreatedAt.Unix(), 10),
		},
	}
}
