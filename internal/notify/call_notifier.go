// Package notify pushes call invitations to recipients through platform
// push providers. Delivery is best effort; the realtime channel remains
// the source of truth for call state.
package notify

import (
	"context"

	"go.uber.org/zap"

	"campushub-realtime/internal/domain"
	"campushub-realtime/pkg/logger"
	"campushub-realtime/pkg/metrics"
	"campushub-realtime/pkg/push"
)

// PendingCalls streams newly observed pending call records.
type PendingCalls interface {
	SubscribePending(ctx context.Context) (<-chan *domain.CallRecord, error)
}

// CallNotifier watches for pending calls and fans each one out to the
// recipient's registered push tokens.
type CallNotifier struct {
	calls     PendingCalls
	tokens    push.TokenSource
	providers []push.Provider
	log       *zap.Logger
}

// NewCallNotifier creates a new CallNotifier
func NewCallNotifier(calls PendingCalls, tokens push.TokenSource, providers ...push.Provider) *CallNotifier {
	return &CallNotifier{
		calls:     calls,
		tokens:    tokens,
		providers: providers,
		log:       logger.With(zap.String("component", "call_notifier")),
	}
}

// Run consumes pending calls until ctx is cancelled.
func (n *CallNotifier) Run(ctx context.Context) error {
	pending, err := n.calls.SubscribePending(ctx)
	if err != nil {
		return err
	}
	for rec := range pending {
		n.notify(ctx, rec)
	}
	return ctx.Err()
}

func (n *CallNotifier) notify(ctx context.Context, rec *domain.CallRecord) {
	tokens, err := n.tokens.TokensForUser(ctx, rec.RecipientID)
	if err != nil {
		n.log.Error("failed to resolve push tokens",
			zap.String("call_id", rec.ID),
			zap.String("recipient_id", string(rec.RecipientID)),
			zap.Error(err))
		return
	}
	if len(tokens) == 0 {
		return
	}

	byType := map[push.TokenType][]string{}
	for _, tok := range tokens {
		byType[tok.Type] = append(byType[tok.Type], tok.Token)
	}

	notification := push.IncomingCallNotification(*rec)
	for _, provider := range n.providers {
		var tokenType push.TokenType
		switch provider.Name() {
		case "fcm":
			tokenType = push.TokenTypeFCM
		case "apns":
			tokenType = push.TokenTypeAPNs
		default:
			continue
		}
		targets := byType[tokenType]
		if len(targets) == 0 {
			continue
		}

		result, err := provider.Send(ctx, notification, targets)
		if err != nil {
			metrics.CallPushSentTotal.WithLabelValues(provider.Name(), "error").Inc()
			n.log.Error("failed to send call push",
				zap.String("call_id", rec.ID),
				zap.String("provider", provider.Name()),
				zap.Error(err))
			continue
		}
		for i := 0; i < result.SuccessCount; i++ {
			metrics.CallPushSentTotal.WithLabelValues(provider.Name(), "success").Inc()
		}
		for i := 0; i < result.FailureCount; i++ {
			metrics.CallPushSentTotal.WithLabelValues(provider.Name(), "failure").Inc()
		}
	}
}
