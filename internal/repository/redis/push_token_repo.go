package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campushub-realtime/internal/domain"
	"campushub-realtime/pkg/logger"
	"campushub-realtime/pkg/push"
)

// Tokens expire together with the user set so stale devices stop ringing.
const pushTokenExpiry = 30 * 24 * time.Hour

// PushTokenRepository handles push notification token storage in Redis
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func tokenKey(token string) string {
	return fmt.Sprintf("push:token:%s", token)
}

func userTokensKey(userID domain.UserID) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

// Store registers a push token for a user
func (r *PushTokenRepository) Store(ctx context.Context, token push.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.client.Set(ctx, tokenKey(token.Token), data, pushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	userKey := userTokensKey(token.UserID)
	if err := r.client.SAdd(ctx, userKey, token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to user set: %w", err)
	}
	if err := r.client.Expire(ctx, userKey, pushTokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set expiration on user tokens set",
			zap.String("user_id", string(token.UserID)),
			zap.Error(err))
	}

	logger.Debug("Push token stored",
		zap.String("user_id", string(token.UserID)),
		zap.String("token_type", string(token.Type)))

	return nil
}

// Delete removes a push token
func (r *PushTokenRepository) Delete(ctx context.Context, userID domain.UserID, tokenStr string) error {
	if err := r.client.Del(ctx, tokenKey(tokenStr)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	if err := r.client.SRem(ctx, userTokensKey(userID), tokenStr).Err(); err != nil {
		return fmt.Errorf("failed to remove token from user set: %w", err)
	}
	return nil
}

// TokensForUser implements push.TokenSource. Tokens whose records expired
// are pruned from the user set as they are encountered.
func (r *PushTokenRepository) TokensForUser(ctx context.Context, userID domain.UserID) ([]push.Token, error) {
	userKey := userTokensKey(userID)
	members, err := r.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user tokens: %w", err)
	}

	var tokens []push.Token
	for _, member := range members {
		data, err := r.client.Get(ctx, tokenKey(member)).Bytes()
		if err == redis.Nil {
			if remErr := r.client.SRem(ctx, userKey, member).Err(); remErr != nil {
				logger.Warn("Failed to prune expired token",
					zap.String("user_id", string(userID)),
					zap.Error(remErr))
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}

		var token push.Token
		if err := json.Unmarshal(data, &token); err != nil {
			return nil, fmt.Errorf("failed to unmarshal token: %w", err)
		}
		tokens = append(tokens, token)
	}

	return tokens, nil
}
