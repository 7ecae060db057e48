package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"huddle-backend/internal/database"
	"huddle-backend/pkg/constants"
	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/push"
)

// PushTokenRepository stores device tokens in Redis
type PushTokenRepository struct {
	client *database.RedisClient
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *database.RedisClient) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func tokenKey(token string) string {
	return fmt.Sprintf("push:token:%s", token)
}

func userTokensKey(userID uuid.UUID) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

// Store stores or refreshes a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.client.SafeSet(ctx, tokenKey(token.Token), data, constants.PushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	setKey := userTokensKey(token.UserID)
	if err := r.client.SafeSAdd(ctx, setKey, token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to user set: %w", err)
	}

	if err := r.client.SafeExpire(ctx, setKey, constants.PushTokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set expiration on user tokens set",
			zap.String("user_id", token.UserID.String()),
			zap.Error(err))
	}

	return nil
}

// GetByUserID retrieves all live tokens for a user, pruning expired entries from the set
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	setKey := userTokensKey(userID)
	members, err := r.client.SafeSMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var result []*push.Token
	for _, member := range members {
		data, err := r.client.SafeGet(ctx, tokenKey(member)).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				r.client.SafeSRem(ctx, setKey, member)
				continue
			}
			return nil, fmt.Errorf("failed to get token: %w", err)
		}

		var token push.Token
		if err := json.Unmarshal(data, &token); err != nil {
			logger.Warn("Dropping undecodable push token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		result = append(result, &token)
	}

	return result, nil
}

// Delete removes one token of userID
func (r *PushTokenRepository) Delete(ctx context.Context, userID uuid.UUID, token string) error {
	if err := r.client.SafeDel(ctx, tokenKey(token)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	if err := r.client.SafeSRem(ctx, userTokensKey(userID), token).Err(); err != nil {
		return fmt.Errorf("failed to remove token from user set: %w", err)
	}
	return nil
}
