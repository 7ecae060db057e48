package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"huddle-backend/internal/database"
	"huddle-backend/pkg/constants"
)

// PresenceRepository tracks which users hold a live signaling connection on any instance
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID)
}

// SetUserOnline marks user as online; the key expires unless refreshed
func (r *PresenceRepository) SetUserOnline(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeSet(ctx, presenceKey(userID), "online", constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}
	return nil
}

// SetUserOffline marks user as offline
func (r *PresenceRepository) SetUserOffline(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeDel(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}

// RefreshPresence extends the online TTL (heartbeat)
func (r *PresenceRepository) RefreshPresence(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeExpire(ctx, presenceKey(userID), constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// IsUserOnline checks if user is currently online
func (r *PresenceRepository) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	exists, err := r.client.SafeExists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return exists > 0, nil
}
