package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"huddle-backend/internal/domain"
)

// UserRepository resolves display fields for call participants
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new user repository
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// GetProfiles returns the profiles that exist among userIDs, keyed by id.
// Unknown ids are simply absent from the result.
func (r *UserRepository) GetProfiles(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*domain.UserProfile, error) {
	profiles := make(map[uuid.UUID]*domain.UserProfile, len(userIDs))
	if len(userIDs) == 0 {
		return profiles, nil
	}

	query := `
		SELECT user_id, username, display_name, avatar_url
		FROM users
		WHERE user_id = ANY($1)
	`

	rows, err := r.pool.Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get user profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p := &domain.UserProfile{}
		if err := rows.Scan(&p.UserID, &p.Username, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("failed to scan user profile: %w", err)
		}
		profiles[p.UserID] = p
	}

	return profiles, rows.Err()
}
