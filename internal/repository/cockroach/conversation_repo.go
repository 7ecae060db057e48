package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"huddle-backend/internal/domain"
	apperrors "huddle-backend/pkg/errors"
)

// ConversationRepository reads conversation membership. Conversations are owned
// by the chat service; the call service never writes them.
type ConversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// GetByID loads a conversation together with its member ids
func (r *ConversationRepository) GetByID(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error) {
	query := `
		SELECT conversation_id, type, name, created_by, created_at
		FROM conversations
		WHERE conversation_id = $1
	`

	conv := &domain.Conversation{}
	err := r.pool.QueryRow(ctx, query, conversationID).Scan(
		&conv.ConversationID,
		&conv.Type,
		&conv.Name,
		&conv.CreatedBy,
		&conv.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundError("Conversation")
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	members, err := r.GetParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv.MemberIDs = members

	return conv, nil
}

// GetParticipants returns member user ids in join order
func (r *ConversationRepository) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT user_id
		FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY joined_at ASC
	`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var userIDs []uuid.UUID
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		userIDs = append(userIDs, userID)
	}

	return userIDs, rows.Err()
}
