package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"huddle-backend/internal/domain"
	apperrors "huddle-backend/pkg/errors"
)

// Directory serves conversations and user profiles from memory
type Directory struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]*domain.Conversation
	users         map[uuid.UUID]*domain.UserProfile
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{
		conversations: make(map[uuid.UUID]*domain.Conversation),
		users:         make(map[uuid.UUID]*domain.UserProfile),
	}
}

// PutConversation adds or replaces a conversation
func (d *Directory) PutConversation(conv *domain.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := *conv
	c.MemberIDs = append([]uuid.UUID(nil), conv.MemberIDs...)
	d.conversations[conv.ConversationID] = &c
}

// PutUser adds or replaces a profile
func (d *Directory) PutUser(profile *domain.UserProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := *profile
	d.users[profile.UserID] = &p
}

func (d *Directory) GetByID(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	conv, ok := d.conversations[conversationID]
	if !ok {
		return nil, apperrors.NotFoundError("Conversation")
	}
	c := *conv
	c.MemberIDs = append([]uuid.UUID(nil), conv.MemberIDs...)
	return &c, nil
}

func (d *Directory) GetProfiles(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*domain.UserProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[uuid.UUID]*domain.UserProfile, len(userIDs))
	for _, id := range userIDs {
		if p, ok := d.users[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}
