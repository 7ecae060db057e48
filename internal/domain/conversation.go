package domain

import (
	"time"

	"github.com/google/uuid"
)

// Conversation types
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Conversation is the owning collaborator of a call. The call service only reads it.
// Maps to CockroachDB conversations table
type Conversation struct {
	ConversationID uuid.UUID   `json:"conversation_id" db:"conversation_id"`
	Type           string      `json:"type" db:"type"` // direct, group
	Name           *string     `json:"name,omitempty" db:"name"`
	CreatedBy      uuid.UUID   `json:"created_by" db:"created_by"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	MemberIDs      []uuid.UUID `json:"member_ids" db:"-"`
}

// IsGroup reports whether the conversation has group semantics
func (c *Conversation) IsGroup() bool {
	return c.Type == ConversationGroup
}

// HasMember reports whether userID belongs to the conversation
func (c *Conversation) HasMember(userID uuid.UUID) bool {
	for _, id := range c.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}
