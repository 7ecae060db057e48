package call

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"huddle-backend/internal/domain"
	apperrors "huddle-backend/pkg/errors"
)

// CallRepository is the durable store behind the Registry
type CallRepository interface {
	Create(ctx context.Context, call *domain.Call) error
	Update(ctx context.Context, call *domain.Call) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	FindLiveByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error)
	FindByParticipant(ctx context.Context, userID uuid.UUID, liveOnly bool, limit, offset int) ([]*domain.Call, error)
	ListLive(ctx context.Context) ([]*domain.Call, error)
}

// Registry is the data-access layer for calls. It refuses writes that break the
// lifecycle rules so no caller can persist an illegal transition.
type Registry struct {
	repo CallRepository
}

// NewRegistry wraps a call repository
func NewRegistry(repo CallRepository) *Registry {
	return &Registry{repo: repo}
}

// Create stores a freshly initiated call
func (r *Registry) Create(ctx context.Context, call *domain.Call) error {
	if call.CallID == uuid.Nil || call.ConversationID == uuid.Nil {
		return apperrors.ValidationError("call and conversation ids are required")
	}
	if call.Status != domain.CallStatusInitiated {
		return apperrors.InvalidStateError(fmt.Sprintf("new call must be %s, got %s", domain.CallStatusInitiated, call.Status))
	}

	callers := 0
	for _, p := range call.Participants {
		if p.IsCaller {
			callers++
		}
	}
	if callers != 1 {
		return apperrors.ValidationError("call must have exactly one caller")
	}

	return r.repo.Create(ctx, call)
}

// Save persists a mutated call that was loaded in status from. Terminal calls
// only accept log appends.
func (r *Registry) Save(ctx context.Context, call *domain.Call, from domain.CallStatus) error {
	if from.IsTerminal() && call.Status != from {
		return apperrors.InvalidStateError(fmt.Sprintf("call is %s", from))
	}
	if !from.CanTransition(call.Status) {
		return apperrors.InvalidStateError(fmt.Sprintf("cannot move call from %s to %s", from, call.Status))
	}
	if call.Status.IsTerminal() && call.EndedAt == nil {
		return apperrors.InvalidStateError("terminal call needs an end timestamp")
	}

	return r.repo.Update(ctx, call)
}

// Get loads a call or returns NotFound
func (r *Registry) Get(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	return r.repo.GetByID(ctx, callID)
}

// LiveInConversation returns the live call of a conversation, or nil
func (r *Registry) LiveInConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error) {
	return r.repo.FindLiveByConversation(ctx, conversationID)
}

// ForParticipant lists calls of a user, newest first
func (r *Registry) ForParticipant(ctx context.Context, userID uuid.UUID, liveOnly bool, limit, offset int) ([]*domain.Call, error) {
	return r.repo.FindByParticipant(ctx, userID, liveOnly, limit, offset)
}

// Live lists every live call
func (r *Registry) Live(ctx context.Context) ([]*domain.Call, error) {
	return r.repo.ListLive(ctx)
}
