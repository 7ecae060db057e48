package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"huddle-backend/internal/domain"
	apperrors "huddle-backend/pkg/errors"
)

// CallRepository is an in-process call store with the same contract as the
// CockroachDB repository: one live call per conversation and optimistic versions.
type CallRepository struct {
	mu    sync.RWMutex
	calls map[uuid.UUID]*domain.Call
}

// NewCallRepository creates an empty store
func NewCallRepository() *CallRepository {
	return &CallRepository{calls: make(map[uuid.UUID]*domain.Call)}
}

func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.CallID]; exists {
		return apperrors.ConflictError("call already exists")
	}
	if call.Status.IsLive() && r.liveLocked(call.ConversationID) != nil {
		return apperrors.ConflictError("conversation already has a live call")
	}

	if call.Version == 0 {
		call.Version = 1
	}
	r.calls[call.CallID] = call.Clone()
	return nil
}

func (r *CallRepository) Update(ctx context.Context, call *domain.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.calls[call.CallID]
	if !ok {
		return apperrors.NotFoundError("Call")
	}
	if stored.Version != call.Version {
		return apperrors.ConflictError("call was modified concurrently")
	}
	if call.Status.IsLive() && !stored.Status.IsLive() {
		if other := r.liveLocked(call.ConversationID); other != nil && other.CallID != call.CallID {
			return apperrors.ConflictError("conversation already has a live call")
		}
	}

	call.Version++
	r.calls[call.CallID] = call.Clone()
	return nil
}

func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[callID]
	if !ok {
		return nil, apperrors.NotFoundError("Call")
	}
	return call.Clone(), nil
}

func (r *CallRepository) FindLiveByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.liveLocked(conversationID).Clone(), nil
}

func (r *CallRepository) FindByParticipant(ctx context.Context, userID uuid.UUID, liveOnly bool, limit, offset int) ([]*domain.Call, error) {
	r.mu.RLock()
	var out []*domain.Call
	for _, call := range r.calls {
		if liveOnly && !call.Status.IsLive() {
			continue
		}
		if call.Participant(userID) != nil {
			out = append(out, call.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *CallRepository) ListLive(ctx context.Context) ([]*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Call
	for _, call := range r.calls {
		if call.Status.IsLive() {
			out = append(out, call.Clone())
		}
	}
	return out, nil
}

func (r *CallRepository) liveLocked(conversationID uuid.UUID) *domain.Call {
	for _, call := range r.calls {
		if call.ConversationID == conversationID && call.Status.IsLive() {
			return call
		}
	}
	return nil
}
