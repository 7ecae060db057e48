package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle-backend/internal/domain"
	"huddle-backend/pkg/logger"
)

// UserDirectory resolves display fields for participants
type UserDirectory interface {
	GetProfiles(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*domain.UserProfile, error)
}

// ParticipantView is a participant with display fields filled in
type ParticipantView struct {
	UserID      uuid.UUID                `json:"user_id"`
	DisplayName string                   `json:"display_name"`
	AvatarURL   *string                  `json:"avatar_url,omitempty"`
	Status      domain.ParticipantStatus `json:"status"`
	IsCaller    bool                     `json:"is_caller"`
	JoinedAt    *time.Time               `json:"joined_at,omitempty"`
	LeftAt      *time.Time               `json:"left_at,omitempty"`
}

// CallView is the client-facing rendering of a call
type CallView struct {
	CallID          uuid.UUID             `json:"call_id"`
	ConversationID  uuid.UUID             `json:"conversation_id"`
	RoomID          domain.RoomID         `json:"room_id"`
	CallerID        uuid.UUID             `json:"caller_id"`
	CallType        domain.CallType       `json:"call_type"`
	Status          domain.CallStatus     `json:"status"`
	IsGroup         bool                  `json:"is_group"`
	StartedAt       time.Time             `json:"started_at"`
	EndedAt         *time.Time            `json:"ended_at,omitempty"`
	DurationSeconds int64                 `json:"duration_seconds"`
	EndReason       string                `json:"end_reason,omitempty"`
	Settings        domain.CallSettings   `json:"settings"`
	Recording       domain.CallRecording  `json:"recording"`
	Participants    []ParticipantView     `json:"participants"`
	Log             []domain.CallLogEntry `json:"log,omitempty"`
}

// CallEventPayload is the data of every call-* notification
type CallEventPayload struct {
	Call    *CallView  `json:"call"`
	ActorID *uuid.UUID `json:"actor_id,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// Renderer turns stored calls into views. Display fields are looked up here
// and nowhere else.
type Renderer struct {
	users UserDirectory
	now   func() time.Time
}

// NewRenderer creates a renderer; users may be nil
func NewRenderer(users UserDirectory) *Renderer {
	return &Renderer{users: users, now: time.Now}
}

// Render builds a view of one call
func (r *Renderer) Render(ctx context.Context, call *domain.Call) *CallView {
	views := r.RenderAll(ctx, []*domain.Call{call})
	return views[0]
}

// RenderAll renders several calls with a single directory lookup
func (r *Renderer) RenderAll(ctx context.Context, calls []*domain.Call) []*CallView {
	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for _, c := range calls {
		for _, p := range c.Participants {
			if _, ok := seen[p.UserID]; !ok {
				seen[p.UserID] = struct{}{}
				ids = append(ids, p.UserID)
			}
		}
	}

	profiles := map[uuid.UUID]*domain.UserProfile{}
	if r.users != nil && len(ids) > 0 {
		found, err := r.users.GetProfiles(ctx, ids)
		if err != nil {
			logger.Warn("Failed to resolve participant profiles", zap.Error(err))
		} else {
			profiles = found
		}
	}

	now := r.now()
	out := make([]*CallView, 0, len(calls))
	for _, c := range calls {
		v := &CallView{
			CallID:          c.CallID,
			ConversationID:  c.ConversationID,
			RoomID:          domain.RoomIDFor(c.ConversationID),
			CallerID:        c.CallerID,
			CallType:        c.CallType,
			Status:          c.Status,
			IsGroup:         c.IsGroup,
			StartedAt:       c.StartedAt,
			EndedAt:         c.EndedAt,
			DurationSeconds: int64(c.Duration(now).Seconds()),
			EndReason:       c.EndReason,
			Settings:        c.Settings,
			Recording:       c.Recording,
			Participants:    make([]ParticipantView, 0, len(c.Participants)),
		}
		for _, p := range c.Participants {
			pv := ParticipantView{
				UserID:   p.UserID,
				Status:   p.Status,
				IsCaller: p.IsCaller,
				JoinedAt: p.JoinedAt,
				LeftAt:   p.LeftAt,
			}
			if profile, ok := profiles[p.UserID]; ok {
				pv.DisplayName = profile.Name()
				pv.AvatarURL = profile.AvatarURL
			}
			v.Participants = append(v.Participants, pv)
		}
		out = append(out, v)
	}
	return out
}

// WithLog attaches the lifecycle log to a view
func (v *CallView) WithLog(call *domain.Call) *CallView {
	v.Log = call.Log
	return v
}
