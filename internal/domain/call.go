package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType is the media kind a call was started with
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is the overall lifecycle state of a call
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusActive    CallStatus = "active"
	CallStatusEnded     CallStatus = "ended"
	CallStatusDeclined  CallStatus = "declined"
	CallStatusMissed    CallStatus = "missed"
	CallStatusCancelled CallStatus = "cancelled"
)

// LiveStatuses are the statuses of which at most one call may exist per conversation
var LiveStatuses = []CallStatus{CallStatusInitiated, CallStatusRinging, CallStatusActive}

// IsLive reports whether the call still accepts participants
func (s CallStatus) IsLive() bool {
	return s == CallStatusInitiated || s == CallStatusRinging || s == CallStatusActive
}

// IsTerminal reports whether no further status mutation is permitted
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusDeclined, CallStatusMissed, CallStatusCancelled:
		return true
	}
	return false
}

// IsPending reports whether the call has not been answered yet
func (s CallStatus) IsPending() bool {
	return s == CallStatusInitiated || s == CallStatusRinging
}

// CanTransition validates a status change
func (s CallStatus) CanTransition(to CallStatus) bool {
	if s == to {
		return true
	}
	switch s {
	case CallStatusInitiated:
		return to != CallStatusInitiated
	case CallStatusRinging:
		return to != CallStatusInitiated
	case CallStatusActive:
		return to == CallStatusEnded
	}
	return false
}

// ParticipantStatus tracks one participant within a call
type ParticipantStatus string

const (
	ParticipantInvited   ParticipantStatus = "invited"
	ParticipantConnected ParticipantStatus = "connected"
	ParticipantDeclined  ParticipantStatus = "declined"
	ParticipantLeft      ParticipantStatus = "left"
)

// CallParticipant is one member of a call. Only identifiers are stored;
// display fields are resolved when rendering.
type CallParticipant struct {
	UserID   uuid.UUID         `json:"user_id"`
	Status   ParticipantStatus `json:"status"`
	IsCaller bool              `json:"is_caller"`
	JoinedAt *time.Time        `json:"joined_at,omitempty"`
	LeftAt   *time.Time        `json:"left_at,omitempty"`
}

// CallSettings are the toggles shared by everyone in the call
type CallSettings struct {
	MuteAudio   bool `json:"mute_audio"`
	MuteVideo   bool `json:"mute_video"`
	ScreenShare bool `json:"screen_share"`
	Recording   bool `json:"recording"`
}

// SettingsPatch carries only the settings a caller wants to change
type SettingsPatch struct {
	MuteAudio   *bool `json:"mute_audio,omitempty"`
	MuteVideo   *bool `json:"mute_video,omitempty"`
	ScreenShare *bool `json:"screen_share,omitempty"`
	Recording   *bool `json:"recording,omitempty"`
}

// Empty reports whether the patch sets nothing
func (p SettingsPatch) Empty() bool {
	return p.MuteAudio == nil && p.MuteVideo == nil && p.ScreenShare == nil && p.Recording == nil
}

// CallRecording tracks the most recent recording window
type CallRecording struct {
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	StartedBy *uuid.UUID `json:"started_by,omitempty"`
}

// CallEventKind names an entry in the call log
type CallEventKind string

const (
	LogInitiated        CallEventKind = "initiated"
	LogRinging          CallEventKind = "ringing"
	LogJoined           CallEventKind = "joined"
	LogDeclined         CallEventKind = "declined"
	LogLeft             CallEventKind = "left"
	LogEnded            CallEventKind = "ended"
	LogCancelled        CallEventKind = "cancelled"
	LogMissed           CallEventKind = "missed"
	LogSettingChanged   CallEventKind = "setting_changed"
	LogRecordingStarted CallEventKind = "recording_started"
	LogRecordingStopped CallEventKind = "recording_stopped"
)

// CallLogEntry is one append-only lifecycle record
type CallLogEntry struct {
	At      time.Time     `json:"at"`
	Kind    CallEventKind `json:"kind"`
	ActorID *uuid.UUID    `json:"actor_id,omitempty"`
	Detail  string        `json:"detail,omitempty"`
}

// Call represents a video/audio call session in one conversation
type Call struct {
	CallID         uuid.UUID         `json:"call_id"`
	ConversationID uuid.UUID         `json:"conversation_id"`
	CallerID       uuid.UUID         `json:"caller_id"`
	CallType       CallType          `json:"call_type"`
	Status         CallStatus        `json:"status"`
	IsGroup        bool              `json:"is_group"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	EndReason      string            `json:"end_reason,omitempty"`
	Settings       CallSettings      `json:"settings"`
	Recording      CallRecording     `json:"recording"`
	Participants   []CallParticipant `json:"participants"`
	Log            []CallLogEntry    `json:"log"`
	Version        int64             `json:"version"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Duration is derived from the start and end timestamps. A live call
// reports the time elapsed so far.
func (c *Call) Duration(now time.Time) time.Duration {
	end := now
	if c.EndedAt != nil {
		end = *c.EndedAt
	}
	if end.Before(c.StartedAt) {
		return 0
	}
	return end.Sub(c.StartedAt)
}

// Participant returns the participant entry for userID, or nil
func (c *Call) Participant(userID uuid.UUID) *CallParticipant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// ParticipantIDs returns every participant's user id in order
func (c *Call) ParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// CountStatus counts participants in the given status
func (c *Call) CountStatus(status ParticipantStatus) int {
	n := 0
	for _, p := range c.Participants {
		if p.Status == status {
			n++
		}
	}
	return n
}

// AppendLog records a lifecycle event
func (c *Call) AppendLog(at time.Time, kind CallEventKind, actor *uuid.UUID, detail string) {
	c.Log = append(c.Log, CallLogEntry{At: at, Kind: kind, ActorID: actor, Detail: detail})
}

// Clone returns a deep copy so stores never share mutable state with callers
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	out := *c
	out.EndedAt = cloneTime(c.EndedAt)
	out.Recording = CallRecording{
		StartedAt: cloneTime(c.Recording.StartedAt),
		EndedAt:   cloneTime(c.Recording.EndedAt),
	}
	if c.Recording.StartedBy != nil {
		id := *c.Recording.StartedBy
		out.Recording.StartedBy = &id
	}
	out.Participants = make([]CallParticipant, len(c.Participants))
	for i, p := range c.Participants {
		p.JoinedAt = cloneTime(p.JoinedAt)
		p.LeftAt = cloneTime(p.LeftAt)
		out.Participants[i] = p
	}
	out.Log = make([]CallLogEntry, len(c.Log))
	copy(out.Log, c.Log)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
