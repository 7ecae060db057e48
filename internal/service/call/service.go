package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle-backend/internal/domain"
	"huddle-backend/pkg/constants"
	apperrors "huddle-backend/pkg/errors"
	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/metrics"
	"huddle-backend/pkg/push"
)

// maxSaveAttempts bounds retries after an optimistic-version conflict with another instance
const maxSaveAttempts = 3

// ConversationRepository resolves conversation membership
type ConversationRepository interface {
	GetByID(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error)
}

// Notifier delivers events to every live channel of the given users.
// Delivery is best effort and never reports failure.
type Notifier interface {
	NotifyUsers(ctx context.Context, userIDs []uuid.UUID, event domain.Event)
}

// MediaRooms is the media side of a call
type MediaRooms interface {
	EnsureRoom(ctx context.Context, conversationID uuid.UUID) (*domain.RoomInfo, error)
	RemovePeer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID) error
	CloseRoom(ctx context.Context, roomID domain.RoomID) error
}

// CallPusher rings the devices of users that have no live signaling connection
type CallPusher interface {
	SendIncomingCall(ctx context.Context, data *push.CallNotificationData, calleeIDs []uuid.UUID) error
	SendMissedCall(ctx context.Context, data *push.CallNotificationData, calleeIDs []uuid.UUID) error
}

// PresenceChecker reports whether a user holds a signaling connection anywhere
type PresenceChecker interface {
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Dependencies wires a Service. Rooms, Pusher, Presence and Metrics are optional.
type Dependencies struct {
	Calls         CallRepository
	Conversations ConversationRepository
	Users         UserDirectory
	Notifier      Notifier
	Rooms         MediaRooms
	Pusher        CallPusher
	Presence      PresenceChecker
	Metrics       *metrics.Metrics
}

// Service owns the call state machine:
// initiated -> ringing -> active -> {ended | declined | missed | cancelled}.
// Every mutation of a conversation's calls runs under that conversation's lock.
type Service struct {
	registry      *Registry
	conversations ConversationRepository
	notifier      Notifier
	rooms         MediaRooms
	pusher        CallPusher
	presence      PresenceChecker
	metrics       *metrics.Metrics
	renderer      *Renderer
	locks         *keyedMutex
	now           func() time.Time
}

// NewService creates a new call service
func NewService(deps Dependencies) *Service {
	return &Service{
		registry:      NewRegistry(deps.Calls),
		conversations: deps.Conversations,
		notifier:      deps.Notifier,
		rooms:         deps.Rooms,
		pusher:        deps.Pusher,
		presence:      deps.Presence,
		metrics:       deps.Metrics,
		renderer:      NewRenderer(deps.Users),
		locks:         newKeyedMutex(),
		now:           time.Now,
	}
}

// notice is one notification to send once a transition is stored
type notice struct {
	to     []uuid.UUID
	kind   domain.EventType
	actor  *uuid.UUID
	reason string
}

// outcome lists the side effects of an applied transition. A nil outcome means
// the request was already satisfied and nothing is written or sent.
type outcome struct {
	notices    []notice
	removePeer *uuid.UUID
	closeRoom  bool
}

type mutation func(call *domain.Call, now time.Time) (*outcome, error)

// Initiate starts a call in a conversation. A live call already in the
// conversation is ended first.
func (s *Service) Initiate(ctx context.Context, callerID, conversationID uuid.UUID, callType domain.CallType) (*domain.Call, error) {
	const op = "initiate"

	if !callType.Valid() {
		return nil, s.fail(op, apperrors.ValidationError(fmt.Sprintf("unknown call type %q", callType)))
	}

	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if !conv.HasMember(callerID) {
		return nil, s.fail(op, apperrors.PermissionDeniedError("not a member of this conversation"))
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	var call *domain.Call
	for attempt := 1; ; attempt++ {
		err := s.preemptLocked(ctx, conversationID, callerID)
		if err == nil {
			call = newCall(conv, callerID, callType, s.now().UTC())
			err = s.registry.Create(ctx, call)
		}
		if err == nil {
			break
		}
		if apperrors.Is(err, apperrors.ErrCodeConflict) && attempt < maxSaveAttempts {
			continue
		}
		return nil, s.fail(op, err)
	}

	s.metrics.RecordCall(string(call.CallType), string(call.Status))
	s.metrics.IncActiveCalls()

	logger.Info("Call initiated",
		logger.CallID(call.CallID),
		logger.ConversationID(conversationID),
		logger.UserID(callerID),
		zap.String("call_type", string(callType)))

	s.apply(ctx, call, call.Status, &outcome{
		notices: []notice{{to: others(call, &callerID), kind: domain.EventCallIncoming, actor: &callerID}},
	})

	if s.rooms != nil {
		if _, err := s.rooms.EnsureRoom(ctx, conversationID); err != nil {
			logger.Warn("Failed to prepare media room", logger.CallID(call.CallID), zap.Error(err))
		}
	}

	s.ringOffline(call)

	return call, nil
}

// preemptLocked ends the conversation's live call, if any
func (s *Service) preemptLocked(ctx context.Context, conversationID, actorID uuid.UUID) error {
	existing, err := s.registry.LiveInConversation(ctx, conversationID)
	if err != nil || existing == nil {
		return err
	}

	from := existing.Status
	now := s.now().UTC()
	finish(existing, now, domain.CallStatusEnded, &actorID, "superseded")
	existing.UpdatedAt = now
	if err := s.registry.Save(ctx, existing, from); err != nil {
		return err
	}

	logger.Info("Live call superseded by a new call",
		logger.CallID(existing.CallID),
		logger.ConversationID(conversationID))

	s.apply(ctx, existing, from, &outcome{
		notices:   []notice{{to: others(existing, &actorID), kind: domain.EventCallEnded, actor: &actorID, reason: "superseded"}},
		closeRoom: true,
	})
	return nil
}

func newCall(conv *domain.Conversation, callerID uuid.UUID, callType domain.CallType, now time.Time) *domain.Call {
	joined := now
	call := &domain.Call{
		CallID:         uuid.New(),
		ConversationID: conv.ConversationID,
		CallerID:       callerID,
		CallType:       callType,
		Status:         domain.CallStatusInitiated,
		IsGroup:        conv.IsGroup() || len(conv.MemberIDs) > 2,
		StartedAt:      now,
		UpdatedAt:      now,
		Participants: []domain.CallParticipant{{
			UserID:   callerID,
			Status:   domain.ParticipantConnected,
			IsCaller: true,
			JoinedAt: &joined,
		}},
	}
	for _, memberID := range conv.MemberIDs {
		if memberID == callerID {
			continue
		}
		call.Participants = append(call.Participants, domain.CallParticipant{
			UserID: memberID,
			Status: domain.ParticipantInvited,
		})
	}
	call.AppendLog(now, domain.LogInitiated, &callerID, string(callType))
	return call
}

// Join connects a participant. Joining twice is a no-op.
func (s *Service) Join(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.mutateByID(ctx, "join", callID, func(call *domain.Call, now time.Time) (*outcome, error) {
		p := call.Participant(userID)
		if p == nil {
			return nil, apperrors.NotFoundError("Participant")
		}
		if p.Status == domain.ParticipantConnected {
			return nil, nil
		}
		if !call.Status.IsLive() {
			return nil, apperrors.InvalidStateError(fmt.Sprintf("call is %s", call.Status))
		}

		joined := now
		p.Status = domain.ParticipantConnected
		p.JoinedAt = &joined
		p.LeftAt = nil
		if call.Status.IsPending() {
			call.Status = domain.CallStatusActive
		}
		call.AppendLog(now, domain.LogJoined, &userID, "")

		return &outcome{
			notices: []notice{{to: others(call, &userID), kind: domain.EventCallAccepted, actor: &userID}},
		}, nil
	})
}

// MarkRinging records that an invitee's device is ringing. It only promotes
// an initiated call and is a no-op otherwise.
func (s *Service) MarkRinging(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.mutateByID(ctx, "ring", callID, func(call *domain.Call, now time.Time) (*outcome, error) {
		if call.Participant(userID) == nil {
			return nil, apperrors.PermissionDeniedError("not a participant of this call")
		}
		if call.Status != domain.CallStatusInitiated {
			return nil, nil
		}
		call.Status = domain.CallStatusRinging
		call.AppendLog(now, domain.LogRinging, &userID, "")
		return &outcome{}, nil
	})
}

// Decline rejects an invitation. When every invitee has declined or left an
// unanswered call, the call itself becomes declined.
func (s *Service) Decline(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.mutateByID(ctx, "decline", callID, func(call *domain.Call, now time.Time) (*outcome, error) {
		p := call.Participant(userID)
		if p == nil {
			return nil, apperrors.PermissionDeniedError("not a participant of this call")
		}
		if p.Status == domain.ParticipantDeclined {
			return nil, nil
		}
		if !call.Status.IsLive() {
			return nil, apperrors.InvalidStateError(fmt.Sprintf("call is %s", call.Status))
		}
		if p.Status != domain.ParticipantInvited {
			return nil, apperrors.InvalidStateError(fmt.Sprintf("participant is %s", p.Status))
		}

		p.Status = domain.ParticipantDeclined
		call.AppendLog(now, domain.LogDeclined, &userID, "")

		out := &outcome{
			notices: []notice{{to: others(call, &userID), kind: domain.EventCallDeclined, actor: &userID}},
		}
		if call.Status.IsPending() && everyInviteeGone(call) {
			finish(call, now, domain.CallStatusDeclined, &userID, "declined")
			out.closeRoom = true
		}
		return out, nil
	})
}

// Leave disconnects a participant. When a connected participant leaves and at
// most one remains connected, the call ends.
func (s *Service) Leave(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.mutateByID(ctx, "leave", callID, func(call *domain.Call, now time.Time) (*outcome, error) {
		p := call.Participant(userID)
		if p == nil {
			return nil, apperrors.PermissionDeniedError("not a participant of this call")
		}
		if call.Status.IsTerminal() || p.Status == domain.ParticipantLeft || p.Status == domain.ParticipantDeclined {
			return nil, nil
		}

		wasConnected := p.Status == domain.ParticipantConnected
		left := now
		p.Status = domain.ParticipantLeft
		p.LeftAt = &left
		call.AppendLog(now, domain.LogLeft, &userID, "")

		out := &outcome{
			notices:    []notice{{to: others(call, &userID), kind: domain.EventParticipantLeft, actor: &userID}},
			removePeer: &userID,
		}

		switch {
		case wasConnected && call.CountStatus(domain.ParticipantConnected) <= 1:
			finish(call, now, domain.CallStatusEnded, &userID, "participants_left")
			out.notices = append(out.notices, notice{
				to: others(call, &userID), kind: domain.EventCallEnded, actor: &userID, reason: "participants_left",
			})
			out.closeRoom = true
		case !wasConnected && call.Status.IsPending() && everyInviteeGone(call):
			// an invitee walking away from an unanswered call counts as declining it
			finish(call, now, domain.CallStatusDeclined, &userID, "declined")
			out.closeRoom = true
		}
		return out, nil
	})
}

// End terminates the call for everyone. Ending a finished call is a no-op.
func (s *Service) End(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.mutateByID(ctx, "end", callID, func(call *domain.Call, now time.Time) (*outcome, error) {
		if call.Participant(userID) == nil {
			return nil, apperrors.PermissionDeniedError("not a participant of this call")
		}
		if call.Status.IsTerminal() {
			return nil, nil
		}
		finish(call, now, domain.CallStatusEnded, &userID, "hangup")
		return &outcome{
			notices:   []notice{{to: others(call, &userID), kind: domain.EventCallEnded, actor: &userID, reason: "hangup"}},
			closeRoom: true,
		}, nil
	})
}

// Cancel withdraws an unanswered call. Only the caller may cancel.
func (s *Service) Cancel(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.mutateByID(ctx, "cancel", callID, func(call *domain.Call, now time.Time) (*outcome, error) {
		p := call.Participant(userID)
		if p == nil || !p.IsCaller {
			return nil, apperrors.PermissionDeniedError("only the caller can cancel a call")
		}
		if call.Status == domain.CallStatusCancelled {
			return nil, nil
		}
		if !call.Status.IsPending() {
			return nil, apperrors.InvalidStateError(fmt.Sprintf("call is %s", call.Status))
		}
		finish(call, now, domain.CallStatusCancelled, &userID, "cancelled")
		return &outcome{
			notices:   []notice{{to: others(call, &userID), kind: domain.EventCallCancelled, actor: &userID}},
			closeRoom: true,
		}, nil
	})
}

// UpdateSettings applies the fields set in patch. Each changed field gets its
// own log entry; an update that changes nothing is a no-op.
func (s *Service) UpdateSettings(ctx context.Context, callID, userID uuid.UUID, patch domain.SettingsPatch) (*domain.Call, error) {
	return s.mutateByID(ctx, "update_settings", callID, func(call *domain.Call, now time.Time) (*outcome, error) {
		if call.Participant(userID) == nil {
			return nil, apperrors.PermissionDeniedError("not a participant of this call")
		}
		if call.Status.IsTerminal() {
			return nil, apperrors.InvalidStateError(fmt.Sprintf("call is %s", call.Status))
		}

		changed := false
		toggle := func(name string, field *bool, value *bool) {
			if value == nil || *field == *value {
				return
			}
			*field = *value
			call.AppendLog(now, domain.LogSettingChanged, &userID, fmt.Sprintf("%s=%t", name, *value))
			changed = true
		}
		toggle("mute_audio", &call.Settings.MuteAudio, patch.MuteAudio)
		toggle("mute_video", &call.Settings.MuteVideo, patch.MuteVideo)
		toggle("screen_share", &call.Settings.ScreenShare, patch.ScreenShare)

		if patch.Recording != nil && *patch.Recording != call.Settings.Recording {
			at := now
			call.Settings.Recording = *patch.Recording
			if *patch.Recording {
				by := userID
				call.Recording = domain.CallRecording{StartedAt: &at, StartedBy: &by}
				call.AppendLog(now, domain.LogRecordingStarted, &userID, "")
			} else {
				call.Recording.EndedAt = &at
				call.AppendLog(now, domain.LogRecordingStopped, &userID, "")
			}
			changed = true
		}

		if !changed {
			return nil, nil
		}
		return &outcome{
			notices: []notice{{to: others(call, &userID), kind: domain.EventSettingsUpdated, actor: &userID}},
		}, nil
	})
}

// EndActiveCall ends a conversation's live call on behalf of the system, e.g.
// after its media worker died. Returns nil when nothing was live.
func (s *Service) EndActiveCall(ctx context.Context, conversationID uuid.UUID, reason string) (*domain.Call, error) {
	load := func(ctx context.Context) (*domain.Call, error) {
		return s.registry.LiveInConversation(ctx, conversationID)
	}
	return s.mutate(ctx, "end_active", conversationID, load, func(call *domain.Call, now time.Time) (*outcome, error) {
		if call.Status.IsTerminal() {
			return nil, nil
		}
		finish(call, now, domain.CallStatusEnded, nil, reason)
		return &outcome{
			notices:   []notice{{to: others(call, nil), kind: domain.EventCallEnded, reason: reason}},
			closeRoom: true,
		}, nil
	})
}

// ExpireCall is the idempotent End hook for reconciliation sweeps. It only acts
// when the call is still at seenVersion, so a call that changed since the sweep
// looked at it is left for the next pass.
func (s *Service) ExpireCall(ctx context.Context, callID uuid.UUID, seenVersion int64, reason string) (*domain.Call, error) {
	return s.mutateByID(ctx, "expire", callID, func(call *domain.Call, now time.Time) (*outcome, error) {
		if call.Status.IsTerminal() || call.Version != seenVersion {
			return nil, nil
		}
		finish(call, now, domain.CallStatusEnded, nil, reason)
		return &outcome{
			notices:   []notice{{to: others(call, nil), kind: domain.EventCallEnded, reason: reason}},
			closeRoom: true,
		}, nil
	})
}

// MarkMissed closes an unanswered call whose ring timeout elapsed
func (s *Service) MarkMissed(ctx context.Context, callID uuid.UUID, seenVersion int64) (*domain.Call, error) {
	call, err := s.mutateByID(ctx, "miss", callID, func(call *domain.Call, now time.Time) (*outcome, error) {
		if !call.Status.IsPending() || call.Version != seenVersion {
			return nil, nil
		}
		finish(call, now, domain.CallStatusMissed, nil, "no_answer")
		return &outcome{
			notices:   []notice{{to: others(call, nil), kind: domain.EventCallMissed, reason: "no_answer"}},
			closeRoom: true,
		}, nil
	})
	if err == nil && call != nil && call.Status == domain.CallStatusMissed {
		s.pushMissed(call)
	}
	return call, err
}

// GetCall returns a call the user takes part in
func (s *Service) GetCall(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.registry.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Participant(userID) == nil {
		return nil, apperrors.PermissionDeniedError("not a participant of this call")
	}
	return call, nil
}

// AuthorizeMedia admits a user to the conversation's media room. Only
// connected participants of the live call may open transports or produce.
func (s *Service) AuthorizeMedia(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.registry.LiveInConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if call == nil {
		return nil, apperrors.NotFoundError("Call")
	}
	p := call.Participant(userID)
	if p == nil || p.Status != domain.ParticipantConnected {
		return nil, apperrors.PermissionDeniedError("join the call before using its media room")
	}
	return call, nil
}

// GetActiveCallsForUser lists live calls where the user is invited or connected
func (s *Service) GetActiveCallsForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Call, error) {
	calls, err := s.registry.ForParticipant(ctx, userID, true, constants.MaxPageSize, 0)
	if err != nil {
		return nil, err
	}

	active := make([]*domain.Call, 0, len(calls))
	for _, c := range calls {
		p := c.Participant(userID)
		if p != nil && (p.Status == domain.ParticipantInvited || p.Status == domain.ParticipantConnected) {
			active = append(active, c)
		}
	}
	return active, nil
}

// GetCallHistory pages through a user's calls, newest first
func (s *Service) GetCallHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.registry.ForParticipant(ctx, userID, false, limit, offset)
}

// View renders a call for clients
func (s *Service) View(ctx context.Context, call *domain.Call) *CallView {
	return s.renderer.Render(ctx, call)
}

// Views renders several calls with one directory lookup
func (s *Service) Views(ctx context.Context, calls []*domain.Call) []*CallView {
	return s.renderer.RenderAll(ctx, calls)
}

func (s *Service) mutateByID(ctx context.Context, op string, callID uuid.UUID, fn mutation) (*domain.Call, error) {
	call, err := s.registry.Get(ctx, callID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	load := func(ctx context.Context) (*domain.Call, error) {
		return s.registry.Get(ctx, callID)
	}
	return s.mutate(ctx, op, call.ConversationID, load, fn)
}

// mutate reloads the call under the conversation lock, applies fn, stores the
// result and only then runs side effects. Conflicts from other instances are retried.
func (s *Service) mutate(ctx context.Context, op string, conversationID uuid.UUID, load func(context.Context) (*domain.Call, error), fn mutation) (*domain.Call, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		call, err := load(ctx)
		if err != nil {
			return nil, s.fail(op, err)
		}
		if call == nil {
			return nil, nil
		}

		from := call.Status
		now := s.now().UTC()
		out, err := fn(call, now)
		if err != nil {
			return nil, s.fail(op, err)
		}
		if out == nil {
			return call, nil
		}

		call.UpdatedAt = now
		if err := s.registry.Save(ctx, call, from); err != nil {
			if apperrors.Is(err, apperrors.ErrCodeConflict) && attempt < maxSaveAttempts {
				continue
			}
			return nil, s.fail(op, err)
		}

		logger.Debug("Call transition applied",
			logger.CallID(call.CallID),
			zap.String("op", op),
			zap.String("from", string(from)),
			zap.String("to", string(call.Status)))

		s.apply(ctx, call, from, out)
		return call, nil
	}
}

// apply runs the side effects of a stored transition
func (s *Service) apply(ctx context.Context, call *domain.Call, from domain.CallStatus, out *outcome) {
	roomID := domain.RoomIDFor(call.ConversationID)

	if s.rooms != nil && out.removePeer != nil && !out.closeRoom {
		if err := s.rooms.RemovePeer(ctx, roomID, *out.removePeer); err != nil && !apperrors.Is(err, apperrors.ErrCodeNotFound) {
			logger.Warn("Failed to remove media peer", logger.CallID(call.CallID), zap.Error(err))
		}
	}
	if s.rooms != nil && out.closeRoom {
		if err := s.rooms.CloseRoom(ctx, roomID); err != nil && !apperrors.Is(err, apperrors.ErrCodeNotFound) {
			logger.Warn("Failed to close media room", logger.CallID(call.CallID), zap.Error(err))
		}
	}

	if len(out.notices) > 0 && s.notifier != nil {
		view := s.renderer.Render(ctx, call)
		for _, n := range out.notices {
			if len(n.to) == 0 {
				continue
			}
			s.notifier.NotifyUsers(ctx, n.to, domain.NewEvent(n.kind, &CallEventPayload{
				Call:    view,
				ActorID: n.actor,
				Reason:  n.reason,
			}))
		}
	}

	if from.IsLive() && call.Status.IsTerminal() {
		s.metrics.RecordCall(string(call.CallType), string(call.Status))
		s.metrics.DecActiveCalls()
		if call.Status == domain.CallStatusEnded {
			s.metrics.RecordCallDuration(string(call.CallType), call.Duration(s.now()))
		}
		logger.Info("Call finished",
			logger.CallID(call.CallID),
			zap.String("status", string(call.Status)),
			zap.String("reason", call.EndReason))
	}
}

func (s *Service) fail(op string, err error) error {
	s.metrics.RecordCallFailure(op, string(apperrors.CodeOf(err)))
	return err
}

// ringOffline pushes an incoming-call notification to invitees without a live connection
func (s *Service) ringOffline(call *domain.Call) {
	if s.pusher == nil {
		return
	}
	snapshot := call.Clone()
	invitees := others(snapshot, &snapshot.CallerID)
	data := s.pushData(snapshot)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.NotificationTimeout)
		defer cancel()

		offline := s.offline(ctx, invitees)
		if len(offline) == 0 {
			return
		}
		data.CallerName = s.callerName(ctx, snapshot)
		if err := s.pusher.SendIncomingCall(ctx, data, offline); err != nil {
			logger.Warn("Failed to push incoming call", logger.CallID(snapshot.CallID), zap.Error(err))
		}
	}()
}

func (s *Service) pushMissed(call *domain.Call) {
	if s.pusher == nil {
		return
	}
	var invitees []uuid.UUID
	for _, p := range call.Participants {
		if p.Status == domain.ParticipantInvited {
			invitees = append(invitees, p.UserID)
		}
	}
	if len(invitees) == 0 {
		return
	}
	snapshot := call.Clone()
	data := s.pushData(snapshot)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.NotificationTimeout)
		defer cancel()

		data.CallerName = s.callerName(ctx, snapshot)
		if err := s.pusher.SendMissedCall(ctx, data, invitees); err != nil {
			logger.Warn("Failed to push missed call", logger.CallID(snapshot.CallID), zap.Error(err))
		}
	}()
}

func (s *Service) pushData(call *domain.Call) *push.CallNotificationData {
	return &push.CallNotificationData{
		CallID:         call.CallID,
		ConversationID: call.ConversationID,
		CallerID:       call.CallerID,
		CallType:       string(call.CallType),
		Timestamp:      call.StartedAt.Unix(),
	}
}

func (s *Service) offline(ctx context.Context, userIDs []uuid.UUID) []uuid.UUID {
	if s.presence == nil {
		return userIDs
	}
	var out []uuid.UUID
	for _, id := range userIDs {
		online, err := s.presence.IsUserOnline(ctx, id)
		if err != nil || !online {
			out = append(out, id)
		}
	}
	return out
}

func (s *Service) callerName(ctx context.Context, call *domain.Call) string {
	view := s.renderer.Render(ctx, call)
	for _, p := range view.Participants {
		if p.IsCaller && p.DisplayName != "" {
			return p.DisplayName
		}
	}
	return "Someone"
}

// finish moves a call to a terminal status. Connected participants are marked
// left and an active recording is stopped.
func finish(call *domain.Call, now time.Time, status domain.CallStatus, actor *uuid.UUID, reason string) {
	ended := now
	call.Status = status
	call.EndedAt = &ended
	call.EndReason = reason

	for i := range call.Participants {
		if call.Participants[i].Status == domain.ParticipantConnected {
			left := now
			call.Participants[i].Status = domain.ParticipantLeft
			call.Participants[i].LeftAt = &left
		}
	}

	if call.Settings.Recording {
		stopped := now
		call.Settings.Recording = false
		call.Recording.EndedAt = &stopped
		call.AppendLog(now, domain.LogRecordingStopped, actor, "")
	}

	kind := domain.LogEnded
	switch status {
	case domain.CallStatusDeclined:
		kind = domain.LogDeclined
	case domain.CallStatusMissed:
		kind = domain.LogMissed
	case domain.CallStatusCancelled:
		kind = domain.LogCancelled
	}
	detail := reason
	if status == domain.CallStatusEnded {
		detail = fmt.Sprintf("%s duration=%ds", reason, int64(call.Duration(now).Seconds()))
	}
	call.AppendLog(now, kind, actor, detail)
}

// everyInviteeGone reports whether no participant other than the caller is still invited or connected
func everyInviteeGone(call *domain.Call) bool {
	for _, p := range call.Participants {
		if p.IsCaller {
			continue
		}
		if p.Status != domain.ParticipantDeclined && p.Status != domain.ParticipantLeft {
			return false
		}
	}
	return true
}

// others returns every participant except actor
func others(call *domain.Call, actor *uuid.UUID) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(call.Participants))
	for _, p := range call.Participants {
		if actor != nil && p.UserID == *actor {
			continue
		}
		ids = append(ids, p.UserID)
	}
	return ids
}
