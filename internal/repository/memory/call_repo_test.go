package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle-backend/internal/domain"
	apperrors "huddle-backend/pkg/errors"
)

func newCall(conversationID, userID uuid.UUID, startedAt time.Time) *domain.Call {
	return &domain.Call{
		CallID:         uuid.New(),
		ConversationID: conversationID,
		CallerID:       userID,
		CallType:       domain.CallTypeAudio,
		Status:         domain.CallStatusRinging,
		StartedAt:      startedAt,
		Participants: []domain.CallParticipant{
			{UserID: userID, Status: domain.ParticipantConnected, IsCaller: true},
		},
	}
}

func TestCallRepository_OneLiveCallPerConversation(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepository()
	conv, user := uuid.New(), uuid.New()

	first := newCall(conv, user, time.Now())
	require.NoError(t, repo.Create(ctx, first))
	assert.Equal(t, int64(1), first.Version)

	err := repo.Create(ctx, newCall(conv, user, time.Now()))
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeConflict))

	live, err := repo.FindLiveByConversation(ctx, conv)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, first.CallID, live.CallID)

	first.Status = domain.CallStatusEnded
	require.NoError(t, repo.Update(ctx, first))
	live, err = repo.FindLiveByConversation(ctx, conv)
	require.NoError(t, err)
	assert.Nil(t, live)

	assert.NoError(t, repo.Create(ctx, newCall(conv, user, time.Now())))
}

func TestCallRepository_OptimisticVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepository()
	call := newCall(uuid.New(), uuid.New(), time.Now())
	require.NoError(t, repo.Create(ctx, call))

	a, err := repo.GetByID(ctx, call.CallID)
	require.NoError(t, err)
	b, err := repo.GetByID(ctx, call.CallID)
	require.NoError(t, err)

	a.Settings.MuteAudio = true
	require.NoError(t, repo.Update(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	b.Settings.MuteVideo = true
	err = repo.Update(ctx, b)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeConflict))

	stored, err := repo.GetByID(ctx, call.CallID)
	require.NoError(t, err)
	assert.True(t, stored.Settings.MuteAudio)
	assert.False(t, stored.Settings.MuteVideo)
}

func TestCallRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepository()
	call := newCall(uuid.New(), uuid.New(), time.Now())
	require.NoError(t, repo.Create(ctx, call))

	got, err := repo.GetByID(ctx, call.CallID)
	require.NoError(t, err)
	got.Participants[0].Status = domain.ParticipantLeft

	again, err := repo.GetByID(ctx, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantConnected, again.Participants[0].Status)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
}

func TestCallRepository_FindByParticipant(t *testing.T) {
	ctx := context.Background()
	repo := NewCallRepository()
	user := uuid.New()
	base := time.Now()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		c := newCall(uuid.New(), user, base.Add(time.Duration(i)*time.Minute))
		if i == 0 {
			c.Status = domain.CallStatusEnded
		}
		require.NoError(t, repo.Create(ctx, c))
		ids = append(ids, c.CallID)
	}
	require.NoError(t, repo.Create(ctx, newCall(uuid.New(), uuid.New(), base)))

	all, err := repo.FindByParticipant(ctx, user, false, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].CallID, "newest first")

	page, err := repo.FindByParticipant(ctx, user, false, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].CallID)

	live, err := repo.FindByParticipant(ctx, user, true, 10, 0)
	require.NoError(t, err)
	assert.Len(t, live, 2)

	none, err := repo.FindByParticipant(ctx, user, false, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, none)

	listed, err := repo.ListLive(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 3)
}

func TestDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewDirectory()
	member := uuid.New()
	conv := &domain.Conversation{ConversationID: uuid.New(), Type: domain.ConversationGroup, MemberIDs: []uuid.UUID{member}}
	dir.PutConversation(conv)
	dir.PutUser(&domain.UserProfile{UserID: member, Username: "ada"})

	got, err := dir.GetByID(ctx, conv.ConversationID)
	require.NoError(t, err)
	assert.True(t, got.HasMember(member))
	got.MemberIDs[0] = uuid.New()

	again, err := dir.GetByID(ctx, conv.ConversationID)
	require.NoError(t, err)
	assert.True(t, again.HasMember(member))

	_, err = dir.GetByID(ctx, uuid.New())
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))

	profiles, err := dir.GetProfiles(ctx, []uuid.UUID{member, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, profiles, 1)
	assert.Equal(t, "ada", profiles[member].Username)
}
