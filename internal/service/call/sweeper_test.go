package call

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"huddle-backend/internal/domain"
)

func TestSweep_UnansweredCallBecomesMissed(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	b := f.members[1]

	sent := make(chan []uuid.UUID, 1)
	pusher := new(MockCallPusher)
	pusher.On("SendIncomingCall", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	pusher.On("SendMissedCall", mock.Anything, mock.AnythingOfType("*push.CallNotificationData"), mock.Anything).
		Run(func(args mock.Arguments) {
			sent <- args.Get(2).([]uuid.UUID)
		}).
		Return(nil)
	f.svc.pusher = pusher

	call := f.initiate(t)
	sweeper := NewSweeper(f.svc, 45*time.Second, 2*time.Minute, time.Second)

	f.clock.advance(30 * time.Second)
	assert.Equal(t, 0, sweeper.Sweep(ctx))

	f.clock.advance(20 * time.Second)
	assert.Equal(t, 1, sweeper.Sweep(ctx))

	missed, err := f.calls.GetByID(ctx, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, missed.Status)
	assert.Equal(t, "no_answer", missed.EndReason)
	assert.Equal(t, domain.ParticipantInvited, missed.Participant(b).Status)
	require.Len(t, f.notifier.ofType(domain.EventCallMissed), 1)

	select {
	case to := <-sent:
		assert.Equal(t, []uuid.UUID{b}, to)
	case <-time.After(time.Second):
		t.Fatal("missed call push was not sent")
	}

	assert.Equal(t, 0, sweeper.Sweep(ctx))
}

func TestSweep_AbandonedCallIsEnded(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	a, b, d := f.members[0], f.members[1], f.members[2]

	call := f.initiate(t)
	_, err := f.svc.Join(ctx, call.CallID, b)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, call.CallID, d)
	require.NoError(t, err)

	presence := &stubPresence{online: map[uuid.UUID]bool{a: true, b: true, d: true}}
	f.svc.presence = presence
	sweeper := NewSweeper(f.svc, 45*time.Second, 2*time.Minute, time.Second)

	f.clock.advance(5 * time.Minute)
	assert.Equal(t, 0, sweeper.Sweep(ctx))

	presence.mu.Lock()
	presence.online = map[uuid.UUID]bool{}
	presence.mu.Unlock()

	assert.Equal(t, 1, sweeper.Sweep(ctx))

	ended, err := f.calls.GetByID(ctx, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	assert.Equal(t, "expired", ended.EndReason)
	assert.Equal(t, 0, ended.CountStatus(domain.ParticipantConnected))
}

func TestExpireCall_SkipsChangedCall(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	call := f.initiate(t)
	seen := call.Version

	_, err := f.svc.MarkRinging(ctx, call.CallID, f.members[1])
	require.NoError(t, err)

	result, err := f.svc.ExpireCall(ctx, call.CallID, seen, "expired")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, result.Status)

	result, err = f.svc.MarkMissed(ctx, call.CallID, seen)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, result.Status)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 2)
	sweeper := NewSweeper(f.svc, time.Minute, time.Minute, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
