package call

import (
	"context"
	"time"

	"go.uber.org/zap"

	"huddle-backend/internal/domain"
	"huddle-backend/pkg/logger"
)

// Sweeper reconciles calls that no client will ever close: unanswered calls
// past the ring timeout become missed and calls nobody is attending anymore
// are ended.
type Sweeper struct {
	svc         *Service
	ringTimeout time.Duration
	emptyGrace  time.Duration
	interval    time.Duration
}

// NewSweeper creates a sweeper over svc
func NewSweeper(svc *Service, ringTimeout, emptyGrace, interval time.Duration) *Sweeper {
	return &Sweeper{
		svc:         svc,
		ringTimeout: ringTimeout,
		emptyGrace:  emptyGrace,
		interval:    interval,
	}
}

// Run sweeps on every tick until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info("Call sweeper started",
		zap.Duration("ring_timeout", s.ringTimeout),
		zap.Duration("empty_grace", s.emptyGrace))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Call sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass and returns how many calls it closed
func (s *Sweeper) Sweep(ctx context.Context) int {
	calls, err := s.svc.registry.Live(ctx)
	if err != nil {
		logger.Warn("Call sweep failed to list live calls", zap.Error(err))
		return 0
	}

	now := s.svc.now().UTC()
	closed := 0
	for _, call := range calls {
		var (
			result *domain.Call
			err    error
		)
		switch {
		case call.Status.IsPending() && now.Sub(call.StartedAt) >= s.ringTimeout:
			result, err = s.svc.MarkMissed(ctx, call.CallID, call.Version)
		case s.abandoned(ctx, call, now):
			result, err = s.svc.ExpireCall(ctx, call.CallID, call.Version, "expired")
		default:
			continue
		}

		if err != nil {
			logger.Warn("Call sweep failed to close call", logger.CallID(call.CallID), zap.Error(err))
			continue
		}
		if result != nil && result.Status.IsTerminal() {
			closed++
		}
	}

	if closed > 0 {
		logger.Info("Call sweep closed stale calls", zap.Int("count", closed))
	}
	return closed
}

// abandoned reports whether an answered call has had no attending participant
// for longer than the grace period
func (s *Sweeper) abandoned(ctx context.Context, call *domain.Call, now time.Time) bool {
	if now.Sub(lastActivity(call)) < s.emptyGrace {
		return false
	}
	if call.CountStatus(domain.ParticipantConnected) == 0 {
		return true
	}
	if s.svc.presence == nil {
		return false
	}
	for _, p := range call.Participants {
		if p.Status != domain.ParticipantConnected {
			continue
		}
		online, err := s.svc.presence.IsUserOnline(ctx, p.UserID)
		if err != nil || online {
			return false
		}
	}
	return true
}

func lastActivity(call *domain.Call) time.Time {
	last := call.StartedAt
	for _, entry := range call.Log {
		if entry.At.After(last) {
			last = entry.At
		}
	}
	return last
}
