package push

import (
	"context"

	"huddle-backend/pkg/resilience"
)

// GuardedProvider stops calling a provider that keeps failing. Ringing is
// time-critical, so a request that hits an open breaker is dropped rather
// than queued.
type GuardedProvider struct {
	Provider
	breaker *resilience.CircuitBreaker
}

// Guard wraps provider with breaker
func Guard(provider Provider, breaker *resilience.CircuitBreaker) *GuardedProvider {
	return &GuardedProvider{Provider: provider, breaker: breaker}
}

// Send implements Provider
func (g *GuardedProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	var result *SendResult
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = g.Provider.Send(ctx, notification, tokens)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
