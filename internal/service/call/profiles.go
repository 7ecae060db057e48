package call

import (
	"context"
	"time"

	"github.com/google/uuid"

	"huddle-backend/internal/domain"
	"huddle-backend/pkg/cache"
)

// CachedDirectory keeps recently resolved profiles in memory. Every call
// event renders the same handful of participants, so most lookups hit.
type CachedDirectory struct {
	next     UserDirectory
	profiles *cache.MemoryCache[uuid.UUID, *domain.UserProfile]
}

// NewCachedDirectory wraps next with a profile cache of at most size entries
func NewCachedDirectory(next UserDirectory, ttl time.Duration, size int) *CachedDirectory {
	return &CachedDirectory{
		next:     next,
		profiles: cache.NewMemoryCache[uuid.UUID, *domain.UserProfile](ttl, size),
	}
}

// StartCleanup evicts expired profiles every interval until stopped
func (d *CachedDirectory) StartCleanup(interval time.Duration) func() {
	return d.profiles.StartCleanup(interval)
}

// GetProfiles implements UserDirectory
func (d *CachedDirectory) GetProfiles(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*domain.UserProfile, error) {
	found := make(map[uuid.UUID]*domain.UserProfile, len(userIDs))
	var missing []uuid.UUID
	for _, id := range userIDs {
		if p, ok := d.profiles.Get(id); ok {
			found[id] = p
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return found, nil
	}

	fetched, err := d.next.GetProfiles(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, p := range fetched {
		d.profiles.Set(id, p, 0)
		found[id] = p
	}
	return found, nil
}
