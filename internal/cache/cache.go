package cache

import (
	"context"
	"time"

	"segarstok/backend/internal/domain"
)

// ReturnCache holds fully-loaded return records. Items are immutable after
// commit, so entries only need invalidation when the notification latch or
// the reversed flag changes.
type ReturnCache interface {
	GetReturn(ctx context.Context, returnID string) (*domain.Return, bool, error)
	SetReturn(ctx context.Context, ret *domain.Return, ttl time.Duration) error
	InvalidateReturn(ctx context.Context, returnID string) error
}

type NoopReturnCache struct{}

func NewNoop() NoopReturnCache {
	return NoopReturnCache{}
}

func (NoopReturnCache) GetReturn(_ context.Context, _ string) (*domain.Return, bool, error) {
	return nil, false, nil
}

func (NoopReturnCache) SetReturn(_ context.Context, _ *domain.Return, _ time.Duration) error {
	return nil
}

func (NoopReturnCache) InvalidateReturn(_ context.Context, _ string) error {
	return nil
}
