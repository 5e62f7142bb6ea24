package locker

import "context"

// NoopGuard runs operations without any locking. A fallback for
// single-admin deployments that opt out of coordination.
type NoopGuard struct{}

// NewNoopGuard builds the no-op Guard.
func NewNoopGuard() *NoopGuard { return &NoopGuard{} }

var _ Guard = (*NoopGuard)(nil)

func (g *NoopGuard) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (g *NoopGuard) Close() error { return nil }
