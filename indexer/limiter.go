package indexer

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter caps concurrent calls to the inference services. Background
// indexing shares the ceiling with interactive queries but can never hold
// the slots reserved for queries, so a search never waits behind a full scan.
type Limiter struct {
	total      *semaphore.Weighted
	background *semaphore.Weighted
}

// NewLimiter allows maxInflight calls in total, of which reserved are kept
// for queries. At least one slot is always left to background work.
func NewLimiter(maxInflight, reserved int) *Limiter {
	if maxInflight < 1 {
		maxInflight = 1
	}
	bg := maxInflight - reserved
	if bg < 1 {
		bg = 1
	}
	if bg > maxInflight {
		bg = maxInflight
	}
	return &Limiter{
		total:      semaphore.NewWeighted(int64(maxInflight)),
		background: semaphore.NewWeighted(int64(bg)),
	}
}

// AcquireQuery takes one slot for an interactive call.
func (l *Limiter) AcquireQuery(ctx context.Context) (func(), error) {
	if err := l.total.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { l.total.Release(1) }, nil
}

// AcquireBackground takes one slot for indexing work.
func (l *Limiter) AcquireBackground(ctx context.Context) (func(), error) {
	if err := l.background.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := l.total.Acquire(ctx, 1); err != nil {
		l.background.Release(1)
		return nil, err
	}
	return func() {
		l.total.Release(1)
		l.background.Release(1)
	}, nil
}
