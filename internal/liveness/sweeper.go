package liveness

import (
	"context"
	"time"
)

// Sweeper periodically evicts sessions whose last activity is older than
// Timeout. Evict receives the cutoff; anything last seen before it is stale.
type Sweeper struct {
	Interval time.Duration
	Timeout  time.Duration
	Evict    func(cutoff time.Time)
	Now      func() time.Time
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.Interval <= 0 || s.Evict == nil {
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

func (s *Sweeper) SweepOnce() {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	s.Evict(now().Add(-s.Timeout))
}
