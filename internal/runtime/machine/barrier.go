package machine

import (
	"context"
	"sync"
)

// tickBarrier holds every CPU at the edge of a tick until all of them have
// arrived, so simulated CPUs advance through time in lockstep.
type tickBarrier struct {
	mu      sync.Mutex
	parties int
	arrived int
	gen     chan struct{}
}

func newTickBarrier(parties int) *tickBarrier {
	return &tickBarrier{parties: parties, gen: make(chan struct{})}
}

// Await blocks until all parties have arrived or ctx is done. It reports
// false in the latter case.
func (b *tickBarrier) Await(ctx context.Context) bool {
	b.mu.Lock()
	b.arrived++
	if b.arrived >= b.parties {
		b.arrived = 0
		close(b.gen)
		b.gen = make(chan struct{})
		b.mu.Unlock()
		return ctx.Err() == nil
	}
	gen := b.gen
	b.mu.Unlock()

	select {
	case <-gen:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}
