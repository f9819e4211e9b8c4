package telegramsource

import (
	"context"
	"sync"
	"sync/atomic"
)

// gate tracks whether this client's MTProto connection is currently up,
// scoped to one Client instance (the teacher's equivalent is a process-wide
// singleton; a scheduler process only ever runs one Telegram client, but
// making it instance-scoped keeps telegramsource free of package-level
// mutable state and testable in isolation).
//
// waitOnline blocks callers during a reconnect instead of letting every
// in-flight FetchMessages fail and burn a retry attempt on the same blip.
type gate struct {
	connected atomic.Bool

	mu     sync.RWMutex
	waitCh chan struct{}
}

func newGate() *gate {
	g := &gate{}
	ready := make(chan struct{})
	close(ready)
	g.waitCh = ready
	g.connected.Store(true)
	return g
}

func (g *gate) markConnected() {
	if g.connected.Swap(true) {
		return
	}
	g.mu.Lock()
	close(g.waitCh)
	g.mu.Unlock()
}

// markDisconnected is wired as the client's OnDead hook.
func (g *gate) markDisconnected() {
	if !g.connected.Swap(false) {
		return
	}
	g.mu.Lock()
	g.waitCh = make(chan struct{})
	g.mu.Unlock()
}

func (g *gate) snapshot() chan struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.waitCh
}

// waitOnline blocks until the connection is restored or ctx is done.
func (g *gate) waitOnline(ctx context.Context) error {
	if g.connected.Load() {
		return nil
	}
	for {
		ch := g.snapshot()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			if g.connected.Load() {
				return nil
			}
		}
	}
}
