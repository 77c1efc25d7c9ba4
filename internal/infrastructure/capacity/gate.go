package capacity

import (
	"context"
	"sync"

	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
)

var _ ports.GenerationGate = (*Gate)(nil)

const priorityLevels = int(ports.PriorityBackground) + 1

type waiter struct {
	ready chan struct{}
}

// Gate is a counting semaphore over the shared inference backend. Waiters are served strictly
// by priority, FIFO within a priority, so background work never overtakes an interactive caller.
type Gate struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	queues   [priorityLevels][]*waiter
}

type Stats struct {
	Capacity int
	InUse    int
	Queued   int
}

func NewGate(capacity int) *Gate {
	if capacity <= 0 {
		capacity = 1
	}
	return &Gate{capacity: capacity}
}

func (g *Gate) Acquire(ctx context.Context, priority ports.Priority) (func(), error) {
	level := clampPriority(priority)

	g.mu.Lock()
	if g.inUse < g.capacity && !g.queuedAtOrAbove(level) {
		g.inUse++
		g.mu.Unlock()
		return g.releaser(), nil
	}
	w := &waiter{ready: make(chan struct{})}
	g.queues[level] = append(g.queues[level], w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return g.releaser(), nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-w.ready:
			// Granted while giving up; hand the slot on.
			g.mu.Unlock()
			g.release()
		default:
			g.remove(level, w)
			g.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	queued := 0
	for _, q := range g.queues {
		queued += len(q)
	}
	return Stats{Capacity: g.capacity, InUse: g.inUse, Queued: queued}
}

func (g *Gate) releaser() func() {
	var once sync.Once
	return func() { once.Do(g.release) }
}

func (g *Gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inUse--
	for level := range g.queues {
		if len(g.queues[level]) == 0 {
			continue
		}
		next := g.queues[level][0]
		g.queues[level] = g.queues[level][1:]
		g.inUse++
		close(next.ready)
		return
	}
}

func (g *Gate) queuedAtOrAbove(level int) bool {
	for l := 0; l <= level; l++ {
		if len(g.queues[l]) > 0 {
			return true
		}
	}
	return false
}

func (g *Gate) remove(level int, w *waiter) {
	q := g.queues[level]
	for i, candidate := range q {
		if candidate == w {
			g.queues[level] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func clampPriority(p ports.Priority) int {
	switch {
	case p < 0:
		return 0
	case int(p) >= priorityLevels:
		return priorityLevels - 1
	default:
		return int(p)
	}
}
