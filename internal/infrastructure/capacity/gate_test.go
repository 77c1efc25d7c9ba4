package capacity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
)

func mustAcquire(t *testing.T, g *Gate, p ports.Priority) func() {
	t.Helper()
	release, err := g.Acquire(context.Background(), p)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	return release
}

func waitQueued(t *testing.T, g *Gate, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for g.Stats().Queued != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d queued waiters, got %+v", n, g.Stats())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGateBoundsConcurrency(t *testing.T) {
	g := NewGate(2)
	r1 := mustAcquire(t, g, ports.PriorityInteractive)
	r2 := mustAcquire(t, g, ports.PriorityBackground)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx, ports.PriorityInteractive); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if s := g.Stats(); s.InUse != 2 || s.Queued != 0 {
		t.Fatalf("unexpected stats after timeout %+v", s)
	}

	r1()
	r1()
	r3 := mustAcquire(t, g, ports.PriorityInteractive)
	r2()
	r3()
	if s := g.Stats(); s.InUse != 0 {
		t.Fatalf("expected all slots released, got %+v", s)
	}
}

func TestGateServesInteractiveBeforeBackground(t *testing.T) {
	g := NewGate(1)
	hold := mustAcquire(t, g, ports.PriorityInteractive)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	start := func(name string, p ports.Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(context.Background(), p)
			if err != nil {
				t.Errorf("Acquire(%s) error = %v", name, err)
				return
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			release()
		}()
	}

	start("background-1", ports.PriorityBackground)
	waitQueued(t, g, 1)
	start("background-2", ports.PriorityBackground)
	waitQueued(t, g, 2)
	start("interactive", ports.PriorityInteractive)
	waitQueued(t, g, 3)

	hold()
	wg.Wait()

	want := []string{"interactive", "background-1", "background-2"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("grant order = %v, want %v", order, want)
		}
	}
}

func TestGateNewArrivalDoesNotJumpQueue(t *testing.T) {
	g := NewGate(1)
	hold := mustAcquire(t, g, ports.PriorityInteractive)

	granted := make(chan struct{})
	go func() {
		release, err := g.Acquire(context.Background(), ports.PriorityInteractive)
		if err == nil {
			close(granted)
			release()
		}
	}()
	waitQueued(t, g, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx, ports.PriorityBackground); err == nil {
		t.Fatalf("background caller must queue behind waiting interactive caller")
	}

	hold()
	select {
	case <-granted:
	case <-time.After(time.Second):
		t.Fatalf("queued interactive caller was not granted")
	}
}

func TestGateCancelledWaiterLeavesQueue(t *testing.T) {
	g := NewGate(1)
	hold := mustAcquire(t, g, ports.PriorityInteractive)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx, ports.PriorityInteractive)
		done <- err
	}()
	waitQueued(t, g, 1)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if s := g.Stats(); s.Queued != 0 || s.InUse != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	hold()
	mustAcquire(t, g, ports.PriorityBackground)()
}
