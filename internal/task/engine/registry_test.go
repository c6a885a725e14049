package engine

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	logx "tubeq/pkg/logx"
)

// fakeHandle records stop calls. If honour is set, GracefulStop terminates it.
type fakeHandle struct {
	honour bool

	graceful   atomic.Int32
	force      atomic.Int32
	checks     atomic.Int32
	terminated atomic.Bool

	once    sync.Once
	stopped chan struct{}
}

func newFakeHandle(honour bool) *fakeHandle {
	return &fakeHandle{honour: honour, stopped: make(chan struct{})}
}

func (h *fakeHandle) GracefulStop() error {
	h.graceful.Add(1)
	if h.honour {
		h.terminate()
	}
	return nil
}

func (h *fakeHandle) ForceStop() error {
	h.force.Add(1)
	h.terminate()
	return nil
}

func (h *fakeHandle) Terminated() bool {
	h.checks.Add(1)
	return h.terminated.Load()
}

func (h *fakeHandle) terminate() {
	h.once.Do(func() {
		h.terminated.Store(true)
		close(h.stopped)
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegistryEscalatesToForceStop(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	r := NewRegistry(clock, logx.Nop())
	h := newFakeHandle(false)

	r.reserve("a")
	if err := r.Register("a", h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.Terminate("a", 5*time.Second) {
		t.Fatal("Terminate returned false for a registered id")
	}
	if h.graceful.Load() != 1 || h.force.Load() != 0 {
		t.Fatalf("after Terminate: graceful=%d force=%d", h.graceful.Load(), h.force.Load())
	}

	clock.Advance(4 * time.Second)
	if h.force.Load() != 0 {
		t.Fatal("ForceStop fired before the grace period")
	}
	clock.Advance(time.Second)
	eventually(t, "ForceStop", func() bool { return h.force.Load() == 1 })
}

func TestRegistrySkipsForceWhenTerminated(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	r := NewRegistry(clock, logx.Nop())
	h := newFakeHandle(true)

	r.reserve("a")
	_ = r.Register("a", h)
	r.Terminate("a", time.Second)
	r.Unregister("a")

	clock.Advance(time.Second)
	eventually(t, "termination check", func() bool { return h.checks.Load() >= 1 })
	if h.force.Load() != 0 {
		t.Fatal("ForceStop called on a terminated handle")
	}
}

func TestRegistryTerminateBeforeRegister(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	r := NewRegistry(clock, logx.Nop())

	r.reserve("a")
	if !r.Terminate("a", time.Second) {
		t.Fatal("Terminate on a reserved id should succeed")
	}
	if !r.Terminate("a", time.Second) {
		t.Fatal("second Terminate should still report true")
	}
	h := newFakeHandle(false)
	if err := r.Register("a", h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if h.graceful.Load() != 1 {
		t.Fatalf("graceful = %d, want stop sequence to start on register", h.graceful.Load())
	}
	clock.Advance(time.Second)
	eventually(t, "ForceStop", func() bool { return h.force.Load() == 1 })
}

func TestRegistryRegisterErrors(t *testing.T) {
	t.Parallel()
	r := NewRegistry(clockwork.NewFakeClock(), logx.Nop())

	if err := r.Register("ghost", newFakeHandle(false)); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Register without reservation = %v, want ErrNotActive", err)
	}
	r.reserve("a")
	if err := r.Register("a", nil); err == nil {
		t.Fatal("nil handle should be rejected")
	}
	if n := r.Handles(); n != 0 {
		t.Fatalf("Handles before Register = %d, want 0", n)
	}
	if err := r.Register("a", newFakeHandle(false)); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register("a", newFakeHandle(false)); !errors.Is(err, ErrHandleRegistered) {
		t.Fatalf("second Register = %v, want ErrHandleRegistered", err)
	}
	if r.Terminate("ghost", time.Second) {
		t.Fatal("Terminate of unknown id should be false")
	}
	if r.Len() != 1 || r.Handles() != 1 {
		t.Fatalf("Len = %d, Handles = %d, want 1 and 1", r.Len(), r.Handles())
	}
	r.Unregister("a")
	if r.Len() != 0 || r.Handles() != 0 {
		t.Fatalf("after Unregister Len = %d, Handles = %d, want 0 and 0", r.Len(), r.Handles())
	}
}
