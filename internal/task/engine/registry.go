package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	logx "tubeq/pkg/logx"
)

// Handle terminates the operation behind an active job.
//
// GracefulStop and ForceStop must not block: they are invoked while the
// scheduler holds its lock.
type Handle interface {
	GracefulStop() error
	ForceStop() error
	Terminated() bool
}

type regEntry struct {
	h           Handle
	terminating bool
	grace       time.Duration
}

// Registry maps active job ids to their handles.
type Registry struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	log     logx.Logger
	entries map[string]*regEntry
}

func NewRegistry(clock clockwork.Clock, log logx.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{clock: clock, log: log, entries: make(map[string]*regEntry)}
}

// reserve opens an empty slot for id at promotion time.
func (r *Registry) reserve(id string) {
	r.mu.Lock()
	r.entries[id] = &regEntry{}
	r.mu.Unlock()
}

// Register attaches h to the reserved slot for id. If the job is already
// being terminated, the stop sequence starts immediately.
func (r *Registry) Register(id string, h Handle) error {
	if h == nil {
		return errors.New("nil handle")
	}
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotActive
	}
	if e.h != nil {
		r.mu.Unlock()
		return ErrHandleRegistered
	}
	e.h = h
	terminating, grace := e.terminating, e.grace
	r.mu.Unlock()

	if terminating {
		r.stop(id, h, grace)
	}
	return nil
}

// Terminate asks the handle for id to stop, escalating to ForceStop after
// grace unless it reports termination. It returns false if id is unknown.
func (r *Registry) Terminate(id string, grace time.Duration) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if e.terminating {
		r.mu.Unlock()
		return true
	}
	e.terminating = true
	e.grace = grace
	h := e.h
	r.mu.Unlock()

	if h != nil {
		r.stop(id, h, grace)
	}
	return true
}

func (r *Registry) stop(id string, h Handle, grace time.Duration) {
	if err := h.GracefulStop(); err != nil {
		r.log.Debug("graceful stop failed", logx.String("id", id), logx.Err(err))
	}
	r.clock.AfterFunc(grace, func() {
		if h.Terminated() {
			return
		}
		r.log.Warn("job did not stop within grace period; forcing", logx.String("id", id), logx.Duration("grace", grace))
		if err := h.ForceStop(); err != nil {
			r.log.Warn("force stop failed", logx.String("id", id), logx.Err(err))
		}
	})
}

// Unregister drops id. Escalation timers already armed still fire.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Handles counts active jobs that have registered a handle.
func (r *Registry) Handles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.h != nil {
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
