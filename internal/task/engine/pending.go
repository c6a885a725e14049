package engine

import (
	"context"
	"sync"
)

// Pending is the caller's view of a submitted job. It resolves exactly once.
type Pending struct {
	id   string
	done chan struct{}
	once sync.Once

	result any
	err    error
}

func newPending(id string) *Pending {
	return &Pending{id: id, done: make(chan struct{})}
}

func (p *Pending) ID() string { return p.id }

// Done is closed once the job reaches a terminal state.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the job resolves or ctx ends.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking; ok is false while unresolved.
func (p *Pending) Result() (result any, err error, ok bool) {
	select {
	case <-p.done:
		return p.result, p.err, true
	default:
		return nil, nil, false
	}
}

func (p *Pending) resolve(result any, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}
