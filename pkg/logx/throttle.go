package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate-limits log lines per key.
//
// Download progress arrives several times per second per job; Throttle lets
// callers keep one line per interval per job without tracking timestamps.
type Throttle struct {
	mu    sync.Mutex
	every time.Duration
	lims  map[string]*rate.Limiter
}

func NewThrottle(every time.Duration) *Throttle {
	if every <= 0 {
		every = time.Second
	}
	return &Throttle{every: every, lims: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be written now.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	lim := t.lims[key]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(t.every), 1)
		t.lims[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}

// Forget drops the limiter for key (call when the key is done).
func (t *Throttle) Forget(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.lims, key)
	t.mu.Unlock()
}
