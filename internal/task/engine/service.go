package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"tubeq/internal/eventbus"
	logx "tubeq/pkg/logx"
)

const progressLogEvery = 5 * time.Second

// Service is a bounded-concurrency priority scheduler for jobs with payload P.
//
// One mutex guards the queue, the active and retry-wait sets, history and
// counters. Bus events are published after the mutex is released.
type Service[P any] struct {
	mu    sync.Mutex
	cfg   Config
	limit int
	log   logx.Logger
	bus   eventbus.Bus
	clock clockwork.Clock
	reg   *Registry

	queue   *jobQueue[P]
	active  map[string]*activeJob[P]
	waiting map[string]*retryWait[P]

	history   []*Record
	historyBy map[string]*Record

	seq      int64
	finished uint64
	closed   bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	running    sync.WaitGroup

	progressLog *logx.Throttle
}

type activeJob[P any] struct {
	e            *entry[P]
	ctx          context.Context
	cancel       context.CancelFunc
	startedAt    time.Time
	lastProgress any
	cancelled    bool
	done         bool
}

type retryWait[P any] struct {
	e     *entry[P]
	timer clockwork.Timer
	due   time.Time
}

func New[P any](cfg Config, log logx.Logger, bus eventbus.Bus) *Service[P] {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New(eventbus.WithLogger(log))
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service[P]{
		cfg:         cfg,
		limit:       cfg.Limit(),
		log:         log,
		bus:         bus,
		clock:       cfg.Clock,
		reg:         NewRegistry(cfg.Clock, log),
		queue:       newJobQueue[P](),
		active:      make(map[string]*activeJob[P]),
		waiting:     make(map[string]*retryWait[P]),
		historyBy:   make(map[string]*Record),
		baseCtx:     ctx,
		baseCancel:  cancel,
		progressLog: logx.NewThrottle(progressLogEvery),
	}
	log.Info("scheduler ready",
		logx.Int("limit", s.limit),
		logx.String("platform", cfg.Platform.String()),
		logx.Int("max_retries", cfg.Retry.MaxRetries),
		logx.Duration("grace", cfg.GracePeriod),
	)
	return s
}

// Submit validates and queues job without blocking. The returned Pending
// resolves when the job reaches a terminal state.
func (s *Service[P]) Submit(job Job[P]) (*Pending, error) {
	if strings.TrimSpace(job.ID) == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidJob)
	}
	if job.Execute == nil {
		return nil, fmt.Errorf("%w: %s: nil Execute", ErrInvalidJob, job.ID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.trackedLocked(job.ID) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	s.seq++
	e := &entry[P]{
		job:         job,
		seq:         s.seq,
		submittedAt: s.clock.Now(),
		pending:     newPending(job.ID),
	}
	// Unreachable while trackedLocked covers the queue index.
	if err := s.queue.push(e); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	started := s.pumpLocked()
	stats := s.statsLocked()
	s.mu.Unlock()

	s.log.Debug("job.queued", logx.String("id", job.ID), logx.String("priority", job.Priority.String()), logx.Int("pending", stats.Pending))
	s.publish(EventQueueChanged, stats)
	s.launch(started)
	return e.pending, nil
}

func (s *Service[P]) trackedLocked(id string) bool {
	if _, ok := s.queue.get(id); ok {
		return true
	}
	if _, ok := s.active[id]; ok {
		return true
	}
	_, ok := s.waiting[id]
	return ok
}

// Cancel stops a pending, retry-waiting or active job. It returns false for
// unknown or already terminal ids.
func (s *Service[P]) Cancel(id string) bool {
	s.mu.Lock()
	if e, ok := s.queue.remove(id); ok {
		s.cancelQueuedLocked(e)
		stats := s.statsLocked()
		s.mu.Unlock()
		s.log.Info("job.cancelled", logx.String("id", id), logx.String("state", StatePending))
		s.publish(EventJobCancelled, Cancelled{ID: id})
		s.publish(EventQueueChanged, stats)
		return true
	}
	if w, ok := s.waiting[id]; ok {
		w.timer.Stop()
		delete(s.waiting, id)
		s.cancelQueuedLocked(w.e)
		stats := s.statsLocked()
		s.mu.Unlock()
		s.log.Info("job.cancelled", logx.String("id", id), logx.String("state", StateRetrying))
		s.publish(EventJobCancelled, Cancelled{ID: id})
		s.publish(EventQueueChanged, stats)
		return true
	}
	if a, ok := s.active[id]; ok {
		if !a.cancelled {
			s.signalLocked(a)
			s.log.Info("job.cancelling", logx.String("id", id), logx.Duration("grace", s.cfg.GracePeriod))
		}
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	return false
}

// CancelAll cancels every tracked job.
func (s *Service[P]) CancelAll() CancelSummary {
	s.mu.Lock()
	ids, sum := s.cancelAllLocked()
	stats := s.statsLocked()
	s.mu.Unlock()

	if sum.Active > 0 || sum.Pending > 0 {
		s.log.Info("cancel all", logx.Int("active", sum.Active), logx.Int("pending", sum.Pending))
	}
	for _, id := range ids {
		s.publish(EventJobCancelled, Cancelled{ID: id})
	}
	if sum.Pending > 0 {
		s.publish(EventQueueChanged, stats)
	}
	return sum
}

// cancelAllLocked rejects queued work and signals active jobs. It returns the
// ids rejected immediately.
func (s *Service[P]) cancelAllLocked() ([]string, CancelSummary) {
	var sum CancelSummary
	var ids []string

	waiting := make([]*retryWait[P], 0, len(s.waiting))
	for _, w := range s.waiting {
		waiting = append(waiting, w)
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].e.seq < waiting[j].e.seq })
	for _, w := range waiting {
		w.timer.Stop()
		delete(s.waiting, w.e.job.ID)
		s.cancelQueuedLocked(w.e)
		ids = append(ids, w.e.job.ID)
		sum.Pending++
	}
	for _, e := range s.queue.drain() {
		s.cancelQueuedLocked(e)
		ids = append(ids, e.job.ID)
		sum.Pending++
	}
	for _, a := range s.active {
		if a.cancelled {
			continue
		}
		s.signalLocked(a)
		sum.Active++
	}
	return ids, sum
}

func (s *Service[P]) cancelQueuedLocked(e *entry[P]) {
	s.recordLocked(e, OutcomeCancelled, time.Time{}, e.retries, e.lastErr)
	e.pending.resolve(nil, ErrCancelled)
}

// signalLocked starts the two-stage stop of an active job.
func (s *Service[P]) signalLocked(a *activeJob[P]) {
	a.cancelled = true
	a.cancel()
	s.reg.Terminate(a.e.job.ID, s.cfg.GracePeriod)
}

// SetPriority changes the priority of a pending job.
func (s *Service[P]) SetPriority(id string, p Priority) bool {
	s.mu.Lock()
	ok := s.queue.reprioritize(id, p)
	stats := s.statsLocked()
	s.mu.Unlock()
	if ok {
		s.log.Debug("job.reprioritized", logx.String("id", id), logx.String("priority", p.String()))
		s.publish(EventQueueChanged, stats)
	}
	return ok
}

// SetConcurrency changes the limit at runtime. n <= 0 restores the
// CPU-derived limit. Lowering the limit never preempts running jobs.
func (s *Service[P]) SetConcurrency(n int) {
	s.mu.Lock()
	cfg := s.cfg
	cfg.Concurrency = n
	limit := cfg.Limit()
	if limit == s.limit {
		s.mu.Unlock()
		return
	}
	prev := s.limit
	s.cfg = cfg
	s.limit = limit
	started := s.pumpLocked()
	stats := s.statsLocked()
	s.mu.Unlock()

	s.log.Info("concurrency changed", logx.Int("from", prev), logx.Int("to", limit))
	s.publish(EventQueueChanged, stats)
	s.launch(started)
}

func (s *Service[P]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Service[P]) statsLocked() Stats {
	return Stats{
		Active:        len(s.active),
		Pending:       s.queue.len(),
		Retrying:      len(s.waiting),
		Limit:         s.limit,
		Completed:     len(s.history),
		CanAcceptMore: !s.closed && len(s.active) < s.limit,
		Finished:      s.finished,
		Handles:       s.reg.Handles(),
	}
}

// Jobs lists tracked jobs: active first, then retry-waiting, then pending in
// the order they would start.
func (s *Service[P]) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.active)+len(s.waiting)+s.queue.len())
	act := make([]*activeJob[P], 0, len(s.active))
	for _, a := range s.active {
		act = append(act, a)
	}
	sort.Slice(act, func(i, j int) bool {
		if !act[i].startedAt.Equal(act[j].startedAt) {
			return act[i].startedAt.Before(act[j].startedAt)
		}
		return act[i].e.seq < act[j].e.seq
	})
	for _, a := range act {
		out = append(out, a.info())
	}

	wait := make([]*retryWait[P], 0, len(s.waiting))
	for _, w := range s.waiting {
		wait = append(wait, w)
	}
	sort.Slice(wait, func(i, j int) bool { return wait[i].due.Before(wait[j].due) })
	for _, w := range wait {
		out = append(out, w.info())
	}

	for _, e := range s.queue.ordered() {
		out = append(out, e.info(StatePending))
	}
	return out
}

// Lookup reports the state of a tracked or recently finished job.
func (s *Service[P]) Lookup(id string) (JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.active[id]; ok {
		return a.info(), true
	}
	if w, ok := s.waiting[id]; ok {
		return w.info(), true
	}
	if e, ok := s.queue.get(id); ok {
		return e.info(StatePending), true
	}
	if r, ok := s.historyBy[id]; ok {
		return JobInfo{
			ID:          r.ID,
			Priority:    r.Priority,
			State:       string(r.Outcome),
			Retries:     max(0, r.Attempts-1),
			SubmittedAt: r.SubmittedAt,
			StartedAt:   r.StartedAt,
			LastError:   r.Error,
		}, true
	}
	return JobInfo{}, false
}

// History returns completed records, oldest first.
func (s *Service[P]) History() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.history))
	for i, r := range s.history {
		out[i] = *r
	}
	return out
}

func (s *Service[P]) recordLocked(e *entry[P], outcome Outcome, startedAt time.Time, attempts int, err error) {
	now := s.clock.Now()
	r := &Record{
		ID:          e.job.ID,
		Priority:    e.job.Priority,
		Outcome:     outcome,
		Attempts:    attempts,
		SubmittedAt: e.submittedAt,
		StartedAt:   startedAt,
		FinishedAt:  now,
	}
	if !startedAt.IsZero() {
		r.Duration = now.Sub(startedAt)
	}
	if err != nil {
		r.Error = err.Error()
	}
	s.history = append(s.history, r)
	s.historyBy[r.ID] = r
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		for _, old := range s.history[:over] {
			if s.historyBy[old.ID] == old {
				delete(s.historyBy, old.ID)
			}
		}
		s.history = append([]*Record(nil), s.history[over:]...)
	}
	s.finished++
}

// Close rejects new submissions, cancels all work and waits for running
// executions to return (or ctx to end).
func (s *Service[P]) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	var ids []string
	var sum CancelSummary
	already := s.closed
	if !already {
		s.closed = true
		ids, sum = s.cancelAllLocked()
	}
	stats := s.statsLocked()
	s.mu.Unlock()

	if !already {
		s.baseCancel()
		s.log.Info("scheduler closing", logx.Int("active", sum.Active), logx.Int("pending", sum.Pending))
		for _, id := range ids {
			s.publish(EventJobCancelled, Cancelled{ID: id})
		}
		s.publish(EventQueueChanged, stats)
	}

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler close timed out", logx.Int("active", stats.Active))
		return ctx.Err()
	}
}

func (s *Service[P]) publish(typ string, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: data})
}

func (e *entry[P]) info(state string) JobInfo {
	ji := JobInfo{
		ID:          e.job.ID,
		Priority:    e.job.Priority,
		State:       state,
		Retries:     e.retries,
		SubmittedAt: e.submittedAt,
	}
	if e.lastErr != nil {
		ji.LastError = e.lastErr.Error()
	}
	return ji
}

func (a *activeJob[P]) info() JobInfo {
	ji := a.e.info(StateActive)
	ji.StartedAt = a.startedAt
	ji.LastProgress = a.lastProgress
	ji.Cancelling = a.cancelled
	return ji
}

func (w *retryWait[P]) info() JobInfo {
	ji := w.e.info(StateRetrying)
	ji.RetryAt = w.due
	return ji
}
