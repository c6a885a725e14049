package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"tubeq/internal/eventbus"
	logx "tubeq/pkg/logx"
)

// pumpLocked promotes queued entries while slots are free. The caller must
// launch the returned jobs after releasing the lock.
func (s *Service[P]) pumpLocked() []*activeJob[P] {
	if s.closed {
		return nil
	}
	var out []*activeJob[P]
	for len(s.active) < s.limit {
		e, ok := s.queue.popHighest()
		if !ok {
			break
		}
		ctx, cancel := context.WithCancel(s.baseCtx)
		a := &activeJob[P]{
			e:         e,
			ctx:       ctx,
			cancel:    cancel,
			startedAt: s.clock.Now(),
		}
		s.active[e.job.ID] = a
		s.reg.reserve(e.job.ID)
		s.running.Add(1)
		out = append(out, a)
	}
	return out
}

// launch publishes job.started and only then starts Execute, so progress
// events for a job always follow its started event.
func (s *Service[P]) launch(jobs []*activeJob[P]) {
	for _, a := range jobs {
		attempt := a.e.retries + 1
		s.log.Info("job.started", logx.String("id", a.e.job.ID), logx.Int("attempt", attempt), logx.String("priority", a.e.job.Priority.String()))
		s.publish(EventJobStarted, Started{ID: a.e.job.ID, StartedAt: a.startedAt, Attempt: attempt})
		go s.run(a)
	}
}

func (s *Service[P]) run(a *activeJob[P]) {
	defer s.running.Done()
	res, err := s.execute(a)
	s.finish(a, res, err)
}

func (s *Service[P]) execute(a *activeJob[P]) (res any, err error) {
	id := a.e.job.ID
	// Guard against Execute panics: convert to an error so one bad job
	// can't take down the scheduler.
	defer func() {
		if r := recover(); r != nil {
			err = NoRetry(fmt.Errorf("panic: %v", r))
			s.log.Error("job.panic", logx.String("id", id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	onHandle := func(h Handle) error {
		s.mu.Lock()
		done := a.done
		s.mu.Unlock()
		if done {
			return ErrNotActive
		}
		return s.reg.Register(id, h)
	}
	onProgress := func(info any) { s.progress(a, info) }

	return a.e.job.Execute(a.ctx, a.e.job.Payload, onHandle, onProgress)
}

func (s *Service[P]) progress(a *activeJob[P], info any) {
	s.mu.Lock()
	if a.done {
		s.mu.Unlock()
		return
	}
	a.lastProgress = info
	s.mu.Unlock()

	id := a.e.job.ID
	if s.log.Enabled(logx.LevelDebug) && s.progressLog.Allow(id) {
		s.log.Debug("job.progress", logx.String("id", id), logx.Any("info", info))
	}
	s.publish(EventJobProgress, Progress{ID: id, Info: info})
}

func (s *Service[P]) finish(a *activeJob[P], res any, err error) {
	e := a.e
	id := e.job.ID
	attempts := e.retries + 1

	s.mu.Lock()
	a.done = true
	a.cancel()
	delete(s.active, id)
	s.reg.Unregister(id)

	now := s.clock.Now()
	dur := now.Sub(a.startedAt)
	var evs []eventbus.Event

	switch {
	case a.cancelled:
		s.recordLocked(e, OutcomeCancelled, a.startedAt, attempts, err)
		e.pending.resolve(nil, ErrCancelled)
		evs = append(evs, eventbus.Event{Type: EventJobCancelled, Data: Cancelled{ID: id}})
		s.log.Info("job.cancelled", logx.String("id", id), logx.Duration("dur", dur), logx.Int("attempts", attempts))

	case err == nil:
		s.recordLocked(e, OutcomeCompleted, a.startedAt, attempts, nil)
		e.pending.resolve(res, nil)
		evs = append(evs, eventbus.Event{Type: EventJobCompleted, Data: Completed{
			ID: id, Result: res, Duration: dur, DurationMillis: dur.Milliseconds(),
		}})
		s.log.Info("job.completed", logx.String("id", id), logx.Duration("dur", dur), logx.Int("attempts", attempts))

	case !s.closed && IsRetryable(err) && s.cfg.Retry.allows(e.retries):
		e.retries++
		e.lastErr = err
		delay := s.cfg.Retry.delay(e.retries-1, err)
		w := &retryWait[P]{e: e, due: now.Add(delay)}
		s.waiting[id] = w
		w.timer = s.clock.AfterFunc(delay, func() { s.requeue(w) })
		evs = append(evs, eventbus.Event{Type: EventJobRetrying, Data: Retrying{
			ID: id, Attempt: e.retries, Delay: delay, DelayMillis: delay.Milliseconds(), Err: err.Error(),
		}})
		s.log.Warn("job.retrying", logx.String("id", id), logx.Int("attempt", e.retries), logx.Duration("delay", delay), logx.Err(err))

	default:
		s.recordLocked(e, OutcomeFailed, a.startedAt, attempts, err)
		e.pending.resolve(nil, &JobError{ID: id, Attempts: attempts, Err: err})
		evs = append(evs, eventbus.Event{Type: EventJobFailed, Data: Failed{ID: id, Err: err.Error(), Attempts: attempts}})
		s.log.Warn("job.failed", logx.String("id", id), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	}

	started := s.pumpLocked()
	stats := s.statsLocked()
	s.mu.Unlock()

	s.progressLog.Forget(id)
	for _, ev := range evs {
		s.publish(ev.Type, ev.Data)
	}
	s.publish(EventQueueChanged, stats)
	s.launch(started)
}

// requeue moves a retry-waiting job to the front of its tier once its
// backoff has elapsed.
func (s *Service[P]) requeue(w *retryWait[P]) {
	id := w.e.job.ID
	s.mu.Lock()
	if cur, ok := s.waiting[id]; !ok || cur != w {
		s.mu.Unlock()
		return
	}
	delete(s.waiting, id)
	_ = s.queue.pushFront(w.e)
	started := s.pumpLocked()
	stats := s.statsLocked()
	s.mu.Unlock()

	s.log.Debug("job.requeued", logx.String("id", id), logx.Int("retries", w.e.retries), logx.Time("due", w.due.Round(time.Millisecond)))
	s.publish(EventQueueChanged, stats)
	s.launch(started)
}
