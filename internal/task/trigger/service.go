package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"tubeq/internal/task/engine"
	logx "tubeq/pkg/logx"
)

const submitWarnEvery = 5 * time.Second

// SubmitFunc queues one URL under id. It returns engine errors unchanged.
type SubmitFunc func(id, url string, p engine.Priority) error

// Schedule submits URLs every time Spec fires.
type Schedule struct {
	Name     string
	Spec     string
	URLs     []string
	Priority engine.Priority
}

// Config controls the trigger service.
type Config struct {
	Timezone  string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	Schedules []Schedule
}

type scheduleDef struct {
	Schedule
	parsed  ParsedSpec
	entryID cron.EntryID
	spread  time.Duration
}

// ScheduleInfo is a diagnostic view of one schedule.
type ScheduleInfo struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	URLs     int       `json:"urls"`
	Priority string    `json:"priority"`
	Next     time.Time `json:"next,omitzero"`
	Prev     time.Time `json:"prev,omitzero"`
}

// Service fires recurring submissions into the scheduler. It never executes
// downloads itself.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	submit SubmitFunc

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	warn *logx.Throttle
}

// New validates every schedule up front; all problems are reported together.
func New(cfg Config, submit SubmitFunc, log logx.Logger) (*Service, error) {
	if submit == nil {
		return nil, errors.New("trigger: submit func required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "trigger")),
		submit: submit,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		warn:   logx.NewThrottle(submitWarnEvery),
	}

	var errs error
	seen := map[string]bool{}
	for _, sc := range cfg.Schedules {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			errs = multierr.Append(errs, errors.New("schedule name required"))
			continue
		}
		if seen[name] {
			errs = multierr.Append(errs, fmt.Errorf("schedule %q: duplicate name", name))
			continue
		}
		seen[name] = true
		ps, err := ParseSchedule(sc.Spec)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("schedule %q: %w", name, err))
			continue
		}
		if ps.Kind == SpecCron {
			if _, err := s.parser.Parse(ps.Cron); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("schedule %q: %w", name, err))
				continue
			}
		}
		sc.Name = name
		s.defs = append(s.defs, &scheduleDef{Schedule: sc, parsed: ps})
	}
	if errs != nil {
		return nil, errs
	}
	return s, nil
}

// Start begins firing schedules. It is a no-op if already started.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.Name), logx.Err(err))
			continue
		}
		args := []logx.Field{logx.String("name", d.Name), logx.String("spec", d.parsed.CronSpec()), logx.Int("urls", len(d.URLs))}
		if next := s.previewNextRunsLocked(d, 3); next != "" {
			args = append(args, logx.String("next", next))
		}
		s.log.Debug("schedule registered", args...)
	}
	s.c.Start()
	s.log.Info("trigger service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts firing and waits for in-flight firings or ctx, whichever is first.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger service stopped")
}

// RunNow fires the named schedule immediately and reports how many URLs were queued.
func (s *Service) RunNow(name string) (int, error) {
	s.mu.Lock()
	var def *scheduleDef
	for _, d := range s.defs {
		if d.Name == name {
			def = d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return 0, fmt.Errorf("unknown schedule %q", name)
	}
	return s.fire(def), nil
}

// Schedules returns every schedule with its next and previous fire time.
func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:     d.Name,
			Spec:     d.parsed.CronSpec(),
			URLs:     len(d.URLs),
			Priority: d.Priority.String(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	return out
}

func (s *Service) addLocked(d *scheduleDef) error {
	job := cron.FuncJob(func() { s.fire(d) })
	if d.parsed.Kind == SpecInterval {
		sched, jitter := intervalWithSpread(d.parsed.Every, time.Now().In(s.loc), d.Name)
		d.spread = jitter
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	id, err := s.c.AddJob(d.parsed.Cron, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// fire submits one job per URL as "<schedule>:<url>". A URL whose previous
// firing is still pending, retrying or running is skipped by the scheduler.
func (s *Service) fire(d *scheduleDef) int {
	queued, skipped := 0, 0
	for _, raw := range d.URLs {
		url := strings.TrimSpace(raw)
		if url == "" {
			continue
		}
		err := s.submit(d.Name+":"+url, url, d.Priority)
		switch {
		case err == nil:
			queued++
		case errors.Is(err, engine.ErrDuplicateJob):
			skipped++
			s.log.Debug("trigger skipped in-flight url", logx.String("schedule", d.Name), logx.String("url", url))
		case errors.Is(err, engine.ErrClosed):
			s.log.Debug("trigger fired after scheduler closed", logx.String("schedule", d.Name))
			return queued
		default:
			if s.warn.Allow(d.Name) {
				s.log.Warn("trigger failed to submit", logx.String("schedule", d.Name), logx.String("url", url), logx.Err(err))
			}
		}
	}
	s.log.Info("schedule fired", logx.String("schedule", d.Name), logx.Int("queued", queued), logx.Int("skipped", skipped))
	return queued
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked lists upcoming fire times for debug logs.
func (s *Service) previewNextRunsLocked(d *scheduleDef, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || s.c == nil || d.entryID == 0 {
		return ""
	}
	sched := s.c.Entry(d.entryID).Schedule
	if sched == nil {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
