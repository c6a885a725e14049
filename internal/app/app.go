package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"tubeq/internal/config"
	"tubeq/internal/downloader"
	"tubeq/internal/eventbus"
	"tubeq/internal/observability/debug"
	rtsup "tubeq/internal/runtime/supervisor"
	"tubeq/internal/storage"
	"tubeq/internal/task/engine"
	"tubeq/internal/task/trigger"
	logx "tubeq/pkg/logx"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopSignal  StopReason = "signal"
	StopDrained StopReason = "drained"
	StopFatal   StopReason = "fatal"
)

// Engine is the download scheduler type.
type Engine = engine.Service[downloader.Request]

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine   *Engine
	runner   *downloader.Runner
	lister   downloader.PlaylistLister
	triggers *trigger.Service
	debug    *debug.Service

	// urls maps job ids to their URL until the job resolves.
	urls sync.Map

	unsubs   []func()
	stopOnce sync.Once
	stopErr  error
}

// New loads cfgPath (empty means built-in defaults) and builds every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New(eventbus.WithLogger(log.With(logx.String("comp", "eventbus"))))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: bus}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, logSvc.Logger())
		if err != nil {
			return nil, err
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, a.closeEarly(err)
	}
	a.engine = engine.New[downloader.Request](engCfg, logSvc.Logger().With(logx.String("comp", "scheduler")), bus)
	a.runner = downloader.NewRunner(mapDownloaderConfig(cfg), logSvc.Logger())
	a.lister = downloader.NewPlaylistLister()

	if tc, enabled, err := mapTriggerConfig(cfg); err != nil {
		return nil, a.closeEarly(err)
	} else if enabled {
		ts, err := trigger.New(tc, a.submitTriggered, logSvc.Logger())
		if err != nil {
			return nil, a.closeEarly(err)
		}
		a.triggers = ts
	}

	a.debug = debug.New(mapDebugConfig(cfg), a.engine, logSvc.Logger())
	if a.store != nil {
		a.debug.HandleJSON("/debug/outcomes", func(r *http.Request) (any, error) {
			return a.store.RecentOutcomes(r.Context(), debug.QueryLimit(r, 50))
		})
	}
	if a.triggers != nil {
		a.debug.HandleJSON("/debug/schedules", func(*http.Request) (any, error) {
			return a.triggers.Schedules(), nil
		})
	}
	return a, nil
}

func (a *App) closeEarly(err error) error {
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	return err
}

func (a *App) Engine() *Engine { return a.engine }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Enqueue queues url under a fresh "dl-<uuid>" id.
func (a *App) Enqueue(url string, p engine.Priority) (*engine.Pending, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("%w: empty url", engine.ErrInvalidJob)
	}
	return a.submit("dl-"+uuid.NewString(), url, p)
}

// EnqueueAll is Enqueue after playlist expansion. Expansion only happens when
// downloader.playlists.expand is set.
func (a *App) EnqueueAll(ctx context.Context, url string, p engine.Priority) ([]*engine.Pending, error) {
	urls, err := a.expand(ctx, url)
	if err != nil {
		return nil, err
	}
	var (
		out  []*engine.Pending
		errs error
	)
	for _, u := range urls {
		pending, err := a.Enqueue(u, p)
		if err != nil {
			if errors.Is(err, engine.ErrClosed) {
				return out, err
			}
			errs = multierr.Append(errs, err)
			continue
		}
		out = append(out, pending)
	}
	return out, errs
}

func (a *App) expand(ctx context.Context, url string) ([]string, error) {
	opts, enabled := mapPlaylistOptions(a.cfgm.Get())
	if !enabled {
		return []string{url}, nil
	}
	urls, err := downloader.ExpandPlaylist(ctx, a.lister, url, opts)
	if err != nil {
		return nil, err
	}
	if len(urls) > 1 || urls[0] != url {
		a.log.Info("playlist expanded", logx.Int("videos", len(urls)))
	}
	return urls, nil
}

// submitTriggered backs trigger firings. A playlist URL becomes one job per
// video, each keyed "<schedule>:<video url>".
func (a *App) submitTriggered(id, url string, p engine.Priority) error {
	ctx := context.Background()
	if a.sup != nil {
		ctx = a.sup.Context()
	}
	urls, err := a.expand(ctx, url)
	if err != nil {
		return err
	}
	if len(urls) == 1 && urls[0] == url {
		_, err := a.submit(id, url, p)
		return err
	}

	prefix := strings.TrimSuffix(id, url)
	var errs error
	queued := 0
	for _, u := range urls {
		_, err := a.submit(prefix+u, u, p)
		switch {
		case err == nil:
			queued++
		case errors.Is(err, engine.ErrClosed):
			return err
		case errors.Is(err, engine.ErrDuplicateJob):
		default:
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return errs
	}
	if queued == 0 {
		return engine.ErrDuplicateJob
	}
	return nil
}

func (a *App) submit(id, url string, p engine.Priority) (*engine.Pending, error) {
	// Stored before Submit so a fast outcome still finds it.
	prev, loaded := a.urls.Swap(id, url)
	pending, err := a.engine.Submit(engine.Job[downloader.Request]{
		ID:       id,
		Priority: p,
		Payload:  downloader.Request{URL: url},
		Execute:  a.runner.Execute,
	})
	if err != nil {
		if loaded {
			a.urls.Store(id, prev)
		} else {
			a.urls.Delete(id)
		}
		return nil, err
	}
	return pending, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if a.store != nil {
		for _, t := range []string{engine.EventJobCompleted, engine.EventJobFailed, engine.EventJobCancelled} {
			a.unsubs = append(a.unsubs, a.bus.On(t, a.recordOutcome))
		}
	} else {
		for _, t := range []string{engine.EventJobCompleted, engine.EventJobFailed, engine.EventJobCancelled} {
			a.unsubs = append(a.unsubs, a.bus.On(t, func(e eventbus.Event) { a.urls.Delete(eventJobID(e)) }))
		}
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("events.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type == engine.EventJobProgress {
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("id", eventJobID(e)), logx.Time("time", e.Time))
			}
		}
	})

	a.debug.Start(a.sup.Context())
	if a.triggers != nil {
		a.triggers.Start(a.sup.Context())
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	if a.cfgm.Path() != "" {
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	st := a.engine.Stats()
	a.log.Info("app started", logx.Int("concurrency", st.Limit), logx.Bool("storage", a.store != nil), logx.Bool("triggers", a.triggers != nil))
	return nil
}

// applyConfig hot-applies logging, concurrency, downloader defaults and the
// debug server. Other changes are reported as needing a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, attrs := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLogConfig(next))

	if prev.Scheduler.Concurrency != next.Scheduler.Concurrency {
		a.engine.SetConcurrency(next.Scheduler.Concurrency)
	}
	a.runner.Update(mapDownloaderConfig(next))
	a.debug.Reconfigure(ctx, mapDebugConfig(next))

	for _, s := range config.RestartRequired(prev, next, changed) {
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) recordOutcome(e eventbus.Event) {
	id := eventJobID(e)
	url, _ := a.urls.LoadAndDelete(id)
	o := storage.Outcome{JobID: id, FinishedAt: e.Time}
	if s, ok := url.(string); ok {
		o.URL = s
	}
	if info, ok := a.engine.Lookup(id); ok {
		o.Attempts = info.Retries + 1
	}
	switch d := e.Data.(type) {
	case engine.Completed:
		o.Outcome = string(engine.OutcomeCompleted)
		o.TookMS = d.DurationMillis
		if r, ok := d.Result.(downloader.Result); ok {
			o.OutputPath = r.Path()
			o.Bytes = r.Bytes
		}
	case engine.Failed:
		o.Outcome = string(engine.OutcomeFailed)
		o.Error = d.Err
		o.Attempts = d.Attempts
	case engine.Cancelled:
		o.Outcome = string(engine.OutcomeCancelled)
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.RecordOutcome(ctx, o); err != nil {
		a.log.Warn("record outcome failed", logx.String("id", id), logx.Err(err))
	}
}

func eventJobID(e eventbus.Event) string {
	switch d := e.Data.(type) {
	case engine.Started:
		return d.ID
	case engine.Progress:
		return d.ID
	case engine.Retrying:
		return d.ID
	case engine.Completed:
		return d.ID
	case engine.Failed:
		return d.ID
	case engine.Cancelled:
		return d.ID
	}
	return ""
}

// Stop cancels outstanding work and shuts components down in dependency
// order. Each step is bounded by ctx; errors are combined.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx, reason) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	var errs error

	// fn must honor its context; a step that overruns is logged and left behind.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		c, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(c)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-c.Done():
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, c.Err()))
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("max", limit))
		}
	}

	if a.triggers != nil {
		step("triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	}
	// The scheduler drains with its own grace period before force-stopping handles.
	step("scheduler", 30*time.Second, a.engine.Close)
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })

	for _, u := range a.unsubs {
		u()
	}
	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	if a.logs != nil {
		errs = multierr.Append(errs, a.logs.Close())
	}
	return errs
}
