package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tubeq/internal/app"
	"tubeq/internal/downloader"
	"tubeq/internal/task/engine"
	logx "tubeq/pkg/logx"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath  string
		priority string
		daemonic bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to config (json or yaml); empty uses defaults")
	flag.StringVar(&priority, "priority", "normal", "priority for URLs given on the command line: high, normal or low")
	flag.BoolVar(&daemonic, "daemon", false, "keep running after the given URLs finish (schedules, config reload, debug server)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [url ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	prio, err := engine.ParsePriority(priority)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 2
	}
	urls := flag.Args()
	if len(urls) == 0 && !daemonic {
		flag.Usage()
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatal)
		return 1
	}
	log := a.Logger()

	var pendings []*engine.Pending
	jobURL := map[string]string{}
	failed := 0
	for _, u := range urls {
		ps, err := a.EnqueueAll(ctx, u, prio)
		if err != nil {
			log.Error("enqueue failed", logx.String("url", u), logx.Err(err))
			failed++
		}
		for _, p := range ps {
			jobURL[p.ID()] = u
			pendings = append(pendings, p)
		}
	}

	reason := app.StopDrained
	if daemonic {
		notify(log, daemon.SdNotifyReady)
		stopWatchdog := watchdog(ctx, log)
		select {
		case <-ctx.Done():
			reason = app.StopSignal
		case <-a.Done():
			reason = app.StopFatal
		}
		stopWatchdog()
	} else {
		wctx, wcancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-a.Done():
				wcancel()
			case <-wctx.Done():
			}
		}()
		n, interrupted := waitAll(wctx, pendings, jobURL)
		wcancel()
		failed += n
		if interrupted {
			reason = app.StopSignal
		}
	}

	notify(log, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
		return 1
	}
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if failed > 0 || reason == app.StopSignal && !daemonic {
		return 1
	}
	return 0
}

// waitAll reports each download as it resolves. It returns the number of
// failures and whether ctx ended first.
func waitAll(ctx context.Context, pendings []*engine.Pending, jobURL map[string]string) (int, bool) {
	var (
		mu     sync.Mutex
		failed int
		wg     sync.WaitGroup
	)
	for _, p := range pendings {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Wait(ctx)
			mu.Lock()
			defer mu.Unlock()
			if report(ctx, os.Stdout, jobURL[p.ID()], res, err) {
				failed++
			}
		}()
	}
	wg.Wait()
	return failed, ctx.Err() != nil
}

// report prints one resolved download and returns true when it failed.
// Only the interruption of the wait itself goes unreported; a job that
// failed on its own while ctx was ending still counts.
func report(ctx context.Context, w io.Writer, url string, res any, err error) bool {
	switch {
	case err == nil:
		path := ""
		if r, ok := res.(downloader.Result); ok {
			path = r.Path()
		}
		fmt.Fprintf(w, "ok\t%s\t%s\n", url, path)
		return false
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return false
	default:
		fmt.Fprintf(w, "failed\t%s\t%v\n", url, err)
		return true
	}
}

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured interval when the unit
// has WatchdogSec set.
func watchdog(ctx context.Context, log logx.Logger) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				notify(log, daemon.SdNotifyWatchdog)
			}
		}
	}()
	return cancel
}
