// Package app wires the daemon together: config, logging, event bus,
// storage, journal, pprof, the dispatch engine and the stdin/stdout feed.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"delayd/internal/config"
	"delayd/internal/dispatch"
	"delayd/internal/eventbus"
	"delayd/internal/feed"
	"delayd/internal/journal"
	"delayd/internal/observability/pprof"
	rtsup "delayd/internal/runtime/supervisor"
	"delayd/internal/storage"
	logx "delayd/pkg/logx"
)

// StopReason says why the daemon is going down; it picks the flush policy
// (a fatal stop never flushes).
type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	sup *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	storeCfg storage.Config

	journ  *journal.Service
	pprofs *pprof.Service
	engine *dispatch.Dispatcher
	feeds  *feed.Service

	flushOnStop bool
	stopTimeout time.Duration
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("journal storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}
	storeCfg, _, _ := mapStorageConfig(cfg)

	dcfg, flush, stopTimeout, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine, err := dispatch.New(dcfg, log.With(logx.String("comp", "dispatch")), bus)
	if err != nil {
		return nil, err
	}

	jcfg, err := mapJournalConfig(cfg)
	if err != nil {
		return nil, err
	}
	journ := journal.New(jcfg, log, bus, store)

	a := &App{
		cfgPath:     cfgPath,
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		storeCfg:    storeCfg,
		journ:       journ,
		engine:      engine,
		flushOnStop: flush,
		stopTimeout: stopTimeout,
	}

	a.pprofs = pprof.New(pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}, log, a.status)

	if cfg.Feed.IsEnabled() {
		a.feeds = feed.New(engine, os.Stdin, os.Stdout, log)
	}

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// The engine is stopped via Shutdown during App.Stop, deliberately not via
	// the supervisor context: cancellation would force-stop it and defeat the
	// configured flush.
	if err := a.engine.Start(context.Background()); err != nil {
		return err
	}

	a.journ.Start(a.sup.Context())
	if a.pprofs.Enabled() {
		a.pprofs.Start(a.sup.Context())
	}
	if a.feeds != nil {
		a.feeds.Start(a.sup.Context())
	}

	// Transactional config reload: validate before commit/publish. The
	// dispatcher section is immutable while running, so the watcher's job is
	// to validate edits and apply what can be applied live (logging).
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		_, _, _, err := mapDispatcherConfig(cfg)
		return err
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(newCfg)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	notifyReady(a.log)
	a.log.Info("delayd started", logx.String("config", a.cfgPath))
	return nil
}

// applyReload applies the live-applicable sections of a validated config and
// flags the rest as pending restart.
func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	var pending []string
	if dcfg, flush, timeout, err := mapDispatcherConfig(cfg); err == nil {
		cur := a.engine.Config()
		if dcfg.IngressCapacity != cur.IngressCapacity ||
			dcfg.EgressCapacity != cur.EgressCapacity ||
			dcfg.MaxHeldMessages != cur.MaxHeldMessages ||
			dcfg.TieBreak != cur.TieBreak ||
			dcfg.BlockOnFullIngress != cur.BlockOnFullIngress {
			pending = append(pending, "dispatcher")
		}
		// Shutdown policy is read at stop time; safe to take live.
		a.flushOnStop = flush
		a.stopTimeout = timeout
	}
	if sc, enabled, err := mapStorageConfig(cfg); err == nil {
		if enabled != (a.store != nil) || (enabled && sc != a.storeCfg) {
			pending = append(pending, "storage")
		}
	}
	if cfg.Feed.IsEnabled() != (a.feeds != nil) {
		pending = append(pending, "feed")
	}
	if (a.pprofs != nil && a.pprofs.Enabled()) != cfg.Pprof.Enabled {
		pending = append(pending, "pprof")
	}

	if len(pending) > 0 {
		a.log.Warn("config changed; restart required to take effect",
			logx.String("sections", strings.Join(pending, ",")))
	} else {
		a.log.Info("config reloaded")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	// Bound a shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			} else {
				a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Order matters: close intake, drain the engine to egress, let the feed
	// pump the drain to stdout, then tear down the observers.
	if a.feeds != nil {
		a.feeds.StopIntake()
	}

	flush := a.flushOnStop && reason != StopFatal
	engineMax := a.stopTimeout
	step("engine", engineMax, func(c context.Context) error {
		return a.engine.Shutdown(c, flush)
	})

	if a.feeds != nil {
		step("feed.drain", 5*time.Second, a.feeds.Drain)
		step("feed", 2*time.Second, func(c context.Context) error { a.feeds.Stop(c); return nil })
	}
	step("journal", 2*time.Second, func(c context.Context) error { a.journ.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprofs.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Stop)

	a.log.Info("stopped",
		logx.Uint64("released", a.engine.Snapshot().Released),
		logx.Uint64("abandoned", a.engine.Snapshot().Abandoned),
	)
	_ = a.logs.Close()
	return nil
}

// status feeds /statusz.
func (a *App) status() any {
	st := struct {
		Engine     dispatch.Snapshot `json:"engine"`
		Feed       map[string]uint64 `json:"feed,omitempty"`
		Journal    map[string]uint64 `json:"journal,omitempty"`
		BusDropped uint64            `json:"bus_dropped"`
		Goroutines rtsup.Counters    `json:"goroutines"`
	}{
		Engine:     a.engine.Snapshot(),
		BusDropped: a.bus.Dropped(),
		Goroutines: a.sup.Stats(),
	}
	if a.feeds != nil {
		st.Feed = map[string]uint64{"accepted": a.feeds.Accepted(), "refused": a.feeds.Refused()}
	}
	if a.store != nil {
		st.Journal = map[string]uint64{"written": a.journ.Written(), "failed": a.journ.Failed()}
	}
	return st
}
