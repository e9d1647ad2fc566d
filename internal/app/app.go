package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"completiond/internal/admin"
	"completiond/internal/completion"
	"completiond/internal/config"
	"completiond/internal/dispatch"
	"completiond/internal/eventbus"
	"completiond/internal/metrics"
	rtsup "completiond/internal/runtime/supervisor"
	"completiond/internal/storage"
	logx "completiond/pkg/logx"
)

// App wires config, logging, the dispatcher and its optional sinks.
type App struct {
	cfgPath  string
	instance string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	disp  *dispatch.Service
	admin *admin.Service

	meters   *sdkmetric.MeterProvider
	recorder *metrics.Recorder

	notify bool
}

// Option customizes NewApp.
type Option func(*options)

type options struct {
	exec dispatch.Executor
}

// WithExecutor replaces the OpenAI-backed executor.
func WithExecutor(e dispatch.Executor) Option {
	return func(o *options) { o.exec = e }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	instance := uuid.NewString()
	logSvc, root := logx.New(cfg.LogConfig())
	log := root.With(logx.String("instance", instance))

	bus := eventbus.New()

	store, err := openStore(cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	dcfg, err := cfg.DispatchConfig()
	if err != nil {
		closeQuiet(store)
		_ = logSvc.Close()
		return nil, err
	}
	exec := o.exec
	if exec == nil {
		exec = completion.New(cfg.CompletionConfig(), log)
	}
	disp := dispatch.New(dcfg, exec, log.With(logx.String("comp", "dispatch")), bus)
	if store != nil {
		disp.SetArchiver(storage.NewArchiver(store))
	}

	acfg, err := cfg.AdminConfig()
	if err == nil {
		err = acfg.Validate()
	}
	if err != nil {
		closeQuiet(store)
		_ = logSvc.Close()
		return nil, err
	}
	var hist admin.History
	if store != nil {
		hist = store
	}
	adm := admin.New(acfg, disp, hist, log)

	a := &App{
		cfgPath:  cfgPath,
		instance: instance,
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		disp:     disp,
		admin:    adm,
		notify:   cfg.Systemd.Notify,
	}
	if cfg.Metrics.Enabled {
		if err := a.initMetrics(cfg); err != nil {
			closeQuiet(store)
			_ = logSvc.Close()
			return nil, err
		}
	}
	return a, nil
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if st != nil {
		log.Info("result archive enabled", logx.String("driver", sc.Driver))
	}
	return st, nil
}

func closeQuiet(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

func (a *App) initMetrics(cfg *config.Config) error {
	interval, err := cfg.MetricsInterval()
	if err != nil {
		return err
	}
	mp, err := metrics.NewStdoutProvider(logx.Stdout(), interval)
	if err != nil {
		return err
	}
	otel.SetMeterProvider(mp)
	rec, err := metrics.NewRecorder(mp, a.disp, a.log)
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return err
	}
	a.meters, a.recorder = mp, rec
	return nil
}

// Dispatcher exposes the dispatcher for embedding callers and tests.
func (a *App) Dispatcher() *dispatch.Service { return a.disp }

// Admin exposes the admin server.
func (a *App) Admin() *admin.Service { return a.admin }

// Done is closed when the app supervisor stops (fatal error or Stop).
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Reject reloads that would expose the admin API unauthenticated.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		ac, err := cfg.AdminConfig()
		if err != nil {
			return err
		}
		return ac.Validate()
	})

	if err := a.disp.Start(a.sup.Context()); err != nil {
		return err
	}
	a.admin.Start(a.sup.Context())

	if a.recorder != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go("metrics.record", func(c context.Context) error {
			defer unsub()
			a.recorder.Run(c, events)
			return nil
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts; only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	if a.notify {
		a.sup.Go("systemd.watchdog", a.watchdog)
	}

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// applyConfig pushes a committed reload into the live components.
// Storage and metrics are wired at startup; changing them needs a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(next.LogConfig())

	if dc, err := next.DispatchConfig(); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else if err := a.disp.Apply(dc); err != nil {
		a.log.Warn("dispatcher apply failed", logx.Err(err))
	}

	if ac, err := next.AdminConfig(); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.admin.Reconfigure(rctx, ac)
		cancel()
	}

	for _, s := range sections {
		switch s {
		case "storage", "metrics", "completion", "systemd":
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop drains the dispatcher, then closes sinks. Each step is bounded by
// its own budget and never by more than ctx allows.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	var errs []error
	step := func(name string, budget time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	// The dispatcher drains in-flight executions before the supervisor context dies.
	step("dispatch", 10*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("metrics", 2*time.Second, func(c context.Context) error {
		if a.meters == nil {
			return nil
		}
		_ = a.recorder.Close()
		return a.meters.Shutdown(c)
	})
	step("storage", time.Second, func(c context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
