package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gatebot/internal/autopost"
	"gatebot/internal/config"
	"gatebot/internal/eventbus"
	"gatebot/internal/notifier"
	"gatebot/internal/registry"
	"gatebot/internal/report"
	rtsup "gatebot/internal/runtime/supervisor"
	"gatebot/internal/scheduler"
	"gatebot/internal/session"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	"gatebot/internal/transport/telegram"
	"gatebot/internal/verify"
	logx "gatebot/pkg/logx"
)

type StopReason string

const (
	StopReasonSignal StopReason = "signal"
	StopReasonFatal  StopReason = "fatal"
	StopReasonReload StopReason = "reload"
)

// App owns the whole service graph and its lifecycle.
type App struct {
	cfgm    *config.ConfigManager
	log     logx.Logger
	logs    *logx.Service
	adapter *telegram.Adapter
	store   storage.Store
	bus     *eventbus.Bus
	serv    *Services
	cmdm    *CommandManager
	flow    *Flow

	sup     *rtsup.Supervisor
	updates chan kit.Update
}

func NewApp(configPath string) (*App, error) {
	cfgm := config.NewConfigManager(configPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Environment wins over the file so the token never has to live on disk.
	if t := strings.TrimSpace(os.Getenv("GATEBOT_TOKEN")); t != "" {
		cfg.Telegram.Token = t
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return nil, errors.New("telegram token is empty (set telegram.token or GATEBOT_TOKEN)")
	}

	bootLog := logx.NewConsole(cfg.Logging.Level)

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}, adapter)
	applyLogTarget(logSvc, cfg)

	storeCfg := storage.Config{}
	if cfg.Storage != nil {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
		if err != nil {
			return nil, err
		}
		storeCfg = storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, BusyTimeout: busy}
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()

	codeTTL, _ := config.ParseDurationOrDefault("verification.code_ttl", cfg.Verification.CodeTTL, 5*time.Minute)
	verifySvc := verify.New(
		verify.Config{CodeTTL: codeTTL, MaxAttempts: cfg.Verification.MaxAttempts},
		adapter, store, bus, log.With(logx.String("comp", "verify")),
	)
	channels := registry.New(store, log.With(logx.String("comp", "registry")))
	sessions := session.NewManager()

	schedTimeout, err := config.ParseDurationOrDefault("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, 0)
	if err != nil {
		return nil, err
	}
	schedSvc := scheduler.New(scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Workers:        cfg.Scheduler.Workers,
		DefaultTimeout: schedTimeout,
		HistorySize:    cfg.Scheduler.HistorySize,
		Timezone:       cfg.Scheduler.Timezone,
		RetryMax:       cfg.Scheduler.RetryMax,
	}, log.With(logx.String("comp", "scheduler")), bus)

	notifCfg, err := notifierConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(notifCfg, adapter, log.With(logx.String("comp", "notifier")), bus)

	autopostSvc := autopost.New(store, channels, adapter, schedSvc, log.With(logx.String("comp", "autopost")))

	reportWindow, err := config.ParseDurationOrDefault("report.window", cfg.Report.Window, 168*time.Hour)
	if err != nil {
		return nil, err
	}
	recorder := report.NewRecorder(report.Config{
		Enabled:    cfg.Report.Enabled,
		WeeklyCron: cfg.Report.WeeklyCron,
		Window:     reportWindow,
	}, store, bus, log.With(logx.String("comp", "report")))

	serv := &Services{
		Verify:   verifySvc,
		Channels: channels,
		Sessions: sessions,
		Sched:    schedSvc,
		Notifier: notifSvc,
		Autopost: autopostSvc,
		Reports:  recorder,
		Store:    store,
		Bus:      bus,
	}

	cmdm := NewCommandManager(log.With(logx.String("comp", "commands")), adapter, cfgm, serv, cfg.Telegram.OwnerUserIDs)
	flow := NewFlow(serv, adapter, cmdm.ownersSnapshot, codeTTL, log.With(logx.String("comp", "flow")))
	cmds, cbs := BuildRegistry(flow)
	cmdm.SetRegistry(cmds, cbs)
	cmdm.SetJoinHandler(flow.OnJoinRequest)
	cmdm.SetMessageHandler(flow.OnMessage)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		adapter: adapter,
		store:   store,
		bus:     bus,
		serv:    serv,
		cmdm:    cmdm,
		flow:    flow,
		updates: make(chan kit.Update, 256),
	}, nil
}

func applyLogTarget(logs *logx.Service, cfg *config.Config) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		logs.SetTelegramTarget(0, 0)
		return
	}
	if chatID, err := strconv.ParseInt(raw, 10, 64); err == nil {
		logs.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
}

func notifierConfigFrom(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{Enabled: true}, nil
	}
	n := cfg.Notifier
	base, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.Scheduler.Workers < 0 {
			return errors.New("scheduler.workers must be >= 0")
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	// restore persisted state before any traffic flows
	if err := a.serv.Verify.Load(a.sup.Context()); err != nil {
		return err
	}
	if err := a.serv.Channels.Load(a.sup.Context()); err != nil {
		return err
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.serv.Notifier.Start(a.sup.Context())
	a.serv.Reports.Start(a.sup.Context())
	if a.serv.Sched.Enabled() {
		a.serv.Sched.Start(a.sup.Context())
	}
	a.registerJobs()
	a.serv.Autopost.Sync()

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	a.watchConfig()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// best-effort platform command menu
	if err := a.adapter.UpdateMenuCommands(a.sup.Context(), a.cmdm.MenuCommands()); err != nil {
		a.log.Warn("menu update failed", logx.Err(err))
	}

	a.log.Info("app started")
	return nil
}

// registerJobs wires the recurring jobs: expiry sweep and weekly report.
// Autopost jobs are managed separately by the autopost service.
func (a *App) registerJobs() {
	cfg := a.cfgm.Get()

	sweep, err := config.ParseDurationOrDefault("verification.sweep_interval", cfg.Verification.SweepInterval, time.Minute)
	if err == nil && sweep > 0 {
		_, err := a.serv.Sched.AddInterval("verify:sweep", sweep, 30*time.Second, func(ctx context.Context) error {
			a.serv.Verify.SweepExpired(ctx)
			return nil
		})
		if err != nil {
			a.log.Warn("sweep job not scheduled", logx.Err(err))
		}
	}

	if cfg.Report.Enabled {
		_, err := a.serv.Sched.AddCron("report:weekly", a.serv.Reports.WeeklyCron(), time.Minute, a.sendWeeklyReport)
		if err != nil {
			a.log.Warn("weekly report job not scheduled", logx.Err(err))
		}
	}
}

func (a *App) sendWeeklyReport(ctx context.Context) error {
	now := time.Now()
	since := now.Add(-a.serv.Reports.Window())
	csvData, rows, err := a.serv.Reports.BuildCSV(ctx, 0, since)
	if err != nil {
		return err
	}
	if rows == 0 {
		a.log.Debug("weekly report skipped, no activity")
		return nil
	}
	caption := fmt.Sprintf("weekly activity: %d event(s)", rows)
	for _, owner := range a.cmdm.ownersSnapshot() {
		if _, err := a.adapter.SendDocument(ctx, kit.ChatTarget{ChatID: owner}, report.FileName(now), csvData, caption); err != nil {
			a.log.Warn("weekly report delivery failed", logx.Int64("owner", owner), logx.Err(err))
		}
	}
	return nil
}

// watchConfig fans hot reloads out to the running services.
func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, fields := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					a.log.Debug("config change summary",
						append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				a.applyReload(c, newCfg)

				if len(sections) > 0 {
					a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})
}

func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})
	applyLogTarget(a.logs, cfg)

	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)

	if ncfg, err := notifierConfigFrom(cfg); err == nil {
		a.serv.Notifier.Apply(ncfg)
	} else {
		a.log.Warn("invalid notifier config ignored", logx.Err(err))
	}

	prevSchedEnabled := a.serv.Sched.Enabled()
	timeout, err := config.ParseDurationOrDefault("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, 0)
	if err != nil {
		a.log.Warn("invalid scheduler.default_timeout; using 0", logx.Err(err))
		timeout = 0
	}
	a.serv.Sched.Apply(scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Workers:        cfg.Scheduler.Workers,
		DefaultTimeout: timeout,
		HistorySize:    cfg.Scheduler.HistorySize,
		Timezone:       cfg.Scheduler.Timezone,
		RetryMax:       cfg.Scheduler.RetryMax,
	})
	if prevSchedEnabled && !cfg.Scheduler.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.serv.Sched.Stop(stopCtx)
		cancel()
	} else if !prevSchedEnabled && cfg.Scheduler.Enabled {
		a.log.Info("scheduler enabled via config")
		a.serv.Sched.Start(ctx)
		a.registerJobs()
		a.serv.Autopost.Sync()
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	step("autopost", time.Second, func(context.Context) error { a.serv.Autopost.Stop(); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.serv.Sched.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.serv.Notifier.Stop(c); return nil })
	step("report", time.Second, func(context.Context) error { a.serv.Reports.Stop(); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("logging", time.Second, func(context.Context) error { return a.logs.Close() })

	a.log.Info("stopped")
	return nil
}
