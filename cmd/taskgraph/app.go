package main

import (
	"context"
	"fmt"
	"time"

	"github.com/byteengine/taskgraph/internal/config"
	"github.com/byteengine/taskgraph/internal/core/event"
	"github.com/byteengine/taskgraph/internal/core/sched"
	coresys "github.com/byteengine/taskgraph/internal/core/system"
	"github.com/byteengine/taskgraph/internal/data"
	"github.com/byteengine/taskgraph/internal/persist"
	"github.com/byteengine/taskgraph/internal/scripting"
	"github.com/byteengine/taskgraph/internal/system"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// app is a fully wired scheduler with its built-in systems.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	s      *sched.Scheduler
	bus    *event.Bus
	clock  *system.Clock
	loader *system.Loader

	db    *persist.DB
	runID uuid.UUID
}

// tracing connects to the trace database, migrates it and opens a run.
func (a *app) tracing(ctx context.Context) (*persist.Recorder, *persist.TraceRepo, error) {
	db, err := persist.NewDB(ctx, a.cfg.Trace, a.log)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	a.db = db

	if _, err := persist.RunMigrations(ctx, db.Pool, a.log); err != nil {
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}

	repo := persist.NewTraceRepo(db)
	if a.cfg.Trace.RetentionRuns > 0 {
		n, err := repo.PruneRuns(ctx, a.cfg.Trace.RetentionRuns-1)
		if err != nil {
			return nil, nil, err
		}
		if n > 0 {
			a.log.Info("pruned trace runs", zap.Int64("runs", n))
		}
	}

	a.runID = uuid.New()
	if err := repo.StartRun(ctx, persist.RunRow{
		ID:        a.runID,
		StartedAt: time.Now(),
		Workers:   a.cfg.Scheduler.Workers,
		Goals:     a.cfg.Scheduler.Goals,
	}); err != nil {
		return nil, nil, err
	}
	a.log.Info("trace run started", zap.String("run_id", a.runID.String()))
	return persist.NewRecorder(a.runID, a.cfg.Trace.BatchSize), repo, nil
}

// build wires the scheduler. With trace set it also opens the trace
// database. The caller must call close.
func build(ctx context.Context, cfg *config.Config, log *zap.Logger, trace bool) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var (
		opts []sched.Option
		rec  *persist.Recorder
		repo *persist.TraceRepo
	)
	if trace && cfg.Trace.Enabled {
		var err error
		if rec, repo, err = a.tracing(ctx); err != nil {
			a.close()
			return nil, err
		}
		opts = append(opts, sched.WithTracer(rec))
	}

	a.s = sched.New(sched.Config{Workers: cfg.Scheduler.Workers}, log, opts...)
	if err := a.wire(rec, repo); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(rec *persist.Recorder, repo *persist.TraceRepo) error {
	cfg := a.cfg
	goals := cfg.Scheduler.Goals
	for _, g := range goals {
		if err := a.s.AddGoal(g); err != nil {
			return err
		}
	}
	first, last := goals[0], goals[len(goals)-1]

	a.bus = event.NewBus(a.s, a.log)
	if err := a.bus.InstallFlushTask(first); err != nil {
		return err
	}

	h, err := sched.AddSystem(a.s, system.ClockName, system.ClockSystem(first, cfg.Scheduler.FrameInterval))
	if err != nil {
		return err
	}
	if a.clock, err = coresys.GetByHandle[*system.Clock](a.s.Systems(), h); err != nil {
		return err
	}

	h, err = sched.AddSystem(a.s, system.LoaderName, system.LoaderSystem(cfg.Loader.Root, a.bus, a.log))
	if err != nil {
		return err
	}
	if a.loader, err = coresys.GetByHandle[*system.Loader](a.s.Systems(), h); err != nil {
		return err
	}
	if err := a.logResources(); err != nil {
		return err
	}

	if rec != nil {
		if _, err := sched.AddSystem(a.s, system.FlusherName,
			system.FlusherSystem(rec, repo, last, cfg.Trace.FlushEvery, cfg.Trace.FlushTimeout, a.log)); err != nil {
			return err
		}
	}

	if cfg.Scripting.Enabled {
		if err := a.scripts(); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) logResources() error {
	log := a.log.Named("assets")
	h, err := sched.StoreDynamicTask(a.s, "assets.onLoaded", func(_ sched.TaskInfo, r system.Resource) {
		if r.Err != nil {
			return
		}
		log.Info("resource ready", zap.String("resource", r.Name), zap.Int("bytes", len(r.Data)))
	}, nil)
	if err != nil {
		return err
	}
	return event.Subscribe(a.bus, system.LoaderName, system.ResourceLoaded, h)
}

func (a *app) scripts() error {
	m, err := data.LoadManifest(a.cfg.Manifest.Path)
	if err != nil {
		return err
	}
	// The engine registers itself below, so count it as known.
	known := append(a.s.Systems().Names(), scripting.SystemName)
	if err := m.Validate(a.cfg.Scheduler.Goals, known); err != nil {
		return fmt.Errorf("manifest %s: %w", a.cfg.Manifest.Path, err)
	}

	h, err := sched.AddSystem(a.s, scripting.SystemName, scripting.System(a.cfg.Scripting.Dir, a.log))
	if err != nil {
		return err
	}
	e, err := coresys.GetByHandle[*scripting.Engine](a.s.Systems(), h)
	if err != nil {
		return err
	}
	if a.cfg.Scripting.Init != "" {
		if err := e.LoadString(a.cfg.Scripting.Init); err != nil {
			return fmt.Errorf("scripting.init: %w", err)
		}
	}
	if err := e.Install(a.s, m); err != nil {
		return fmt.Errorf("manifest %s: %w", a.cfg.Manifest.Path, err)
	}
	if e.HasFunction(scripting.BudgetFunction) {
		interval := a.cfg.Scheduler.FrameInterval
		ms, err := e.Number(scripting.BudgetFunction, float64(interval)/float64(time.Millisecond))
		if err != nil {
			return err
		}
		if ms <= 0 {
			return fmt.Errorf("%s returned %v, want a positive number of milliseconds", scripting.BudgetFunction, ms)
		}
		a.clock.SetBudget(time.Duration(ms * float64(time.Millisecond)))
		a.log.Info("frame budget from script", zap.Duration("budget", a.clock.Budget()))
	}
	a.log.Info("manifest installed",
		zap.Int("goals", len(m.Goals)),
		zap.Int("systems", len(m.Systems)),
		zap.Int("tasks", len(m.Tasks)))
	return nil
}

// report logs frame timing from a free task that reads the clock.
func (a *app) report() error {
	return a.s.AddFreeDynamicTask("stats.report", func(sched.TaskInfo) {
		a.log.Info("frame stats",
			zap.Uint64("frame", a.clock.Frame()),
			zap.Duration("elapsed", a.clock.Elapsed()),
			zap.Duration("delta", a.clock.Delta()),
			zap.Int("overruns", a.clock.Overruns()),
			zap.Int("pending_loads", a.loader.Pending()))
	}, []sched.Access{sched.Reads(system.ClockName), sched.Reads(system.LoaderName)})
}

func (a *app) close() {
	if a.s != nil {
		a.s.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
