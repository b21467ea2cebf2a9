package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/telemigrate/pkg/checkpoint"
	"github.com/nicktill/telemigrate/pkg/config"
	"github.com/nicktill/telemigrate/pkg/extract"
	"github.com/nicktill/telemigrate/pkg/influx"
	"github.com/nicktill/telemigrate/pkg/logging"
	"github.com/nicktill/telemigrate/pkg/pipeline"
	"github.com/nicktill/telemigrate/pkg/progress"
	"github.com/nicktill/telemigrate/pkg/resample"
	"github.com/nicktill/telemigrate/pkg/schema"
	"github.com/nicktill/telemigrate/pkg/scope"
	"github.com/nicktill/telemigrate/pkg/server"
	"github.com/nicktill/telemigrate/pkg/server/monitor"
	"github.com/nicktill/telemigrate/pkg/snapshot"
	"github.com/nicktill/telemigrate/pkg/storage"
	storagebadger "github.com/nicktill/telemigrate/pkg/storage/badger"
	"github.com/nicktill/telemigrate/pkg/synth"
	"github.com/nicktill/telemigrate/pkg/telemetry"
	"github.com/nicktill/telemigrate/pkg/writeback"
)

type flags struct {
	config    string
	spoof     bool
	synthetic bool
	capture   string
	reset     bool
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	var f flags
	flag.StringVar(&f.config, "config", "", "path to a TOML config file")
	flag.BoolVar(&f.spoof, "spoof", false, "seed the source store with synthetic raw samples before migrating")
	flag.BoolVar(&f.synthetic, "synthetic", false, "extract from the synthetic generator instead of the source store")
	flag.StringVar(&f.capture, "capture", "", "write the snapshot group over the window to this file and exit")
	flag.BoolVar(&f.reset, "reset", false, "forget the stored checkpoints of the planned jobs before running")
	flag.Parse()

	cfg, err := config.Load(f.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemigrate: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemigrate: %v\n", err)
		return 1
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, f, logger); err != nil {
		logger.Error("migration failed", zap.Error(err))
		return 1
	}
	logger.Info("migration complete")
	return 0
}

func run(ctx context.Context, cfg config.Config, f flags, logger *zap.Logger) error {
	s, err := loadSchema(cfg)
	if err != nil {
		return err
	}
	w, err := cfg.Window(time.Now())
	if err != nil {
		return err
	}

	logger.Info("starting telemigrate",
		zap.String("site", w.Site),
		zap.String("window", w.String()),
		zap.String("schema", s.Version),
		zap.String("destination", cfg.Destination.Kind),
		zap.Bool("synthetic", f.synthetic))

	client, err := influx.New(influx.Config{
		URL:          cfg.Source.URL,
		Username:     cfg.Source.Username,
		Password:     cfg.Source.Password,
		QueryTimeout: cfg.Source.QueryTimeout,
		WriteTimeout: cfg.Source.WriteTimeout,
	}, logger.Named("influx"))
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}

	var (
		source extract.Source
		copier pipeline.Copier
	)
	if f.synthetic {
		source = synth.New(synth.DefaultCadence)
	} else {
		adapter := extract.NewAdapter(client, s.TagKey, cfg.GridSeconds(), logger.Named("extract"))
		source, copier = adapter, adapter
	}

	if f.capture != "" {
		if f.spoof {
			if err := spoof(ctx, client, w, s, logger); err != nil {
				return err
			}
		}
		return capture(ctx, source, w, s, f.capture, logger)
	}

	var snap *snapshot.Snapshot
	if cfg.Migration.Snapshot != "" {
		if snap, err = snapshot.LoadFile(cfg.Migration.Snapshot); err != nil {
			return err
		}
		last, _ := snap.Last()
		meta := snap.Metadata()
		logger.Info("loaded snapshot",
			zap.String("path", cfg.Migration.Snapshot),
			zap.Int("rows", snap.Frame().Len()),
			zap.Int64("last", last),
			zap.String("captured_site", meta.Site),
			zap.Time("saved_at", meta.SavedAt))
		if meta.Site != "" && meta.Site != w.Site {
			logger.Warn("snapshot was captured for another site",
				zap.String("snapshot_site", meta.Site),
				zap.String("site", w.Site))
		}
	}

	plan, err := pipeline.ParsePlan(cfg.Migration.Jobs, s)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	store, err := checkpoint.Open(checkpoint.Config{
		Path:        cfg.State.Dir,
		MaxMemoryMB: cfg.State.MaxMemoryMB,
		Logger:      logger.Named("checkpoint"),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	var (
		sink      writeback.PointWriter = client
		localSink storage.Storage
		sinkDir   string
	)
	if cfg.Destination.Kind == config.DestinationBadger {
		if err := os.MkdirAll(cfg.Destination.Path, 0o755); err != nil {
			return fmt.Errorf("failed to create sink directory: %w", err)
		}
		local, err := storagebadger.New(storagebadger.Config{
			Path:        cfg.Destination.Path,
			MaxMemoryMB: cfg.State.MaxMemoryMB,
			Logger:      logger.Named("sink"),
		})
		if err != nil {
			return err
		}
		defer local.Close()
		sink, localSink, sinkDir = local, local, cfg.Destination.Path
	}

	runCfg := pipeline.Config{
		Grid:           resample.NewGrid(cfg.GridSeconds()),
		Resume:         cfg.Migration.Resume,
		Seed:           cfg.SOC.Seed,
		SOCBackfill:    cfg.SOC.Backfill,
		SOCMeasurement: cfg.SOC.Measurement,
	}
	if cfg.SOC.Start != "" || cfg.SOC.End != "" {
		if runCfg.SOCWindow, err = cfg.SOCWindow(time.Now()); err != nil {
			return err
		}
	}

	opts := []writeback.Option{writeback.WithLogger(logger.Named("writeback"))}
	if cfg.Migration.BatchSize > 0 {
		opts = append(opts, writeback.WithBatchSize(cfg.Migration.BatchSize))
	}

	metrics := telemetry.New()
	hub := progress.NewHub(logger.Named("progress"))
	runMonitor := &monitor.RunMonitor{}

	runner, err := pipeline.New(s, runCfg, pipeline.Deps{
		Source:      source,
		Copier:      copier,
		Snapshot:    snap,
		Writer:      writeback.New(sink, opts...),
		Checkpoints: store,
		Metrics:     metrics,
		Progress:    hub,
		Monitor:     runMonitor,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	if f.reset {
		if err := runner.ResetCheckpoints(w.Site, plan); err != nil {
			return err
		}
	}
	// Configuration errors surface before the store is touched
	if err := runner.Preflight(w, plan); err != nil {
		return err
	}
	if f.spoof {
		if err := spoof(ctx, client, w, s, logger); err != nil {
			return err
		}
	}

	bgCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		server.RunBadgerGC(bgCtx, "checkpoint", store, config.BadgerGCInterval, logger)
	}()
	if gc, ok := localSink.(server.GarbageCollector); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.RunBadgerGC(bgCtx, "sink", gc, config.BadgerGCInterval, logger)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(bgCtx)
	}()

	if cfg.Status.Listen != "" {
		srv := server.New(server.Options{
			Addr:     cfg.Status.Listen,
			Site:     w.Site,
			Runs:     store,
			Monitor:  runMonitor,
			Disk:     monitor.NewDiskMonitor(config.DiskUsageCacheTTL, cfg.State.Dir, sinkDir),
			Progress: hub,
			Metrics:  metrics.Handler(),
			Sink:     localSink,
			Logger:   logger.Named("status"),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(bgCtx); err != nil {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
	}

	result, err := runner.Run(ctx, w, plan)
	if err != nil {
		return fmt.Errorf("run %s: %w", result.ID, err)
	}
	logger.Info("run finished",
		zap.String("run_id", result.ID),
		zap.Int("jobs", len(result.Jobs)),
		zap.Int64("written", result.Written()))
	return nil
}

func loadSchema(cfg config.Config) (*schema.Schema, error) {
	reg := schema.Default()
	if cfg.Migration.SchemaFile != "" {
		var err error
		if reg, err = schema.LoadFile(cfg.Migration.SchemaFile); err != nil {
			return nil, err
		}
	}
	version := cfg.Migration.Schema
	if version == "" {
		version = schema.DefaultVersion
	}
	return reg.Get(version)
}

// spoof fills the source measurements with raw samples so the plan can run
// end to end against a scratch store
func spoof(ctx context.Context, client *influx.Client, w scope.Window, s *schema.Schema, logger *zap.Logger) error {
	created := make(map[string]bool)
	for _, g := range s.Groups {
		if created[g.Source.Database] {
			continue
		}
		if err := client.CreateDatabase(ctx, g.Source.Database); err != nil {
			return err
		}
		created[g.Source.Database] = true
	}
	if err := client.CreateDatabase(ctx, s.Destination.Database); err != nil {
		return err
	}

	results, err := synth.New(synth.RawCadence).Seed(ctx, client, w, s)
	for _, r := range results {
		logger.Info("seeded source group", zap.String("group", r.Group), zap.Int("points", r.Points))
	}
	return err
}

// capture saves the snapshot group over w so later runs can backfill from
// the file instead of the source store
func capture(ctx context.Context, src extract.Source, w scope.Window, s *schema.Schema, path string, logger *zap.Logger) error {
	g, ok := s.Group(config.DefaultSnapshotGroup)
	if !ok {
		return errors.New("schema has no " + config.DefaultSnapshotGroup + " group to capture")
	}
	f, err := src.Extract(ctx, w, g)
	if err != nil {
		return err
	}
	res, err := snapshot.SaveFile(path, f, w)
	if err != nil {
		return err
	}
	logger.Info("captured snapshot",
		zap.String("path", path),
		zap.String("group", g.Name),
		zap.Int("rows", res.Rows))
	return nil
}
