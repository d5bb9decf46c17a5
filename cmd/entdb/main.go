// Command entdb runs the event-sourced graph database: coordinator,
// applier, archiver, snapshotter, and the HTTP API in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elloloop/entdb/pkg/applier"
	"github.com/elloloop/entdb/pkg/archive"
	"github.com/elloloop/entdb/pkg/config"
	"github.com/elloloop/entdb/pkg/coordinator"
	"github.com/elloloop/entdb/pkg/objstore"
	"github.com/elloloop/entdb/pkg/observability"
	"github.com/elloloop/entdb/pkg/recovery"
	"github.com/elloloop/entdb/pkg/schema"
	"github.com/elloloop/entdb/pkg/server"
	"github.com/elloloop/entdb/pkg/snapshot"
	"github.com/elloloop/entdb/pkg/store"
	"github.com/elloloop/entdb/pkg/wal"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(args[1:], stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stderr)
	case "restore":
		return runRestore(args[2:], stdout, stderr)
	case "snapshot":
		return runSnapshot(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return runServe(args[1:], stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: entdb [command] [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve               run the server (default)")
	fmt.Fprintln(w, "  restore <tenant>    rebuild a tenant store from snapshot + WAL")
	fmt.Fprintln(w, "  snapshot [tenant]   snapshot one tenant, or all")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>      YAML config file (ENTDB_* env vars override)")
}

// deps is the wired object graph shared by the subcommands.
type deps struct {
	cfg     *config.Config
	logger  *slog.Logger
	reg     *schema.Registry
	stream  wal.Stream
	stores  *store.Manager
	objects objstore.Store
}

func wire(ctx context.Context, configPath string) (*deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	reg, err := schema.LoadFile(cfg.Registry.SchemaModule)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	stores, err := store.NewManager(cfg.Store.DataDir, reg, logger)
	if err != nil {
		return nil, err
	}
	stream, err := newStream(ctx, cfg)
	if err != nil {
		return nil, err
	}
	objects, err := objstore.New(ctx, objstore.Config{
		Backend: objstore.Backend(cfg.Objects.Backend),
		Dir:     cfg.Objects.Dir,
		S3: objstore.S3Config{
			Bucket:   cfg.Objects.Bucket,
			Region:   cfg.Objects.Region,
			Endpoint: cfg.Objects.Endpoint,
			Prefix:   cfg.Objects.Prefix,
		},
		GCS: objstore.GCSConfig{
			Bucket: cfg.Objects.Bucket,
			Prefix: cfg.Objects.Prefix,
		},
	})
	if err != nil {
		return nil, err
	}
	return &deps{
		cfg:     cfg,
		logger:  logger,
		reg:     reg,
		stream:  stream,
		stores:  stores,
		objects: objects,
	}, nil
}

func (d *deps) close() {
	_ = d.stream.Close()
	_ = d.stores.Close()
	_ = d.objects.Close()
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lv = slog.LevelDebug
	case "WARN":
		lv = slog.LevelWarn
	case "ERROR":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

func newStream(ctx context.Context, cfg *config.Config) (wal.Stream, error) {
	switch cfg.WAL.Backend {
	case "memory":
		return wal.NewMemoryStream(cfg.WAL.Partitions, cfg.WAL.MaxRecordBytes), nil
	case "kafka":
		return wal.NewKafkaStream(wal.KafkaConfig{
			Brokers:        cfg.WAL.Brokers,
			Topic:          cfg.WAL.Topic,
			Partitions:     cfg.WAL.Partitions,
			MaxRecordBytes: cfg.WAL.MaxRecordBytes,
			BatchTimeout:   time.Duration(cfg.WAL.BatchLingerMs) * time.Millisecond,
		})
	case "kinesis":
		return wal.NewKinesisStream(ctx, wal.KinesisConfig{
			StreamName:     cfg.WAL.StreamName,
			Region:         cfg.WAL.Region,
			MaxRecordBytes: cfg.WAL.MaxRecordBytes,
		})
	default:
		return nil, fmt.Errorf("unsupported wal backend: %s", cfg.WAL.Backend)
	}
}

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := wire(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer d.close()
	cfg := d.cfg

	ocfg := observability.DefaultConfig()
	ocfg.Enabled = cfg.Telemetry.Enabled
	ocfg.Insecure = cfg.Telemetry.Insecure
	if cfg.Telemetry.OTLPEndpoint != "" {
		ocfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.SampleRate > 0 {
		ocfg.SampleRate = cfg.Telemetry.SampleRate
	}
	telemetry, err := observability.New(ctx, ocfg)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	deadletter, err := applier.NewDeadLetter(cfg.Apply.DeadletterDir)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	tracker := applier.NewAppliedTracker()
	app := applier.New(d.stream, d.stores, deadletter, tracker, applier.Config{
		MaxRetryBackoff: time.Duration(cfg.Apply.MaxRetryBackoffMs) * time.Millisecond,
	}, d.logger).WithMetrics(telemetry)

	var inflight coordinator.InflightCache
	if cfg.Inflight.RedisAddr != "" {
		inflight = coordinator.NewRedisInflightCache(cfg.Inflight.RedisAddr,
			time.Duration(cfg.Inflight.TTLMs)*time.Millisecond)
	} else {
		inflight = coordinator.NewMemoryInflightCache(time.Duration(cfg.Inflight.TTLMs) * time.Millisecond)
	}
	defer func() { _ = inflight.Close() }()
	coord := coordinator.New(d.reg, d.stream, d.stores, inflight, tracker, coordinator.Config{
		MaxRecordBytes:  cfg.WAL.MaxRecordBytes,
		DefaultDeadline: time.Duration(cfg.DeadlineDefaultMs) * time.Millisecond,
	}, d.logger).WithMetrics(telemetry)

	srv := server.New(coord, d.stores, d.reg, server.Config{Addr: ":" + cfg.Port}, d.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Run(ctx) })
	if cfg.Archive.Enabled {
		arch := archive.New(d.stream, d.objects, archive.Config{
			SegmentBytes:   cfg.Archive.SegmentBytes,
			SegmentSeconds: cfg.Archive.SegmentSeconds,
		}, d.logger)
		g.Go(func() error { return arch.Run(ctx) })
	}
	if cfg.Snapshot.Enabled {
		snap := snapshot.New(d.stores, d.objects, snapshot.Config{
			Interval:      time.Duration(cfg.Snapshot.IntervalHours) * time.Hour,
			MaxConcurrent: int64(cfg.Snapshot.MaxConcurrent),
			RetentionDays: cfg.Snapshot.RetentionDays,
		}, d.logger)
		g.Go(func() error { return snap.Run(ctx) })
	}
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "server failed: %v\n", err)
		return 1
	}
	d.logger.Info("shutdown complete")
	return 0
}

func runRestore(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file")
	targetOffset := fs.Int64("target-offset", -1, "stop replay at this WAL offset (default: latest)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: entdb restore [flags] <tenant>")
		return 2
	}
	tenant := fs.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	d, err := wire(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer d.close()

	var target *wal.Position
	if *targetOffset >= 0 {
		target = &wal.Position{
			Partition: wal.PartitionForKey(tenant, d.stream.Partitions()),
			Offset:    *targetOffset,
		}
	}
	rec := recovery.New(d.reg, d.stream, d.stores, d.objects, d.cfg.Store.DataDir, d.logger)
	if err := rec.Restore(ctx, tenant, target); err != nil {
		fmt.Fprintf(stderr, "restore failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "restored tenant %s\n", tenant)
	return 0
}

func runSnapshot(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	d, err := wire(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer d.close()

	snap := snapshot.New(d.stores, d.objects, snapshot.Config{
		MaxConcurrent: int64(d.cfg.Snapshot.MaxConcurrent),
		RetentionDays: d.cfg.Snapshot.RetentionDays,
	}, d.logger)
	if fs.NArg() == 1 {
		m, err := snap.SnapshotTenant(ctx, fs.Arg(0))
		if err != nil {
			fmt.Fprintf(stderr, "snapshot failed: %v\n", err)
			return 1
		}
		if m == nil {
			fmt.Fprintf(stdout, "tenant %s has no applied history, skipped\n", fs.Arg(0))
			return 0
		}
		fmt.Fprintf(stdout, "snapshot of %s at %s uploaded\n", m.TenantID, m.WalPosition.String())
		return 0
	}
	if err := snap.SnapshotAll(ctx); err != nil {
		fmt.Fprintf(stderr, "snapshot failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "snapshots uploaded")
	return 0
}
