// Command flusherd runs the search-index flusher engine as a standalone
// daemon: it polls a [github.com/arrowgrid/searchflush/pkg/flusher.Flusher]
// for work and builds segments until stopped.
//
// In this standalone build, the transactional document database is out of
// scope (spec §6), so flusherd drives an in-memory
// [github.com/arrowgrid/searchflush/internal/fakedb] instance seeded with
// whatever tables/documents a local integration wants to exercise, rather
// than a real multi-tenant store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/arrowgrid/searchflush/internal/config"
	"github.com/arrowgrid/searchflush/internal/fakedb"
	"github.com/arrowgrid/searchflush/pkg/blobstore"
	"github.com/arrowgrid/searchflush/pkg/flusher"
	"github.com/arrowgrid/searchflush/pkg/fs"
	"github.com/arrowgrid/searchflush/pkg/segment"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "flusherd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("flusherd", flag.ContinueOnError)

	configPath := flags.StringP("config", "c", "", "path to an explicit config file")
	dataDir := flags.String("data-dir", "", "override the configured data directory")
	once := flags.Bool("once", false, "run a single poll/build cycle and exit")

	if err := flags.Parse(args); err != nil {
		return err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	overrides := config.Config{}
	if *dataDir != "" {
		overrides.DataDir = *dataDir
	}

	cfg, sources, err := config.Load(workDir, *configPath, overrides)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	logger.Info("starting flusherd",
		slog.String("data_dir", cfg.DataDir),
		slog.String("global_config", sources.Global),
		slog.String("project_config", sources.Project),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	lockPath := filepath.Join(cfg.DataDir, "flusherd.lock")

	lock, err := acquireInstanceLock(lockPath, lockTimeout)
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer lock.release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, db, err := wireEngine(cfg)
	if err != nil {
		return fmt.Errorf("wire engine: %w", err)
	}

	if *once {
		return pollOnce(ctx, logger, eng, db)
	}

	return pollLoop(ctx, logger, eng, db, cfg.PollIntervalDuration())
}

// wireEngine constructs the flusher and its collaborators: an in-memory
// fakedb, the sorted-run-file segment kind, and a filesystem-backed blob
// store, all rooted under cfg.DataDir.
func wireEngine(cfg config.Config) (
	*flusher.Flusher[segment.Document, segment.Segment, segment.NewSegment, segment.Statistics, segment.Schema, segment.DeveloperConfig, segment.Mutable],
	*fakedb.DB[segment.Document, segment.Segment, segment.DeveloperConfig],
	error,
) {
	realFS := fs.NewReal()

	blobDir := filepath.Join(cfg.DataDir, "blobs")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create blob dir: %w", err)
	}

	buildDir := filepath.Join(cfg.DataDir, "build")
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create build dir: %w", err)
	}

	store := blobstore.New(realFS, blobDir)
	db := fakedb.New[segment.Document, segment.Segment, segment.DeveloperConfig]()
	sizes := &indexSizeTracker{db: db}
	kind := segment.NewKind(realFS, sizes)
	tempDirs := segment.TempDirs{Fsys: realFS, Base: buildDir}

	flusherCfg := flusher.Config{
		IndexSizeSoftLimit:                 cfg.IndexSizeSoftLimitBytes,
		FullScanThresholdKB:                cfg.FullScanThresholdKB,
		IncrementalMultipartThresholdBytes: cfg.IncrementalMultipartThresholdBytes,
		MaxCheckpointAge:                   cfg.MaxCheckpointAge(),
		DefaultDocumentsPageSize:           cfg.DefaultDocumentsPageSize,
		VectorIndexWorkerPageSize:          cfg.VectorIndexWorkerPageSize,
	}

	eng, err := flusher.New[segment.Document, segment.Segment, segment.NewSegment, segment.Statistics, segment.Schema, segment.DeveloperConfig, segment.Mutable](
		db, kind, store, tempDirs, flusherCfg,
	)
	if err != nil {
		return nil, nil, err
	}

	return eng, db, nil
}

// indexSizeTracker answers GetIndexSizes by recomputing currently-serving
// index byte sizes from the fakedb's own index records, standing in for
// the real system's externally-maintained size cache.
type indexSizeTracker struct {
	db *fakedb.DB[segment.Document, segment.Segment, segment.DeveloperConfig]
}

func (t *indexSizeTracker) GetIndexSizes(ctx context.Context) (map[flusher.IndexID]int64, error) {
	snap, err := t.db.SnapshotAt(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("snapshot for size tracking: %w", err)
	}

	records, err := t.db.Indexes().GetAllIndexes(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("get all indexes for size tracking: %w", err)
	}

	sizes := make(map[flusher.IndexID]int64, len(records))

	for _, rec := range records {
		state := rec.IndexConfig.OnDiskState
		if state.Kind != flusher.StateSnapshottedAt {
			continue
		}

		var total int64
		for _, seg := range state.Snapshot.Data.Parts {
			total += seg.ByteSize
		}

		sizes[rec.IndexID] = total
	}

	return sizes, nil
}

func pollOnce(
	ctx context.Context,
	logger *slog.Logger,
	eng *flusher.Flusher[segment.Document, segment.Segment, segment.NewSegment, segment.Statistics, segment.Schema, segment.DeveloperConfig, segment.Mutable],
	db *fakedb.DB[segment.Document, segment.Segment, segment.DeveloperConfig],
) error {
	jobs, _, err := eng.NeedsBackfill(ctx)
	if err != nil {
		return fmt.Errorf("needs backfill: %w", err)
	}

	logger.Info("scan complete", slog.Int("jobs", len(jobs)))

	for _, job := range jobs {
		if err := runJob(ctx, logger, eng, db, job); err != nil {
			return err
		}
	}

	return nil
}

func pollLoop(
	ctx context.Context,
	logger *slog.Logger,
	eng *flusher.Flusher[segment.Document, segment.Segment, segment.NewSegment, segment.Statistics, segment.Schema, segment.DeveloperConfig, segment.Mutable],
	db *fakedb.DB[segment.Document, segment.Segment, segment.DeveloperConfig],
	interval time.Duration,
) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			if err := pollOnce(ctx, logger, eng, db); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}

				logger.Error("poll cycle failed", slog.Any("error", err))
			}
		}
	}
}

func runJob(
	ctx context.Context,
	logger *slog.Logger,
	eng *flusher.Flusher[segment.Document, segment.Segment, segment.NewSegment, segment.Statistics, segment.Schema, segment.DeveloperConfig, segment.Mutable],
	db *fakedb.DB[segment.Document, segment.Segment, segment.DeveloperConfig],
	job flusher.IndexBuild[segment.Segment, segment.DeveloperConfig],
) error {
	logger.Info("building",
		slog.String("index", string(job.IndexName)),
		slog.String("reason", job.BuildReason.String()),
	)

	result, err := eng.BuildMultipartSegment(ctx, job)
	if err != nil {
		logger.Error("build failed", slog.String("index", string(job.IndexName)), slog.Any("error", err))

		return fmt.Errorf("build %s: %w", job.IndexName, err)
	}

	if err := fakedb.ApplyBuildResult(db, job.IndexID, result); err != nil {
		return fmt.Errorf("apply build result for %s: %w", job.IndexName, err)
	}

	logger.Info("build committed",
		slog.String("index", string(job.IndexName)),
		slog.Int64("total_postings", result.TotalStats.PostingCount),
		slog.Int64("total_bytes", result.TotalStats.ByteSize),
	)

	return nil
}
