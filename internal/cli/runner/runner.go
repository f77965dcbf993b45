package runner

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/utxo-ingest/internal/config"
	"github.com/withObsrvr/utxo-ingest/pkg/checkpoint"
	"github.com/withObsrvr/utxo-ingest/pkg/client"
	"github.com/withObsrvr/utxo-ingest/pkg/fetcher"
	"github.com/withObsrvr/utxo-ingest/pkg/pipeline"
	"github.com/withObsrvr/utxo-ingest/pkg/reconcile"
	"github.com/withObsrvr/utxo-ingest/pkg/scan"
	"github.com/withObsrvr/utxo-ingest/pkg/sink"
	"github.com/withObsrvr/utxo-ingest/pkg/writer"
)

type Options struct {
	Mode   checkpoint.Mode
	Config *config.Config
	// FreshStart ignores any checkpoint and resets the output. Set when a
	// start id is given explicitly.
	FreshStart bool
}

// Summary reports the outcome of a run.
type Summary struct {
	RunID          string
	TotalProcessed uint64
	LastID         uint64
	Backfilled     uint64
	Unresolved     uint64
	Duplicates     uint64
	PageFailures   uint64
	Requests       uint64
	RateLimited    uint64
	PeakInFlight   int64
	Resumed        bool
}

type Runner struct {
	opts   Options
	runID  string
	logger *logrus.Entry
}

func New(opts Options) *Runner {
	runID := uuid.New().String()
	return &Runner{
		opts:  opts,
		runID: runID,
		logger: logrus.WithFields(logrus.Fields{
			"run_id": runID,
			"mode":   opts.Mode,
		}),
	}
}

// RunID identifies this run in logs and checkpoints.
func (r *Runner) RunID() string { return r.runID }

// Run wires the configured components and drives them to completion.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	cfg := r.opts.Config
	if cfg == nil {
		return nil, errors.New("runner requires a config")
	}
	if err := cfg.Validate(r.opts.Mode); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	c, err := r.newClient(cfg)
	if err != nil {
		return nil, err
	}

	hash := checkpoint.ConfigHash(cfg.Fingerprint(r.opts.Mode))
	store, closeStore, err := r.openStore(ctx, cfg, hash)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	primary, err := sink.NewCSV(cfg.Output, cfg.SyncOutput)
	if err != nil {
		return nil, err
	}
	mirrors, err := sink.Build(ctx, cfg.Sinks)
	if err != nil {
		primary.Close()
		return nil, err
	}

	var (
		f   *fetcher.Fetcher
		rec *reconcile.Reconciler
	)
	w := writer.New(primary, store, writer.Options{
		Mode:               r.opts.Mode,
		RunID:              r.runID,
		BufferSize:         cfg.Writer.BufferSize,
		CheckpointInterval: cfg.Writer.CheckpointInterval,
		Mirrors:            mirrors,
		Ranges:             func() []checkpoint.Range { return f.Ranges() },
		Stats: func() checkpoint.Stats {
			s := rec.Stats()
			return checkpoint.Stats{Backfilled: s.Backfilled, Unresolved: s.Unresolved}
		},
		Logger: r.logger.WithField("component", "writer"),
	})

	var cp *checkpoint.Checkpoint
	if r.opts.FreshStart {
		err = w.Reset()
	} else {
		cp, err = w.Recover(ctx)
	}
	if err != nil {
		w.Abort()
		return nil, err
	}

	var (
		src      pipeline.BatchSource
		floor    uint64
		hasFloor bool
	)
	switch r.opts.Mode {
	case checkpoint.ModeBulk:
		f, err = fetcher.New(c, fetcher.Options{
			StartID:         cfg.StartID,
			MaxID:           cfg.MaxID,
			RangeSize:       cfg.Fetch.RangeSize,
			PageSize:        cfg.Fetch.PageSize,
			ContinueOnError: cfg.ContinueOnError,
			Interval:        cfg.Fetch.Interval,
			Logger:          r.logger.WithField("component", "fetcher"),
		}, cp)
		if err == nil {
			floor, hasFloor = f.Low()-1, true
			src = f
		}
	default:
		floor, hasFloor = r.scanFloor(cfg, cp)
		var fs *scan.FileSource
		fs, err = scan.NewFileSource(cfg.Input, cfg.Reconcile.BatchSize, floor)
		if err == nil {
			defer fs.Close()
			src = fs
		}
	}
	if err != nil {
		w.Abort()
		return nil, err
	}

	rec = reconcile.New(c, reconcile.Options{
		Floor:       floor,
		HasFloor:    hasFloor,
		MaxInFlight: int(cfg.Client.MaxConcurrent),
		Logger:      r.logger.WithField("component", "reconciler"),
	})

	stats := pipeline.NewStats(r.runID)
	engine := pipeline.New(src, rec, w, pipeline.Options{
		CommitEveryBatch: r.opts.Mode == checkpoint.ModeBulk,
		MaxRecords:       cfg.MaxRecords,
		ProgressInterval: cfg.ProgressInterval,
		Stats:            stats,
		Logger:           r.logger.WithField("component", "pipeline"),
	})

	r.logger.WithFields(logrus.Fields{
		"sources": len(cfg.Sources),
		"output":  cfg.Output,
		"mirrors": len(mirrors),
		"resumed": cp != nil,
	}).Info("Starting ingestion")

	runErr := engine.Run(ctx)

	rs := rec.Stats()
	cs := c.Stats()
	summary := &Summary{
		RunID:          r.runID,
		TotalProcessed: w.Total(),
		LastID:         w.Watermark(),
		Backfilled:     rs.Backfilled,
		Unresolved:     rs.Unresolved,
		Duplicates:     w.Duplicates(),
		PageFailures:   cs.PageFailures,
		Requests:       cs.Requests,
		RateLimited:    cs.RateLimited,
		PeakInFlight:   cs.PeakInFlight,
		Resumed:        cp != nil,
	}
	return summary, runErr
}

func (r *Runner) newClient(cfg *config.Config) (*client.Client, error) {
	return client.New(client.Options{
		Endpoints:         cfg.Sources,
		Code:              cfg.Code,
		Scope:             cfg.Scope,
		Table:             cfg.Table,
		MaxConcurrent:     cfg.Client.MaxConcurrent,
		RateLimit:         cfg.Client.RateLimit,
		MaxRetries:        cfg.Client.MaxRetries,
		PointRetries:      cfg.Client.PointRetries,
		InitialDelay:      cfg.Client.InitialDelay,
		MaxDelay:          cfg.Client.MaxDelay,
		RequestTimeout:    cfg.Client.RequestTimeout,
		DefaultRetryAfter: cfg.Client.RetryAfter,
		MaxRateLimitWaits: cfg.Client.MaxRateLimitWaits,
		Logger:            r.logger.WithField("component", "client"),
	})
}

func (r *Runner) openStore(ctx context.Context, cfg *config.Config, hash string) (checkpoint.Store, func(), error) {
	switch strings.ToLower(cfg.Checkpoint.Type) {
	case "redis":
		rc, err := checkpoint.Dial(ctx, cfg.Checkpoint.Redis.Address, cfg.Checkpoint.Redis.Password, cfg.Checkpoint.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := rc.Close(); err != nil {
				r.logger.WithError(err).Warn("Failed to close redis client")
			}
		}
		return checkpoint.NewRedisStore(rc, cfg.Checkpoint.Redis.KeyPrefix, hash), closeFn, nil
	default:
		store, err := checkpoint.NewFileStore(cfg.Checkpoint.Path, hash)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

// scanFloor is the last id already in the output for a reconcile run. A
// fresh run without a start id has none and starts its first span at the
// first scanned id.
func (r *Runner) scanFloor(cfg *config.Config, cp *checkpoint.Checkpoint) (uint64, bool) {
	switch {
	case cp != nil:
		return cp.LastProcessedID, cp.LastProcessedID > 0
	case r.opts.FreshStart && cfg.StartID > 0:
		return cfg.StartID - 1, true
	default:
		return 0, false
	}
}
