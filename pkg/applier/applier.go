// Package applier consumes the WAL and materializes tenant stores. One
// applier instance owns a set of partitions; within a partition, records
// apply strictly in order, which yields per-tenant serial application.
package applier

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/elloloop/entdb/pkg/event"
	"github.com/elloloop/entdb/pkg/store"
	"github.com/elloloop/entdb/pkg/wal"
)

// Config tunes the applier loop.
type Config struct {
	// Group names the advisory WAL checkpoint group.
	Group string
	// MaxRetryBackoff caps the transient retry interval.
	MaxRetryBackoff time.Duration
	// CommitInterval throttles advisory WAL checkpoint commits.
	CommitInterval time.Duration
}

// Metrics receives apply-path measurements. Implementations must be safe
// for concurrent use; the observability provider satisfies it.
type Metrics interface {
	RecordDeadLetter(ctx context.Context, tenant string)
	RecordApplyLag(ctx context.Context, tenant string, lag time.Duration)
}

// Applier drives WAL records through store application.
type Applier struct {
	stream     wal.Stream
	stores     *store.Manager
	deadletter *DeadLetter
	tracker    *AppliedTracker
	cfg        Config
	logger     *slog.Logger
	metrics    Metrics
}

// New creates an applier over all of the stream's partitions.
func New(stream wal.Stream, stores *store.Manager, deadletter *DeadLetter, tracker *AppliedTracker, cfg Config, logger *slog.Logger) *Applier {
	if cfg.Group == "" {
		cfg.Group = "applier"
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = 5 * time.Second
	}
	if cfg.CommitInterval == 0 {
		cfg.CommitInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{
		stream:     stream,
		stores:     stores,
		deadletter: deadletter,
		tracker:    tracker,
		cfg:        cfg,
		logger:     logger,
	}
}

// WithMetrics attaches a metrics sink and returns the applier.
func (a *Applier) WithMetrics(m Metrics) *Applier {
	a.metrics = m
	return a
}

// Tracker exposes the applied-position tracker for wait_for_applied.
func (a *Applier) Tracker() *AppliedTracker {
	return a.tracker
}

// Run consumes every partition until ctx is canceled. It returns nil on
// clean cancellation.
func (a *Applier) Run(ctx context.Context) error {
	if err := a.seedTracker(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for p := int32(0); p < a.stream.Partitions(); p++ {
		partition := p
		g.Go(func() error {
			return a.runPartition(ctx, partition)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// seedTracker publishes checkpoints of tenants already on disk so that
// wait_for_applied works before any new record arrives.
func (a *Applier) seedTracker(ctx context.Context) error {
	tenants, err := a.stores.Tenants()
	if err != nil {
		return err
	}
	for _, tenant := range tenants {
		ts, err := a.stores.Open(ctx, tenant)
		if err != nil {
			return err
		}
		if cp, ok, err := ts.Checkpoint(ctx); err != nil {
			return err
		} else if ok {
			a.tracker.Record(tenant, cp)
		}
	}
	return nil
}

// resumePosition finds where a partition's consumer should start: one past
// the highest tenant_meta checkpoint among tenants routed to it, or the
// earliest retained record when no tenant has progress there.
//
// Restarting below a tenant's checkpoint is safe: applied_events
// short-circuits replayed records. Restarting above one would lose data,
// so the minimum checkpoint wins across tenants sharing the partition.
func (a *Applier) resumePosition(ctx context.Context, partition int32) (wal.ConsumerStart, error) {
	tenants, err := a.stores.Tenants()
	if err != nil {
		return wal.ConsumerStart{}, err
	}
	var (
		found bool
		low   wal.Position
	)
	for _, tenant := range tenants {
		if wal.PartitionForKey(tenant, a.stream.Partitions()) != partition {
			continue
		}
		ts, err := a.stores.Open(ctx, tenant)
		if err != nil {
			return wal.ConsumerStart{}, err
		}
		cp, ok, err := ts.Checkpoint(ctx)
		if err != nil {
			return wal.ConsumerStart{}, err
		}
		if !ok {
			// A tenant with no checkpoint needs the partition from the top.
			return wal.ConsumerStart{Kind: wal.StartEarliest}, nil
		}
		if !found || cp.Offset < low.Offset {
			low = cp
			found = true
		}
	}
	if !found {
		return wal.ConsumerStart{Kind: wal.StartEarliest}, nil
	}
	return wal.StartAtNext(low), nil
}

func (a *Applier) runPartition(ctx context.Context, partition int32) error {
	start, err := a.resumePosition(ctx, partition)
	if err != nil {
		return err
	}
	consumer, err := a.stream.OpenConsumer(ctx, partition, start)
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	logger := a.logger.With("partition", partition)
	lastCommit := time.Now()
	for {
		rec, err := consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		pos, err := a.applyRecord(ctx, rec, logger)
		if err != nil {
			return err
		}
		if time.Since(lastCommit) >= a.cfg.CommitInterval {
			if err := a.stream.CommitCheckpoint(ctx, a.cfg.Group, pos); err != nil {
				logger.Warn("advisory checkpoint commit failed", "error", err)
			}
			lastCommit = time.Now()
		}
	}
}

// applyRecord processes one WAL record to completion. Transient store
// failures retry with capped backoff and never advance; undecodable or
// unapplicable records dead-letter and advance.
func (a *Applier) applyRecord(ctx context.Context, rec wal.Record, logger *slog.Logger) (wal.Position, error) {
	ev, err := event.Decode(rec.Value)
	if err != nil {
		logger.Error("undecodable record, dead-lettering", "position", rec.Position, "error", err)
		if dlErr := a.deadletter.Record(rec.Key, DeadLetterEntry{
			WalPosition: rec.Position,
			Reason:      "decode: " + err.Error(),
			RawBase64:   base64.StdEncoding.EncodeToString(rec.Value),
			RecordedAt:  rec.Timestamp,
		}); dlErr != nil {
			return rec.Position, dlErr
		}
		if a.metrics != nil {
			a.metrics.RecordDeadLetter(ctx, rec.Key)
		}
		return rec.Position, nil
	}

	ts, err := a.stores.Open(ctx, ev.TenantID)
	if err != nil {
		return rec.Position, err
	}

	// Records at or below the checkpoint were already applied; the
	// applied_events short-circuit inside ApplyTransaction also covers
	// coordinator-level duplicates appended at later positions.
	if cp, ok, err := ts.Checkpoint(ctx); err != nil {
		return rec.Position, err
	} else if ok && cp.Partition == rec.Position.Partition && cp.Offset >= rec.Position.Offset {
		a.tracker.Record(ev.TenantID, cp)
		return rec.Position, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = a.cfg.MaxRetryBackoff
	b.MaxElapsedTime = 0 // retry until ctx is done

	var result *store.ApplyResult
	err = backoff.Retry(func() error {
		var applyErr error
		result, applyErr = ts.ApplyTransaction(ctx, ev, rec.Position)
		if applyErr != nil {
			logger.Warn("apply failed, retrying",
				"tenant", ev.TenantID, "event_id", ev.EventID, "error", applyErr)
			return applyErr
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return rec.Position, err
	}

	switch result.Status {
	case store.StatusFailed:
		logger.Error("event rejected at apply time, dead-lettering",
			"tenant", ev.TenantID, "event_id", ev.EventID, "reason", result.FailureReason)
		if dlErr := a.deadletter.Record(ev.TenantID, DeadLetterEntry{
			WalPosition: rec.Position,
			Reason:      result.FailureReason,
			Event:       ev,
			RecordedAt:  ev.CreatedAtMs,
		}); dlErr != nil {
			return rec.Position, dlErr
		}
		if a.metrics != nil {
			a.metrics.RecordDeadLetter(ctx, ev.TenantID)
		}
	case store.StatusConflict:
		logger.Info("event resolved as conflict",
			"tenant", ev.TenantID, "event_id", ev.EventID, "op_index", result.Conflict.OpIndex)
	}

	if a.metrics != nil && ev.CreatedAtMs > 0 {
		a.metrics.RecordApplyLag(ctx, ev.TenantID, time.Since(time.UnixMilli(ev.CreatedAtMs)))
	}
	a.tracker.Record(ev.TenantID, rec.Position)
	return rec.Position, nil
}
