// Package recovery rebuilds a tenant store from the latest usable
// snapshot plus archived and live WAL history. Apply goes through the
// same code path as steady-state application, so a rebuilt store is
// byte-identical to one that never failed.
package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/elloloop/entdb/pkg/archive"
	"github.com/elloloop/entdb/pkg/event"
	"github.com/elloloop/entdb/pkg/objstore"
	"github.com/elloloop/entdb/pkg/schema"
	"github.com/elloloop/entdb/pkg/snapshot"
	"github.com/elloloop/entdb/pkg/store"
	"github.com/elloloop/entdb/pkg/wal"
)

// ErrNoSnapshot means no usable snapshot exists; the rebuild must start
// from the beginning of retained history.
var ErrNoSnapshot = errors.New("recovery: no usable snapshot")

// Recovery orchestrates tenant store rebuilds.
type Recovery struct {
	reg     *schema.Registry
	stream  wal.Stream
	stores  *store.Manager
	objects objstore.Store
	dataDir string
	logger  *slog.Logger
}

// New creates a recovery runner. dataDir must match the store manager's.
func New(reg *schema.Registry, stream wal.Stream, stores *store.Manager, objects objstore.Store, dataDir string, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		reg:     reg,
		stream:  stream,
		stores:  stores,
		objects: objects,
		dataDir: dataDir,
		logger:  logger,
	}
}

// Restore rebuilds the tenant's store up to target. A nil target means
// everything currently in the WAL. The tenant's live store is replaced.
func (r *Recovery) Restore(ctx context.Context, tenant string, target *wal.Position) error {
	logger := r.logger.With("tenant", tenant)

	manifest, err := r.pickManifest(ctx, tenant, target)
	if err != nil && !errors.Is(err, ErrNoSnapshot) {
		return err
	}

	if err := r.stores.Evict(tenant); err != nil {
		return fmt.Errorf("failed to close live store: %w", err)
	}
	tenantDir := filepath.Join(r.dataDir, tenant)
	if err := os.RemoveAll(tenantDir); err != nil {
		return fmt.Errorf("failed to clear store dir: %w", err)
	}

	var resume *wal.Position
	if manifest != nil {
		if err := r.download(ctx, tenant, manifest, tenantDir); err != nil {
			return err
		}
		resume = &manifest.WalPosition
		logger.Info("restored snapshot", "position", manifest.WalPosition.String())
	} else {
		logger.Info("no snapshot found, replaying full history")
	}

	ts, err := r.stores.Open(ctx, tenant)
	if err != nil {
		return fmt.Errorf("failed to reopen store: %w", err)
	}
	if manifest != nil {
		cp, ok, err := ts.Checkpoint(ctx)
		if err != nil {
			return err
		}
		if !ok || cp != manifest.WalPosition {
			return fmt.Errorf("restored store checkpoint %v does not match manifest %v", cp, manifest.WalPosition)
		}
	}

	partition := wal.PartitionForKey(tenant, r.stream.Partitions())
	applied, err := r.replayArchive(ctx, ts, tenant, partition, resume, target)
	if err != nil {
		return err
	}
	if applied != nil {
		resume = applied
	}
	if err := r.replayLive(ctx, ts, tenant, partition, resume, target); err != nil {
		return err
	}

	cp, ok, err := ts.Checkpoint(ctx)
	if err != nil {
		return err
	}
	if ok {
		logger.Info("rebuild complete", "position", cp.String())
	} else {
		logger.Info("rebuild complete, no history for tenant")
	}
	return nil
}

// pickManifest selects the newest snapshot at or below target whose
// schema fingerprint matches the live registry.
func (r *Recovery) pickManifest(ctx context.Context, tenant string, target *wal.Position) (*snapshot.Manifest, error) {
	manifests, err := snapshot.ListManifests(ctx, r.objects, tenant)
	if err != nil {
		return nil, err
	}
	fingerprint, err := r.reg.Fingerprint()
	if err != nil {
		return nil, err
	}
	want := hex.EncodeToString(fingerprint[:])
	for i := len(manifests) - 1; i >= 0; i-- {
		m := manifests[i]
		if target != nil && m.WalPosition.Offset > target.Offset {
			continue
		}
		if m.SchemaFingerprint != want {
			return nil, fmt.Errorf("snapshot at %s carries schema fingerprint %s, live registry has %s",
				m.WalPosition.String(), m.SchemaFingerprint, want)
		}
		return m, nil
	}
	return nil, ErrNoSnapshot
}

// download fetches and verifies every snapshot file into destDir.
func (r *Recovery) download(ctx context.Context, tenant string, m *snapshot.Manifest, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create store dir: %w", err)
	}
	dir := fmt.Sprintf("snapshots/%s/%016d/", tenant, m.WalPosition.Offset)
	for _, f := range m.Files {
		data, err := r.objects.Get(ctx, dir+f.Name)
		if err != nil {
			return fmt.Errorf("failed to fetch snapshot file %s: %w", f.Name, err)
		}
		digest := sha256.Sum256(data)
		if hex.EncodeToString(digest[:]) != f.SHA256 {
			return fmt.Errorf("snapshot file %s failed checksum verification", f.Name)
		}
		if int64(len(data)) != f.Size {
			return fmt.Errorf("snapshot file %s is %d bytes, manifest says %d", f.Name, len(data), f.Size)
		}
		if err := os.WriteFile(filepath.Join(destDir, f.Name), data, 0o644); err != nil {
			return fmt.Errorf("failed to write snapshot file %s: %w", f.Name, err)
		}
	}
	return nil
}

// replayArchive applies archived events after resume and returns the last
// position applied from the archive, if any.
func (r *Recovery) replayArchive(ctx context.Context, ts *store.TenantStore, tenant string, partition int32, resume, target *wal.Position) (*wal.Position, error) {
	reader := archive.NewReader(r.objects)
	var last *wal.Position
	err := reader.Replay(ctx, tenant, partition, resume, target, func(e archive.Entry) error {
		if _, err := ts.ApplyTransaction(ctx, e.Event, e.Position); err != nil {
			return fmt.Errorf("replay failed at %s: %w", e.Position.String(), err)
		}
		pos := e.Position
		last = &pos
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// replayLive consumes the WAL from resume until target, or until the
// partition's current latest position when target is nil.
func (r *Recovery) replayLive(ctx context.Context, ts *store.TenantStore, tenant string, partition int32, resume, target *wal.Position) error {
	var stopOffset int64
	if target != nil {
		stopOffset = target.Offset
	} else {
		// LatestPosition reports the next offset to be written, so the
		// last existing record sits one below it.
		latest, err := r.stream.LatestPosition(ctx, partition)
		if err != nil {
			return err
		}
		stopOffset = latest.Offset - 1
		if stopOffset < 0 {
			return nil
		}
	}
	if resume != nil && resume.Offset >= stopOffset {
		return nil
	}

	start := wal.ConsumerStart{Kind: wal.StartEarliest}
	if resume != nil {
		start = wal.StartAtNext(*resume)
	}
	consumer, err := r.stream.OpenConsumer(ctx, partition, start)
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	for {
		rec, err := consumer.Next(ctx)
		if err != nil {
			return err
		}
		if rec.Position.Offset > stopOffset {
			return nil
		}
		if rec.Key == tenant {
			ev, err := event.Decode(rec.Value)
			if err != nil {
				// Poison records are the applier's problem; a rebuild
				// skips them the same way.
				r.logger.Warn("skipping undecodable record during rebuild",
					"tenant", tenant, "position", rec.Position)
			} else if _, err := ts.ApplyTransaction(ctx, ev, rec.Position); err != nil {
				return fmt.Errorf("replay failed at %s: %w", rec.Position.String(), err)
			}
		}
		if rec.Position.Offset == stopOffset {
			return nil
		}
	}
}
