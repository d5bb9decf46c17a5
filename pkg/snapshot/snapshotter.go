// Package snapshot periodically uploads consistent per-tenant store
// backups to object storage so recovery never replays the full history.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/elloloop/entdb/pkg/objstore"
	"github.com/elloloop/entdb/pkg/store"
	"github.com/elloloop/entdb/pkg/wal"
)

// Config tunes the snapshot schedule.
type Config struct {
	// Interval between snapshot rounds.
	Interval time.Duration
	// MaxConcurrent caps tenants snapshotting at once.
	MaxConcurrent int64
	// RetentionDays prunes snapshots older than this; 0 keeps everything.
	RetentionDays int
	// WorkDir holds temporary backup files.
	WorkDir string
}

// Snapshotter runs the snapshot schedule over all tenants.
type Snapshotter struct {
	stores  *store.Manager
	objects objstore.Store
	cfg     Config
	logger  *slog.Logger
}

// New creates a snapshotter.
func New(stores *store.Manager, objects objstore.Store, cfg Config, logger *slog.Logger) *Snapshotter {
	if cfg.Interval == 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{stores: stores, objects: objects, cfg: cfg, logger: logger}
}

// Run snapshots every tenant on the configured interval until ctx is done.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.SnapshotAll(ctx); err != nil {
				s.logger.Error("snapshot round failed", "error", err)
			}
		}
	}
}

// SnapshotAll snapshots every tenant, bounded by MaxConcurrent.
func (s *Snapshotter) SnapshotAll(ctx context.Context) error {
	tenants, err := s.stores.Tenants()
	if err != nil {
		return err
	}
	sem := semaphore.NewWeighted(s.cfg.MaxConcurrent)
	var firstErr error
	done := make(chan error, len(tenants))
	for _, tenant := range tenants {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(tenant string) {
			defer sem.Release(1)
			if _, err := s.SnapshotTenant(ctx, tenant); err != nil {
				done <- fmt.Errorf("tenant %s: %w", tenant, err)
				return
			}
			done <- nil
		}(tenant)
	}
	for range tenants {
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return s.prune(ctx, tenants)
}

// SnapshotTenant backs up one tenant and uploads it. The manifest goes up
// last, so a crash mid-upload leaves garbage objects but never a snapshot
// that recovery would trust.
func (s *Snapshotter) SnapshotTenant(ctx context.Context, tenant string) (*Manifest, error) {
	ts, err := s.stores.Open(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if _, ok, err := ts.Checkpoint(ctx); err != nil {
		return nil, err
	} else if !ok {
		// Nothing applied yet; nothing worth snapshotting.
		return nil, nil
	}
	fingerprint, _, err := ts.SchemaFingerprint(ctx)
	if err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp(s.cfg.WorkDir, "entdb-snapshot-"+tenant+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	// The backup reads a transaction-consistent view while the applier
	// keeps running, so the live checkpoint can move past the state the
	// backup captured. The manifest must name the position embedded in
	// the backup itself; recovery replays the rest from the WAL.
	files, err := ts.Backup(ctx, tmpDir)
	if err != nil {
		return nil, err
	}
	pos, ok, err := store.BackupCheckpoint(ctx, tmpDir)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("backup of tenant %s carries no checkpoint", tenant)
	}

	dir := snapshotDir(tenant, pos)
	manifest := &Manifest{
		TenantID:          tenant,
		WalPosition:       pos,
		SchemaFingerprint: fingerprint,
		CreatedAtMs:       time.Now().UnixMilli(),
	}
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(tmpDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read backup file %s: %w", name, err)
		}
		digest := sha256.Sum256(data)
		if err := s.objects.Put(ctx, dir+name, data); err != nil {
			return nil, fmt.Errorf("failed to upload %s: %w", name, err)
		}
		manifest.Files = append(manifest.Files, ManifestFile{
			Name:   name,
			SHA256: hex.EncodeToString(digest[:]),
			Size:   int64(len(data)),
		})
	}

	raw, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := s.objects.Put(ctx, dir+"manifest.json", raw); err != nil {
		return nil, fmt.Errorf("failed to upload manifest: %w", err)
	}
	s.logger.Info("snapshot uploaded", "tenant", tenant,
		"position", pos.String(), "files", len(manifest.Files))
	return manifest, nil
}

// prune deletes snapshots past retention, always keeping the newest one.
func (s *Snapshotter) prune(ctx context.Context, tenants []string) error {
	if s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays).UnixMilli()
	for _, tenant := range tenants {
		manifests, err := ListManifests(ctx, s.objects, tenant)
		if err != nil {
			return err
		}
		for i, m := range manifests {
			if i == len(manifests)-1 || m.CreatedAtMs >= cutoff {
				continue
			}
			if err := s.deleteSnapshot(ctx, tenant, m.WalPosition); err != nil {
				return err
			}
			s.logger.Info("pruned snapshot", "tenant", tenant, "position", m.WalPosition.String())
		}
	}
	return nil
}

func (s *Snapshotter) deleteSnapshot(ctx context.Context, tenant string, pos wal.Position) error {
	dir := snapshotDir(tenant, pos)
	keys, err := s.objects.List(ctx, dir)
	if err != nil {
		return err
	}
	// Manifest first so a partial delete cannot leave a trusted snapshot
	// with missing files.
	for _, key := range keys {
		if strings.HasSuffix(key, "/manifest.json") {
			if err := s.objects.Delete(ctx, key); err != nil {
				return err
			}
		}
	}
	for _, key := range keys {
		if !strings.HasSuffix(key, "/manifest.json") {
			if err := s.objects.Delete(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}
