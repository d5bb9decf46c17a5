package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/elloloop/entdb/pkg/wal"
)

// Backup writes a consistent copy of both databases into destDir using
// SQLite's VACUUM INTO, which snapshots a single transaction-consistent
// view without blocking the writer. It returns the written file names.
func (ts *TenantStore) Backup(ctx context.Context, destDir string) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure backup dir: %w", err)
	}
	files := []string{canonicalFile, mailboxFile}
	for _, f := range files {
		dest := filepath.Join(destDir, f)
		// VACUUM INTO refuses to overwrite.
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to clear stale backup file: %w", err)
		}
	}
	if _, err := ts.canonical.ExecContext(ctx, `VACUUM INTO ?`, filepath.Join(destDir, canonicalFile)); err != nil {
		return nil, fmt.Errorf("failed to back up canonical store: %w", err)
	}
	if _, err := ts.mailbox.ExecContext(ctx, `VACUUM INTO ?`, filepath.Join(destDir, mailboxFile)); err != nil {
		return nil, fmt.Errorf("failed to back up mailbox store: %w", err)
	}
	return files, nil
}

// BackupCheckpoint reads the applied checkpoint embedded in a backup
// directory written by Backup. The backup is a point-in-time view; when the
// applier keeps running, its embedded checkpoint names the state the files
// actually contain, not the live store's.
func BackupCheckpoint(ctx context.Context, dir string) (wal.Position, bool, error) {
	path := filepath.Join(dir, canonicalFile)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return wal.Position{}, false, fmt.Errorf("failed to open backup %s: %w", path, err)
	}
	defer func() { _ = db.Close() }()
	var raw string
	err = db.QueryRowContext(ctx, `SELECT v FROM tenant_meta WHERE k = 'checkpoint'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return wal.Position{}, false, nil
	}
	if err != nil {
		return wal.Position{}, false, fmt.Errorf("failed to read backup checkpoint: %w", err)
	}
	var pos wal.Position
	if err := unmarshalJSON(raw, &pos); err != nil {
		return wal.Position{}, false, fmt.Errorf("failed to parse backup checkpoint: %w", err)
	}
	return pos, true, nil
}
