// Package store implements the per-tenant derived stores: a canonical
// SQLite store (nodes, edges, acl, applied_events, tenant_meta) and a
// mailbox SQLite store (items plus an FTS5 index over snippets). The WAL
// owns the history of truth; everything here can be rebuilt from it.
//
// Mailbox fan-out uses a transactional outbox in the canonical store:
// apply commits node/edge/acl changes and the outbox rows atomically, then
// drains the outbox into the mailbox store. Item ids are deterministic, so
// a crash between the two commits heals on the next drain.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/elloloop/entdb/pkg/schema"
	"github.com/elloloop/entdb/pkg/wal"

	_ "modernc.org/sqlite"
)

const (
	canonicalFile = "canonical.db"
	mailboxFile   = "mailbox.db"
)

const canonicalSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	id TEXT PRIMARY KEY,
	type_id INTEGER NOT NULL,
	payload_json TEXT NOT NULL,
	owner_actor TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type_id);

CREATE TABLE IF NOT EXISTS edges (
	edge_type_id INTEGER NOT NULL,
	from_id TEXT NOT NULL,
	to_id TEXT NOT NULL,
	props_json TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (edge_type_id, from_id, to_id)
);
CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id, edge_type_id);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id, edge_type_id);

CREATE TABLE IF NOT EXISTS acl (
	node_id TEXT NOT NULL,
	principal TEXT NOT NULL,
	PRIMARY KEY (node_id, principal)
);

CREATE TABLE IF NOT EXISTS applied_events (
	idempotency_key TEXT PRIMARY KEY,
	wal_position TEXT NOT NULL,
	result_json TEXT NOT NULL,
	applied_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tenant_meta (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mailbox_outbox (
	item_id TEXT PRIMARY KEY,
	recipient_user_id TEXT NOT NULL,
	ref_id TEXT NOT NULL,
	source_type_id INTEGER NOT NULL,
	source_node_id TEXT NOT NULL,
	thread_id TEXT,
	ts INTEGER NOT NULL,
	state_json TEXT NOT NULL DEFAULT '{}',
	snippet TEXT NOT NULL DEFAULT ''
);
`

const mailboxSchema = `
CREATE TABLE IF NOT EXISTS items (
	item_id TEXT PRIMARY KEY,
	recipient_user_id TEXT NOT NULL,
	ref_id TEXT NOT NULL,
	source_type_id INTEGER NOT NULL,
	source_node_id TEXT NOT NULL,
	thread_id TEXT,
	ts INTEGER NOT NULL,
	state_json TEXT NOT NULL DEFAULT '{}',
	snippet TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_items_recipient ON items(recipient_user_id, ts DESC);

CREATE VIRTUAL TABLE IF NOT EXISTS items_fts USING fts5(
	item_id UNINDEXED,
	snippet
);
`

// SnippetExtractor derives a mailbox snippet from a node payload.
type SnippetExtractor func(payload map[string]any) string

// TenantStore is one tenant's pair of embedded stores. It is mutated only
// by the owning applier task; readers take SQLite read snapshots.
type TenantStore struct {
	Tenant    string
	dir       string
	canonical *sql.DB
	mailbox   *sql.DB
	reg       *schema.Registry
	snippets  map[uint32]SnippetExtractor
	logger    *slog.Logger
}

// Manager opens and caches tenant stores under a data directory.
type Manager struct {
	mu       sync.Mutex
	dataDir  string
	reg      *schema.Registry
	stores   map[string]*TenantStore
	snippets map[uint32]SnippetExtractor
	logger   *slog.Logger
}

// NewManager creates a store manager rooted at dataDir.
func NewManager(dataDir string, reg *schema.Registry, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure data dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dataDir:  dataDir,
		reg:      reg,
		stores:   make(map[string]*TenantStore),
		snippets: make(map[uint32]SnippetExtractor),
		logger:   logger,
	}, nil
}

// RegisterSnippetExtractor installs a per-type snippet extractor used by
// mailbox fan-out. Without one, the first searchable or string field wins.
func (m *Manager) RegisterSnippetExtractor(typeID uint32, fn SnippetExtractor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snippets[typeID] = fn
}

// Open returns the tenant's store, creating it on first use.
func (m *Manager) Open(ctx context.Context, tenant string) (*TenantStore, error) {
	if tenant == "" {
		return nil, fmt.Errorf("tenant id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.stores[tenant]; ok {
		return ts, nil
	}
	ts, err := openTenantStore(ctx, filepath.Join(m.dataDir, tenant), tenant, m.reg, m.snippets, m.logger)
	if err != nil {
		return nil, err
	}
	m.stores[tenant] = ts
	return ts, nil
}

// Tenants lists tenants that have a store directory on disk.
func (m *Manager) Tenants() ([]string, error) {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list data dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Evict closes and forgets a tenant store (used by recovery before
// swapping in a rebuilt directory).
func (m *Manager) Evict(tenant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.stores[tenant]
	if !ok {
		return nil
	}
	delete(m.stores, tenant)
	return ts.Close()
}

// Close closes every open tenant store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for tenant, ts := range m.stores {
		if err := ts.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.stores, tenant)
	}
	return firstErr
}

func openTenantStore(ctx context.Context, dir, tenant string, reg *schema.Registry, snippets map[uint32]SnippetExtractor, logger *slog.Logger) (*TenantStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure tenant dir: %w", err)
	}
	canonical, err := openSQLite(filepath.Join(dir, canonicalFile))
	if err != nil {
		return nil, err
	}
	mailbox, err := openSQLite(filepath.Join(dir, mailboxFile))
	if err != nil {
		_ = canonical.Close()
		return nil, err
	}
	ts := &TenantStore{
		Tenant:    tenant,
		dir:       dir,
		canonical: canonical,
		mailbox:   mailbox,
		reg:       reg,
		snippets:  snippets,
		logger:    logger.With("tenant", tenant),
	}
	if err := ts.migrate(ctx); err != nil {
		_ = ts.Close()
		return nil, err
	}
	// Heal any fan-out interrupted between the two commits.
	if err := ts.drainOutbox(ctx); err != nil {
		_ = ts.Close()
		return nil, err
	}
	if err := ts.reconcileSchema(ctx); err != nil {
		_ = ts.Close()
		return nil, err
	}
	return ts, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// One writer at a time; WAL mode lets readers proceed concurrently.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q on %s: %w", pragma, path, err)
		}
	}
	return db, nil
}

func (ts *TenantStore) migrate(ctx context.Context) error {
	if _, err := ts.canonical.ExecContext(ctx, canonicalSchema); err != nil {
		return fmt.Errorf("failed to migrate canonical store: %w", err)
	}
	if _, err := ts.mailbox.ExecContext(ctx, mailboxSchema); err != nil {
		return fmt.Errorf("failed to migrate mailbox store: %w", err)
	}
	return nil
}

// Dir returns the tenant's store directory.
func (ts *TenantStore) Dir() string { return ts.dir }

// Close closes both databases.
func (ts *TenantStore) Close() error {
	errC := ts.canonical.Close()
	errM := ts.mailbox.Close()
	if errC != nil {
		return errC
	}
	return errM
}

// Checkpoint returns the last fully applied WAL position, or ok=false when
// the tenant has never applied an event.
func (ts *TenantStore) Checkpoint(ctx context.Context) (wal.Position, bool, error) {
	raw, ok, err := ts.meta(ctx, "checkpoint")
	if err != nil || !ok {
		return wal.Position{}, false, err
	}
	var pos wal.Position
	if err := unmarshalJSON(raw, &pos); err != nil {
		return wal.Position{}, false, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return pos, true, nil
}

// schemaDoc is the registry serialization kept in tenant_meta next to the
// fingerprint, so a later open can rebuild the registry that wrote the
// tenant's data and run a compatibility check against it.
type schemaDoc struct {
	NodeTypes []schema.NodeTypeDef `json:"node_types"`
	EdgeTypes []schema.EdgeTypeDef `json:"edge_types"`
}

// reconcileSchema stamps the registry fingerprint and schema document into
// tenant_meta on first open. On later opens with a changed registry it
// verifies the change is a compatible evolution before re-stamping; an
// incompatible registry refuses to open the store.
func (ts *TenantStore) reconcileSchema(ctx context.Context) error {
	fp, err := ts.reg.Fingerprint()
	if err != nil {
		return err
	}
	current := hex.EncodeToString(fp[:])
	stored, ok, err := ts.SchemaFingerprint(ctx)
	if err != nil {
		return err
	}
	if ok && stored == current {
		return nil
	}
	if ok {
		rawDoc, haveDoc, err := ts.meta(ctx, "schema_doc")
		if err != nil {
			return err
		}
		if haveDoc {
			baseline, err := registryFromDoc(rawDoc)
			if err != nil {
				return err
			}
			if breaks := schema.CheckCompatibility(baseline, ts.reg); len(breaks) > 0 {
				return fmt.Errorf("registry is not a compatible evolution of the schema that wrote tenant %s: %v", ts.Tenant, breaks)
			}
		}
	}
	doc, err := json.Marshal(schemaDoc{NodeTypes: ts.reg.NodeTypes(), EdgeTypes: ts.reg.EdgeTypes()})
	if err != nil {
		return fmt.Errorf("failed to marshal schema doc: %w", err)
	}
	if err := ts.setMeta(ctx, "schema_doc", string(doc)); err != nil {
		return err
	}
	return ts.SetSchemaFingerprint(ctx, current)
}

// registryFromDoc rebuilds a frozen registry from a stored schema document.
func registryFromDoc(raw string) (*schema.Registry, error) {
	var doc schemaDoc
	if err := unmarshalJSON(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse stored schema doc: %w", err)
	}
	r := schema.NewRegistry()
	for _, nt := range doc.NodeTypes {
		if err := r.RegisterNodeType(nt); err != nil {
			return nil, err
		}
	}
	for _, et := range doc.EdgeTypes {
		if err := r.RegisterEdgeType(et); err != nil {
			return nil, err
		}
	}
	r.Freeze()
	return r, nil
}

// SchemaFingerprint returns the stored schema fingerprint (hex), if any.
func (ts *TenantStore) SchemaFingerprint(ctx context.Context) (string, bool, error) {
	return ts.meta(ctx, "schema_fingerprint")
}

// SetSchemaFingerprint records the active schema fingerprint.
func (ts *TenantStore) SetSchemaFingerprint(ctx context.Context, hexDigest string) error {
	return ts.setMeta(ctx, "schema_fingerprint", hexDigest)
}

func (ts *TenantStore) meta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := ts.canonical.QueryRowContext(ctx, `SELECT v FROM tenant_meta WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read tenant_meta[%s]: %w", key, err)
	}
	return v, true, nil
}

func (ts *TenantStore) setMeta(ctx context.Context, key, value string) error {
	_, err := ts.canonical.ExecContext(ctx,
		`INSERT INTO tenant_meta (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write tenant_meta[%s]: %w", key, err)
	}
	return nil
}
