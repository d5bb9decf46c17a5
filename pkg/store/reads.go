package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/elloloop/entdb/pkg/wal"
)

// ErrNotFound is returned by point reads that miss.
var ErrNotFound = errors.New("not found")

// Node is the read-side view of a node row with its ACL loaded.
type Node struct {
	ID         string         `json:"id"`
	TypeID     uint32         `json:"type_id"`
	Payload    map[string]any `json:"payload"`
	OwnerActor string         `json:"owner_actor"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
	Deleted    bool           `json:"deleted"`
	Version    int64          `json:"version"`
	ACL        []string       `json:"acl,omitempty"`
}

// VisibleTo reports whether actor (with its principals) may read the node.
// The owner always sees its own nodes; tenant:* opens a node to everyone.
func (n *Node) VisibleTo(actor string, principals []string) bool {
	if n.OwnerActor == actor {
		return true
	}
	for _, p := range n.ACL {
		if p == "tenant:*" || p == actor {
			return true
		}
		for _, mine := range principals {
			if p == mine {
				return true
			}
		}
	}
	return false
}

// Edge is the read-side view of an edge row.
type Edge struct {
	EdgeTypeID uint32         `json:"edge_type_id"`
	FromID     string         `json:"from_id"`
	ToID       string         `json:"to_id"`
	Props      map[string]any `json:"props,omitempty"`
	CreatedAt  int64          `json:"created_at"`
}

// MailboxItem is the read-side view of a mailbox row.
type MailboxItem struct {
	ItemID       string         `json:"item_id"`
	Recipient    string         `json:"recipient_user_id"`
	RefID        string         `json:"ref_id"`
	SourceTypeID uint32         `json:"source_type_id"`
	SourceNodeID string         `json:"source_node_id"`
	ThreadID     string         `json:"thread_id,omitempty"`
	Ts           int64          `json:"ts"`
	State        map[string]any `json:"state"`
	Snippet      string         `json:"snippet"`
}

// MaxQueryLimit caps query_nodes page sizes.
const MaxQueryLimit = 1000

// GetNode returns a node by id. Soft-deleted nodes are hidden unless
// includeDeleted is set.
func (ts *TenantStore) GetNode(ctx context.Context, id string, includeDeleted bool) (*Node, error) {
	n, err := ts.scanNode(ts.canonical.QueryRowContext(ctx,
		`SELECT id, type_id, payload_json, owner_actor, created_at, updated_at, deleted, version
		 FROM nodes WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if n.Deleted && !includeDeleted {
		return nil, ErrNotFound
	}
	if err := ts.loadACL(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// QueryNodes lists live nodes of a type with optional field equality
// filters applied against the JSON payload.
func (ts *TenantStore) QueryNodes(ctx context.Context, typeID uint32, filters map[string]any, limit, offset int) ([]*Node, error) {
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	query := strings.Builder{}
	query.WriteString(
		`SELECT id, type_id, payload_json, owner_actor, created_at, updated_at, deleted, version
		 FROM nodes WHERE type_id = ? AND deleted = 0`)
	args := []any{typeID}
	for field, value := range filters {
		query.WriteString(` AND json_extract(payload_json, ?) = ?`)
		args = append(args, "$."+field, value)
	}
	query.WriteString(` ORDER BY created_at, id LIMIT ? OFFSET ?`)
	args = append(args, limit, offset)

	rows, err := ts.canonical.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Node
	for rows.Next() {
		n, err := ts.scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate nodes: %w", err)
	}
	for _, n := range out {
		if err := ts.loadACL(ctx, n); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EdgesOut lists edges leaving a node. edgeType 0 means all edge types.
// Edges whose far endpoint is soft-deleted are hidden.
func (ts *TenantStore) EdgesOut(ctx context.Context, nodeID string, edgeType uint32) ([]*Edge, error) {
	return ts.queryEdges(ctx, "from_id", "to_id", nodeID, edgeType)
}

// EdgesIn lists edges arriving at a node.
func (ts *TenantStore) EdgesIn(ctx context.Context, nodeID string, edgeType uint32) ([]*Edge, error) {
	return ts.queryEdges(ctx, "to_id", "from_id", nodeID, edgeType)
}

func (ts *TenantStore) queryEdges(ctx context.Context, anchor, far, nodeID string, edgeType uint32) ([]*Edge, error) {
	query := fmt.Sprintf(
		`SELECT e.edge_type_id, e.from_id, e.to_id, e.props_json, e.created_at
		 FROM edges e JOIN nodes n ON n.id = e.%s
		 WHERE e.%s = ? AND n.deleted = 0`, far, anchor)
	args := []any{nodeID}
	if edgeType != 0 {
		query += ` AND e.edge_type_id = ?`
		args = append(args, edgeType)
	}
	query += ` ORDER BY e.created_at, e.to_id, e.from_id`

	rows, err := ts.canonical.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Edge
	for rows.Next() {
		var (
			e         Edge
			propsJSON string
		)
		if err := rows.Scan(&e.EdgeTypeID, &e.FromID, &e.ToID, &propsJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		if err := json.Unmarshal([]byte(propsJSON), &e.Props); err != nil {
			return nil, fmt.Errorf("failed to parse edge props: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate edges: %w", err)
	}
	return out, nil
}

// Mailbox lists a user's items, newest first.
func (ts *TenantStore) Mailbox(ctx context.Context, user string, limit, offset int) ([]*MailboxItem, error) {
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	rows, err := ts.mailbox.QueryContext(ctx,
		`SELECT item_id, recipient_user_id, ref_id, source_type_id, source_node_id, thread_id, ts, state_json, snippet
		 FROM items WHERE recipient_user_id = ? ORDER BY ts DESC, item_id LIMIT ? OFFSET ?`,
		user, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query mailbox: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanItems(rows)
}

// Search runs a full-text query over a user's mailbox snippets.
func (ts *TenantStore) Search(ctx context.Context, user, query string, limit int) ([]*MailboxItem, error) {
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	rows, err := ts.mailbox.QueryContext(ctx,
		`SELECT i.item_id, i.recipient_user_id, i.ref_id, i.source_type_id, i.source_node_id, i.thread_id, i.ts, i.state_json, i.snippet
		 FROM items_fts f JOIN items i ON i.item_id = f.item_id
		 WHERE items_fts MATCH ? AND i.recipient_user_id = ?
		 ORDER BY rank LIMIT ?`,
		query, user, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search mailbox: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanItems(rows)
}

// AppliedEvent returns the durable result stored for an idempotency key.
func (ts *TenantStore) AppliedEvent(ctx context.Context, idempotencyKey string) (*ApplyResult, bool, error) {
	var resultJSON string
	err := ts.canonical.QueryRowContext(ctx,
		`SELECT result_json FROM applied_events WHERE idempotency_key = ?`, idempotencyKey).Scan(&resultJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read applied event: %w", err)
	}
	var result ApplyResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, false, fmt.Errorf("failed to parse apply result: %w", err)
	}
	return &result, true, nil
}

// AppliedEventCount returns the number of applied_events rows.
func (ts *TenantStore) AppliedEventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := ts.canonical.QueryRowContext(ctx, `SELECT COUNT(*) FROM applied_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count applied events: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (ts *TenantStore) scanNode(row rowScanner) (*Node, error) {
	var (
		n           Node
		payloadJSON string
		deleted     int
	)
	err := row.Scan(&n.ID, &n.TypeID, &payloadJSON, &n.OwnerActor, &n.CreatedAt, &n.UpdatedAt, &deleted, &n.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}
	n.Deleted = deleted != 0
	if err := json.Unmarshal([]byte(payloadJSON), &n.Payload); err != nil {
		return nil, fmt.Errorf("failed to parse node payload: %w", err)
	}
	return &n, nil
}

func (ts *TenantStore) loadACL(ctx context.Context, n *Node) error {
	rows, err := ts.canonical.QueryContext(ctx,
		`SELECT principal FROM acl WHERE node_id = ? ORDER BY principal`, n.ID)
	if err != nil {
		return fmt.Errorf("failed to load acl: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return fmt.Errorf("failed to scan acl row: %w", err)
		}
		n.ACL = append(n.ACL, p)
	}
	return rows.Err()
}

func scanItems(rows *sql.Rows) ([]*MailboxItem, error) {
	var out []*MailboxItem
	for rows.Next() {
		var (
			it        MailboxItem
			threadID  sql.NullString
			stateJSON string
		)
		if err := rows.Scan(&it.ItemID, &it.Recipient, &it.RefID, &it.SourceTypeID, &it.SourceNodeID, &threadID, &it.Ts, &stateJSON, &it.Snippet); err != nil {
			return nil, fmt.Errorf("failed to scan mailbox item: %w", err)
		}
		it.ThreadID = threadID.String
		if err := json.Unmarshal([]byte(stateJSON), &it.State); err != nil {
			return nil, fmt.Errorf("failed to parse item state: %w", err)
		}
		out = append(out, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mailbox items: %w", err)
	}
	return out, nil
}

// WaitPosition is a convenience for readers: it reports whether the store
// has applied at least pos.
func (ts *TenantStore) WaitPosition(ctx context.Context, pos wal.Position) (bool, error) {
	cp, ok, err := ts.Checkpoint(ctx)
	if err != nil || !ok {
		return false, err
	}
	return cp.Partition == pos.Partition && cp.Offset >= pos.Offset, nil
}
