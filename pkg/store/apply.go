package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/elloloop/entdb/pkg/event"
	"github.com/elloloop/entdb/pkg/schema"
	"github.com/elloloop/entdb/pkg/wal"
)

// ApplyStatus is the terminal outcome of applying one event.
type ApplyStatus string

const (
	// StatusApplied means every operation committed.
	StatusApplied ApplyStatus = "applied"
	// StatusConflict means an optimistic version check failed; nothing was
	// written except the applied_events conflict marker.
	StatusConflict ApplyStatus = "conflict"
	// StatusFailed means the event violated the schema or an invariant at
	// apply time; the applier dead-letters it and advances the checkpoint.
	StatusFailed ApplyStatus = "failed"
)

// Conflict carries the detail of an optimistic concurrency failure.
type Conflict struct {
	OpIndex         int    `json:"op_index"`
	NodeID          string `json:"node_id"`
	ExpectedVersion int64  `json:"expected_version"`
	ObservedVersion int64  `json:"observed_version"`
}

// ApplyResult is the durable record of one applied event. It is stored as
// applied_events.result_json, so retries and replays reproduce it exactly.
type ApplyResult struct {
	EventID       string            `json:"event_id"`
	Status        ApplyStatus       `json:"status"`
	WalPosition   wal.Position      `json:"wal_position"`
	ResultAliases map[string]string `json:"result_aliases,omitempty"`
	Conflict      *Conflict         `json:"conflict,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
}

// applyFault signals a non-transient apply problem; it aborts the data
// writes and converts into a StatusFailed result.
type applyFault struct {
	reason string
}

func (f *applyFault) Error() string { return f.reason }

func faultf(format string, args ...any) *applyFault {
	return &applyFault{reason: fmt.Sprintf(format, args...)}
}

type outboxRow struct {
	itemID       string
	recipient    string
	refID        string
	sourceTypeID uint32
	sourceNodeID string
	threadID     string
	ts           int64
	snippet      string
}

// ApplyTransaction applies one event in a single canonical-store
// transaction and drains mailbox fan-out afterwards. It is idempotent: a
// duplicate idempotency key returns the original result untouched.
//
// Timestamps are taken from the event, never the wall clock, so a replay
// rebuilds byte-identical state. A returned error is always transient
// (I/O, lock) and the same record must be retried; schema and invariant
// violations surface as StatusFailed results instead.
func (ts *TenantStore) ApplyTransaction(ctx context.Context, ev *event.Event, pos wal.Position) (*ApplyResult, error) {
	if prior, ok, err := ts.AppliedEvent(ctx, ev.IdempotencyKey); err != nil {
		return nil, err
	} else if ok {
		return prior, nil
	}

	result := &ApplyResult{
		EventID:       ev.EventID,
		Status:        StatusApplied,
		WalPosition:   pos,
		ResultAliases: make(map[string]string),
	}

	tx, err := ts.canonical.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin apply transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var outbox []outboxRow
	for i, op := range ev.Operations {
		conflict, fault, err := ts.applyOp(ctx, tx, ev, i, op, &outbox, result)
		if err != nil {
			return nil, err
		}
		if fault != nil {
			_ = tx.Rollback()
			result.Status = StatusFailed
			result.FailureReason = fmt.Sprintf("operation %d: %s", i, fault.reason)
			result.ResultAliases = nil
			return result, ts.commitMarkerOnly(ctx, ev, pos, result)
		}
		if conflict != nil {
			_ = tx.Rollback()
			result.Status = StatusConflict
			result.Conflict = conflict
			result.ResultAliases = nil
			return result, ts.commitMarkerOnly(ctx, ev, pos, result)
		}
	}

	if err := ts.recordApplied(ctx, tx, ev, pos, result); err != nil {
		return nil, err
	}
	if err := ts.writeOutbox(ctx, tx, outbox); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit apply transaction: %w", err)
	}
	if err := ts.drainOutbox(ctx); err != nil {
		// The canonical commit already happened; fan-out heals on the next
		// drain. Log and report success.
		ts.logger.Warn("mailbox fan-out deferred", "event_id", ev.EventID, "error", err)
	}
	return result, nil
}

// commitMarkerOnly writes the applied_events marker and checkpoint for a
// conflict or failure outcome in a fresh transaction (all data writes from
// the event were rolled back).
func (ts *TenantStore) commitMarkerOnly(ctx context.Context, ev *event.Event, pos wal.Position, result *ApplyResult) error {
	tx, err := ts.canonical.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin marker transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := ts.recordApplied(ctx, tx, ev, pos, result); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit marker transaction: %w", err)
	}
	return nil
}

func (ts *TenantStore) recordApplied(ctx context.Context, tx *sql.Tx, ev *event.Event, pos wal.Position, result *ApplyResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal apply result: %w", err)
	}
	posJSON, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("failed to marshal wal position: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO applied_events (idempotency_key, wal_position, result_json, applied_at) VALUES (?, ?, ?, ?)`,
		ev.IdempotencyKey, string(posJSON), string(resultJSON), ev.CreatedAtMs); err != nil {
		return fmt.Errorf("failed to insert applied event: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenant_meta (k, v) VALUES ('checkpoint', ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		string(posJSON)); err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	return nil
}

func (ts *TenantStore) applyOp(ctx context.Context, tx *sql.Tx, ev *event.Event, opIndex int, op event.Operation, outbox *[]outboxRow, result *ApplyResult) (*Conflict, *applyFault, error) {
	switch op.Kind {
	case event.OpCreateNode:
		fault, err := ts.applyCreateNode(ctx, tx, ev, opIndex, op.CreateNode, outbox)
		if fault == nil && err == nil && op.CreateNode.Alias != "" {
			result.ResultAliases[op.CreateNode.Alias] = op.CreateNode.AssignedID
		}
		return nil, fault, err
	case event.OpUpdateNode:
		return ts.applyUpdateNode(ctx, tx, ev, opIndex, op.UpdateNode)
	case event.OpDeleteNode:
		fault, err := ts.applyDeleteNode(ctx, tx, ev, op.DeleteNode)
		return nil, fault, err
	case event.OpCreateEdge:
		fault, err := ts.applyCreateEdge(ctx, tx, ev, op.CreateEdge)
		return nil, fault, err
	case event.OpDeleteEdge:
		_, err := tx.ExecContext(ctx,
			`DELETE FROM edges WHERE edge_type_id = ? AND from_id = ? AND to_id = ?`,
			op.DeleteEdge.EdgeTypeID, op.DeleteEdge.FromID, op.DeleteEdge.ToID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to delete edge: %w", err)
		}
		return nil, nil, nil
	case event.OpSetVisibility:
		fault, err := ts.applySetVisibility(ctx, tx, op.SetVisibility)
		return nil, fault, err
	default:
		return nil, faultf("unknown operation kind %q", op.Kind), nil
	}
}

func (ts *TenantStore) applyCreateNode(ctx context.Context, tx *sql.Tx, ev *event.Event, opIndex int, op *event.CreateNode, outbox *[]outboxRow) (*applyFault, error) {
	if errs := ts.reg.Validate(op.TypeID, op.Payload); len(errs) > 0 {
		return faultf("payload rejected by schema: %v", errs[0]), nil
	}
	payload, err := ts.reg.ExpandDefaults(op.TypeID, op.Payload)
	if err != nil {
		return faultf("%v", err), nil
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO nodes (id, type_id, payload_json, owner_actor, created_at, updated_at, deleted, version)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 1)`,
		op.AssignedID, op.TypeID, string(payloadJSON), ev.Actor, ev.CreatedAtMs, ev.CreatedAtMs)
	if err != nil {
		return nil, fmt.Errorf("failed to insert node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faultf("node id %s already exists", op.AssignedID), nil
	}

	principals := op.Principals
	if len(principals) == 0 {
		if t, terr := ts.reg.NodeType(op.TypeID); terr == nil {
			principals = t.DefaultACL
		}
	}
	for _, p := range principals {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO acl (node_id, principal) VALUES (?, ?)`, op.AssignedID, p); err != nil {
			return nil, fmt.Errorf("failed to insert acl row: %w", err)
		}
	}

	if len(op.Recipients) > 0 {
		snippet := ts.extractSnippet(op.TypeID, payload)
		threadID, _ := payload["thread_id"].(string)
		for _, recipient := range op.Recipients {
			*outbox = append(*outbox, outboxRow{
				itemID:       mailboxItemID(ev.EventID, opIndex, recipient),
				recipient:    recipient,
				refID:        op.AssignedID,
				sourceTypeID: op.TypeID,
				sourceNodeID: op.AssignedID,
				threadID:     threadID,
				ts:           ev.CreatedAtMs,
				snippet:      snippet,
			})
		}
	}
	return nil, nil
}

func (ts *TenantStore) applyUpdateNode(ctx context.Context, tx *sql.Tx, ev *event.Event, opIndex int, op *event.UpdateNode) (*Conflict, *applyFault, error) {
	var (
		payloadJSON string
		version     int64
		typeID      uint32
		deleted     bool
	)
	err := tx.QueryRowContext(ctx,
		`SELECT payload_json, version, type_id, deleted FROM nodes WHERE id = ?`, op.NodeID).
		Scan(&payloadJSON, &version, &typeID, &deleted)
	if err == sql.ErrNoRows {
		return nil, faultf("update_node: node %s does not exist", op.NodeID), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read node %s: %w", op.NodeID, err)
	}
	if deleted {
		return nil, faultf("update_node: node %s is deleted", op.NodeID), nil
	}
	if op.ExpectedVersion != nil && *op.ExpectedVersion != version {
		return &Conflict{
			OpIndex:         opIndex,
			NodeID:          op.NodeID,
			ExpectedVersion: *op.ExpectedVersion,
			ObservedVersion: version,
		}, nil, nil
	}
	if errs := ts.reg.Validate(typeID, op.Patch); len(errs) > 0 {
		// A patch may omit required fields; only structural errors count.
		for _, fe := range errs {
			if fe.Message != "required field is missing" {
				return nil, faultf("patch rejected by schema: %v", fe), nil
			}
		}
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, nil, fmt.Errorf("failed to parse stored payload: %w", err)
	}
	for k, v := range op.Patch {
		if v == nil {
			delete(payload, k)
			continue
		}
		payload[k] = v
	}
	merged, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal merged payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE nodes SET payload_json = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		string(merged), ev.CreatedAtMs, op.NodeID); err != nil {
		return nil, nil, fmt.Errorf("failed to update node: %w", err)
	}
	return nil, nil, nil
}

func (ts *TenantStore) applyDeleteNode(ctx context.Context, tx *sql.Tx, ev *event.Event, op *event.DeleteNode) (*applyFault, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE nodes SET deleted = 1, version = version + 1, updated_at = ? WHERE id = ? AND deleted = 0`,
		ev.CreatedAtMs, op.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faultf("delete_node: node %s does not exist or is already deleted", op.NodeID), nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM acl WHERE node_id = ?`, op.NodeID); err != nil {
		return nil, fmt.Errorf("failed to cascade acl delete: %w", err)
	}
	return nil, nil
}

func (ts *TenantStore) applyCreateEdge(ctx context.Context, tx *sql.Tx, ev *event.Event, op *event.CreateEdge) (*applyFault, error) {
	edgeType, err := ts.reg.EdgeType(op.EdgeTypeID)
	if err != nil {
		return faultf("create_edge: %v", err), nil
	}
	fromType, fault, err := ts.nodeTypeOf(ctx, tx, op.FromID)
	if fault != nil || err != nil {
		return fault, err
	}
	toType, fault, err := ts.nodeTypeOf(ctx, tx, op.ToID)
	if fault != nil || err != nil {
		return fault, err
	}
	if fromType != edgeType.FromTypeID || toType != edgeType.ToTypeID {
		return faultf("create_edge: endpoints (%d, %d) do not match edge type %d (%d -> %d)",
			fromType, toType, op.EdgeTypeID, edgeType.FromTypeID, edgeType.ToTypeID), nil
	}

	props := op.Props
	if props == nil {
		props = map[string]any{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal edge props: %w", err)
	}
	// Duplicate edge create is a no-op.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO edges (edge_type_id, from_id, to_id, props_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		op.EdgeTypeID, op.FromID, op.ToID, string(propsJSON), ev.CreatedAtMs); err != nil {
		return nil, fmt.Errorf("failed to insert edge: %w", err)
	}
	return nil, nil
}

// nodeTypeOf resolves a node's type id. Soft-deleted nodes count as
// existing for edge endpoint checks.
func (ts *TenantStore) nodeTypeOf(ctx context.Context, tx *sql.Tx, nodeID string) (uint32, *applyFault, error) {
	var typeID uint32
	err := tx.QueryRowContext(ctx, `SELECT type_id FROM nodes WHERE id = ?`, nodeID).Scan(&typeID)
	if err == sql.ErrNoRows {
		return 0, faultf("node %s does not exist", nodeID), nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to resolve node %s: %w", nodeID, err)
	}
	return typeID, nil, nil
}

func (ts *TenantStore) applySetVisibility(ctx context.Context, tx *sql.Tx, op *event.SetVisibility) (*applyFault, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ? AND deleted = 0`, op.NodeID).Scan(&exists)
	if err == sql.ErrNoRows {
		return faultf("set_visibility: node %s does not exist", op.NodeID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve node %s: %w", op.NodeID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM acl WHERE node_id = ?`, op.NodeID); err != nil {
		return nil, fmt.Errorf("failed to clear acl: %w", err)
	}
	for _, p := range op.Principals {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO acl (node_id, principal) VALUES (?, ?)`, op.NodeID, p); err != nil {
			return nil, fmt.Errorf("failed to insert acl row: %w", err)
		}
	}
	return nil, nil
}

func (ts *TenantStore) writeOutbox(ctx context.Context, tx *sql.Tx, rows []outboxRow) error {
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO mailbox_outbox
			 (item_id, recipient_user_id, ref_id, source_type_id, source_node_id, thread_id, ts, state_json, snippet)
			 VALUES (?, ?, ?, ?, ?, ?, ?, '{}', ?)`,
			r.itemID, r.recipient, r.refID, r.sourceTypeID, r.sourceNodeID, nullable(r.threadID), r.ts, r.snippet); err != nil {
			return fmt.Errorf("failed to write mailbox outbox: %w", err)
		}
	}
	return nil
}

// drainOutbox moves committed fan-out rows into the mailbox store. Item
// ids are deterministic, so redelivery is harmless.
func (ts *TenantStore) drainOutbox(ctx context.Context) error {
	rows, err := ts.canonical.QueryContext(ctx,
		`SELECT item_id, recipient_user_id, ref_id, source_type_id, source_node_id, thread_id, ts, state_json, snippet
		 FROM mailbox_outbox ORDER BY ts, item_id`)
	if err != nil {
		return fmt.Errorf("failed to read mailbox outbox: %w", err)
	}
	var pending []outboxRow
	var states []string
	for rows.Next() {
		var (
			r        outboxRow
			threadID sql.NullString
			state    string
		)
		if err := rows.Scan(&r.itemID, &r.recipient, &r.refID, &r.sourceTypeID, &r.sourceNodeID, &threadID, &r.ts, &state, &r.snippet); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan outbox row: %w", err)
		}
		r.threadID = threadID.String
		pending = append(pending, r)
		states = append(states, state)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("failed to close outbox rows: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	tx, err := ts.mailbox.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin mailbox transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for i, r := range pending {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO items
			 (item_id, recipient_user_id, ref_id, source_type_id, source_node_id, thread_id, ts, state_json, snippet)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.itemID, r.recipient, r.refID, r.sourceTypeID, r.sourceNodeID, nullable(r.threadID), r.ts, states[i], r.snippet); err != nil {
			return fmt.Errorf("failed to insert mailbox item: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM items_fts WHERE item_id = ?`, r.itemID); err != nil {
			return fmt.Errorf("failed to refresh fts row: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO items_fts (item_id, snippet) VALUES (?, ?)`, r.itemID, r.snippet); err != nil {
			return fmt.Errorf("failed to index mailbox item: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mailbox transaction: %w", err)
	}

	for _, r := range pending {
		if _, err := ts.canonical.ExecContext(ctx, `DELETE FROM mailbox_outbox WHERE item_id = ?`, r.itemID); err != nil {
			return fmt.Errorf("failed to clear outbox row: %w", err)
		}
	}
	return nil
}

// mailboxItemID derives the deterministic item id from the event id, the
// operation index, and the recipient.
func mailboxItemID(eventID string, opIndex int, recipient string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", eventID, opIndex, recipient)))
	return hex.EncodeToString(sum[:16])
}

func (ts *TenantStore) extractSnippet(typeID uint32, payload map[string]any) string {
	if fn, ok := ts.snippets[typeID]; ok {
		return fn(payload)
	}
	t, err := ts.reg.NodeType(typeID)
	if err != nil {
		return ""
	}
	fields := append([]schema.FieldDef(nil), t.Fields...)
	sort.Slice(fields, func(i, j int) bool { return fields[i].FieldID < fields[j].FieldID })
	// Prefer searchable string fields, then any string field.
	for _, f := range fields {
		if f.Searchable && f.Kind == schema.KindString {
			if s, ok := payload[f.Name].(string); ok && s != "" {
				return s
			}
		}
	}
	for _, f := range fields {
		if f.Kind == schema.KindString {
			if s, ok := payload[f.Name].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func unmarshalJSON(raw string, v any) error {
	return json.Unmarshal([]byte(raw), v)
}
