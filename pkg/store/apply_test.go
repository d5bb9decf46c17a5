package store_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elloloop/entdb/pkg/event"
	"github.com/elloloop/entdb/pkg/schema"
	"github.com/elloloop/entdb/pkg/store"
	"github.com/elloloop/entdb/pkg/wal"
)

const (
	typeMessage uint32 = 1
	typeUser    uint32 = 2
	edgeSentBy  uint32 = 1
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry()
	require.NoError(t, r.RegisterNodeType(schema.NodeTypeDef{
		TypeID: typeMessage,
		Name:   "message",
		Fields: []schema.FieldDef{
			{FieldID: 1, Name: "subject", Kind: schema.KindString, Required: true, Searchable: true},
			{FieldID: 2, Name: "body", Kind: schema.KindString, Searchable: true},
			{FieldID: 3, Name: "priority", Kind: schema.KindEnum, EnumValues: []string{"low", "normal", "high"}, Default: "normal"},
			{FieldID: 4, Name: "thread_id", Kind: schema.KindString},
		},
	}))
	require.NoError(t, r.RegisterNodeType(schema.NodeTypeDef{
		TypeID: typeUser,
		Name:   "user",
		Fields: []schema.FieldDef{
			{FieldID: 1, Name: "handle", Kind: schema.KindString, Required: true},
		},
		DefaultACL: []string{"tenant:*"},
	}))
	require.NoError(t, r.RegisterEdgeType(schema.EdgeTypeDef{
		EdgeID: edgeSentBy, Name: "sent_by", FromTypeID: typeMessage, ToTypeID: typeUser,
	}))
	r.Freeze()
	return r
}

func openTenant(t *testing.T) *store.TenantStore {
	t.Helper()
	mgr, err := store.NewManager(t.TempDir(), testRegistry(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	ts, err := mgr.Open(context.Background(), "acme")
	require.NoError(t, err)
	return ts
}

func createNodeEvent(key, nodeID, subject string, recipients ...string) *event.Event {
	return &event.Event{
		EventID:        "evt-" + key,
		TenantID:       "acme",
		Actor:          "user:ana",
		IdempotencyKey: key,
		CreatedAtMs:    1724630400000,
		Operations: []event.Operation{
			{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
				TypeID:     typeMessage,
				Payload:    map[string]any{"subject": subject},
				Alias:      "msg",
				Recipients: recipients,
				AssignedID: nodeID,
			}},
		},
	}
}

func pos(offset int64) wal.Position {
	return wal.Position{Partition: 0, Offset: offset}
}

func TestApplyCreateNode(t *testing.T) {
	ctx := context.Background()
	ts := openTenant(t)

	res, err := ts.ApplyTransaction(ctx, createNodeEvent("k1", "n-1", "hello"), pos(0))
	require.NoError(t, err)
	assert.Equal(t, store.StatusApplied, res.Status)
	assert.Equal(t, "n-1", res.ResultAliases["msg"])

	n, err := ts.GetNode(ctx, "n-1", false)
	require.NoError(t, err)
	assert.Equal(t, typeMessage, n.TypeID)
	assert.Equal(t, "hello", n.Payload["subject"])
	assert.Equal(t, "normal", n.Payload["priority"], "defaults expand at apply time")
	assert.Equal(t, "user:ana", n.OwnerActor)
	assert.Equal(t, int64(1), n.Version)

	cp, ok, err := ts.Checkpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pos(0), cp)
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ts := openTenant(t)

	ev := createNodeEvent("k1", "n-1", "hello")
	first, err := ts.ApplyTransaction(ctx, ev, pos(0))
	require.NoError(t, err)

	// The same record redelivered at a later offset changes nothing.
	second, err := ts.ApplyTransaction(ctx, ev, pos(7))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, pos(0), second.WalPosition)

	count, err := ts.AppliedEventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	n, err := ts.GetNode(ctx, "n-1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.Version)
}

func TestApplyAtomicity(t *testing.T) {
	ctx := context.Background()
	ts := openTenant(t)

	// Second operation references a node that does not exist, so the whole
	// event must roll back, including the first create.
	ev := &event.Event{
		EventID:        "evt-k1",
		TenantID:       "acme",
		Actor:          "user:ana",
		IdempotencyKey: "k1",
		CreatedAtMs:    1724630400000,
		Operations: []event.Operation{
			{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
				TypeID: typeMessage, Payload: map[string]any{"subject": "s"}, AssignedID: "n-1",
			}},
			{Kind: event.OpDeleteNode, DeleteNode: &event.DeleteNode{NodeID: "ghost"}},
		},
	}
	res, err := ts.ApplyTransaction(ctx, ev, pos(0))
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, res.Status)
	assert.Contains(t, res.FailureReason, "operation 1")

	_, err = ts.GetNode(ctx, "n-1", false)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The marker and checkpoint still advanced.
	cp, ok, err := ts.Checkpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pos(0), cp)
	prior, ok, err := ts.AppliedEvent(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StatusFailed, prior.Status)
}

func TestApplyUpdateNode(t *testing.T) {
	ctx := context.Background()
	ts := openTenant(t)

	_, err := ts.ApplyTransaction(ctx, createNodeEvent("k1", "n-1", "hello"), pos(0))
	require.NoError(t, err)

	ev := &event.Event{
		EventID: "evt-k2", TenantID: "acme", Actor: "user:ana", IdempotencyKey: "k2",
		CreatedAtMs: 1724630401000,
		Operations: []event.Operation{
			{Kind: event.OpUpdateNode, UpdateNode: &event.UpdateNode{
				NodeID: "n-1",
				Patch:  map[string]any{"body": "text", "priority": nil},
			}},
		},
	}
	res, err := ts.ApplyTransaction(ctx, ev, pos(1))
	require.NoError(t, err)
	require.Equal(t, store.StatusApplied, res.Status)

	n, err := ts.GetNode(ctx, "n-1", false)
	require.NoError(t, err)
	assert.Equal(t, "hello", n.Payload["subject"])
	assert.Equal(t, "text", n.Payload["body"])
	assert.NotContains(t, n.Payload, "priority", "nil patch value deletes the key")
	assert.Equal(t, int64(2), n.Version)
	assert.Equal(t, int64(1724630401000), n.UpdatedAt)
}

func TestApplyVersionConflictIsMarkerOnly(t *testing.T) {
	ctx := context.Background()
	ts := openTenant(t)

	_, err := ts.ApplyTransaction(ctx, createNodeEvent("k1", "n-1", "hello"), pos(0))
	require.NoError(t, err)

	wrong := int64(5)
	ev := &event.Event{
		EventID: "evt-k2", TenantID: "acme", Actor: "user:ana", IdempotencyKey: "k2",
		CreatedAtMs: 1724630401000,
		Operations: []event.Operation{
			{Kind: event.OpUpdateNode, UpdateNode: &event.UpdateNode{
				NodeID: "n-1", Patch: map[string]any{"body": "lost"}, ExpectedVersion: &wrong,
			}},
		},
	}
	res, err := ts.ApplyTransaction(ctx, ev, pos(1))
	require.NoError(t, err)
	assert.Equal(t, store.StatusConflict, res.Status)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, int64(5), res.Conflict.ExpectedVersion)
	assert.Equal(t, int64(1), res.Conflict.ObservedVersion)
	assert.Equal(t, "n-1", res.Conflict.NodeID)

	// Data untouched, checkpoint advanced past the conflicting event.
	n, err := ts.GetNode(ctx, "n-1", false)
	require.NoError(t, err)
	assert.NotContains(t, n.Payload, "body")
	assert.Equal(t, int64(1), n.Version)
	cp, _, err := ts.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, pos(1), cp)

	// Replay of the conflicting event reproduces the stored outcome.
	again, err := ts.ApplyTransaction(ctx, ev, pos(1))
	require.NoError(t, err)
	assert.Equal(t, res, again)
}

func TestApplyDeleteNode(t *testing.T) {
	ctx := context.Background()
	ts := openTenant(t)

	_, err := ts.ApplyTransaction(ctx, createNodeEvent("k1", "n-1", "hello"), pos(0))
	require.NoError(t, err)

	ev := &event.Event{
		EventID: "evt-k2", TenantID: "acme", Actor: "user:ana", IdempotencyKey: "k2",
		CreatedAtMs: 1724630401000,
		Operations: []event.Operation{
			{Kind: event.OpDeleteNode, DeleteNode: &event.DeleteNode{NodeID: "n-1"}},
		},
	}
	res, err := ts.ApplyTransaction(ctx, ev, pos(1))
	require.NoError(t, err)
	require.Equal(t, store.StatusApplied, res.Status)

	_, err = ts.GetNode(ctx, "n-1", false)
	assert.ErrorIs(t, err, store.ErrNotFound)

	n, err := ts.GetNode(ctx, "n-1", true)
	require.NoError(t, err)
	assert.True(t, n.Deleted)
	assert.Equal(t, int64(2), n.Version)
	assert.Empty(t, n.ACL)
}

func TestApplySchemaViolationFails(t *testing.T) {
	ctx := context.Background()
	ts := openTenant(t)

	ev := &event.Event{
		EventID: "evt-k1", TenantID: "acme", Actor: "user:ana", IdempotencyKey: "k1",
		CreatedAtMs: 1724630400000,
		Operations: []event.Operation{
			{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
				TypeID:     typeMessage,
				Payload:    map[string]any{"subject": "s", "priority": "urgent"},
				AssignedID: "n-1",
			}},
		},
	}
	res, err := ts.ApplyTransaction(ctx, ev, pos(0))
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, res.Status)
	assert.Contains(t, res.FailureReason, "payload rejected by schema")
}

func TestApplyEdges(t *testing.T) {
	ctx := context.Background()
	ts := openTenant(t)

	setup := &event.Event{
		EventID: "evt-k1", TenantID: "acme", Actor: "user:ana", IdempotencyKey: "k1",
		CreatedAtMs: 1724630400000,
		Operations: []event.Operation{
			{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
				TypeID: typeMessage, Payload: map[string]any{"subject": "s"}, AssignedID: "m-1",
			}},
			{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
				TypeID: typeUser, Payload: map[string]any{"handle": "ana"}, AssignedID: "u-1",
			}},
			{Kind: event.OpCreateEdge, CreateEdge: &event.CreateEdge{
				EdgeTypeID: edgeSentBy, FromID: "m-1", ToID: "u-1", Props: map[string]any{"via": "api"},
			}},
		},
	}
	res, err := ts.ApplyTransaction(ctx, setup, pos(0))
	require.NoError(t, err)
	require.Equal(t, store.StatusApplied, res.Status)

	out, err := ts.EdgesOut(ctx, "m-1", 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "u-1", out[0].ToID)
	assert.Equal(t, "api", out[0].Props["via"])

	in, err := ts.EdgesIn(ctx, "u-1", edgeSentBy)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "m-1", in[0].FromID)

	// Duplicate create is a no-op, not a failure.
	dup := &event.Event{
		EventID: "evt-k2", TenantID: "acme", Actor: "user:ana", IdempotencyKey: "k2",
		CreatedAtMs: 1724630401000,
		Operations: []event.Operation{
			{Kind: event.OpCreateEdge, CreateEdge: &event.CreateEdge{
				EdgeTypeID: edgeSentBy, FromID: "m-1", ToID: "u-1",
			}},
		},
	}
	res, err = ts.ApplyTransaction(ctx, dup, pos(1))
	require.NoError(t, err)
	assert.Equal(t, store.StatusApplied, res.Status)
	out, err = ts.EdgesOut(ctx, "m-1", 0)
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, "api", out[0].Props["via"], "first write wins for duplicate edges")

	// Endpoint types must match the edge definition.
	backwards := &event.Event{
		EventID: "evt-k3", TenantID: "acme", Actor: "user:ana", IdempotencyKey: "k3",
		CreatedAtMs: 1724630402000,
		Operations: []event.Operation{
			{Kind: event.OpCreateEdge, CreateEdge: &event.CreateEdge{
				EdgeTypeID: edgeSentBy, FromID: "u-1", ToID: "m-1",
			}},
		},
	}
	res, err = ts.ApplyTransaction(ctx, backwards, pos(2))
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, res.Status)
	assert.Contains(t, res.FailureReason, "do not match edge type")

	// delete_edge removes it; a second delete is a no-op.
	del := &event.Event{
		EventID: "evt-k4", TenantID: "acme", Actor: "user:ana", IdempotencyKey: "k4",
		CreatedAtMs: 1724630403000,
		Operations: []event.Operation{
			{Kind: event.OpDeleteEdge, DeleteEdge: &event.DeleteEdge{EdgeTypeID: edgeSentBy, FromID: "m-1", ToID: "u-1"}},
			{Kind: event.OpDeleteEdge, DeleteEdge: &event.DeleteEdge{EdgeTypeID: edgeSentBy, FromID: "m-1", ToID: "u-1"}},
		},
	}
	res, err = ts.ApplyTransaction(ctx, del, pos(3))
	require.NoError(t, err)
	assert.Equal(t, store.StatusApplied, res.Status)
	out, err = ts.EdgesOut(ctx, "m-1", 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestEdgesHideDeletedFarEndpoint(t *testing.T) {
	ctx := context.Background()
	ts := openTenant(t)

	setup := &event.Event{
		EventID: "evt-k1", TenantID: "acme", Actor: "user:ana", IdempotencyKey: "k1",
		CreatedAtMs: 1724630400000,
		Operations: []event.Operation{
			{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
				TypeID: typeMessage, Payload: map[string]any{"subject": "s"}, AssignedID: "m-1",
			}},
			{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
				TypeID: typeUser, Payload: map[string]any{"handle": "ana"}, AssignedID: "u-1",
			}},
			{Kind: event.OpCreateEdge, CreateEdge: &event.CreateEdge{
				EdgeTypeID: edgeSentBy, FromID: "m-1", ToID: "u-1",
			}},
		},
	}
	_, err := ts.ApplyTransaction(ctx, setup, pos(0))
	require.NoError(t, err)

	del := &event.Event{
		EventID: "evt-k2", TenantID: "acme", Actor: "user:ana", IdempotencyKey: "k2",
		CreatedAtMs: 1724630401000,
		Operations: []event.Operation{
			{Kind: event.OpDeleteNode, DeleteNode: &event.DeleteNode{NodeID: "u-1"}},
		},
	}
	_, err = ts.ApplyTransaction(ctx, del, pos(1))
	require.NoError(t, err)

	out, err := ts.EdgesOut(ctx, "m-1", 0)
	require.NoError(t, err)
	assert.Empty(t, out, "edges to a soft-deleted endpoint are hidden")
}

func TestApplySetVisibility(t *testing.T) {
	ctx := context.Background()
	ts := openTenant(t)

	_, err := ts.ApplyTransaction(ctx, createNodeEvent("k1", "n-1", "hello"), pos(0))
	require.NoError(t, err)

	ev := &event.Event{
		EventID: "evt-k2", TenantID: "acme", Actor: "user:ana", IdempotencyKey: "k2",
		CreatedAtMs: 1724630401000,
		Operations: []event.Operation{
			{Kind: event.OpSetVisibility, SetVisibility: &event.SetVisibility{
				NodeID: "n-1", Principals: []string{"group:eng", "user:bo"},
			}},
		},
	}
	res, err := ts.ApplyTransaction(ctx, ev, pos(1))
	require.NoError(t, err)
	require.Equal(t, store.StatusApplied, res.Status)

	n, err := ts.GetNode(ctx, "n-1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"group:eng", "user:bo"}, n.ACL)

	assert.True(t, n.VisibleTo("user:ana", nil), "owner always sees its node")
	assert.True(t, n.VisibleTo("user:bo", nil))
	assert.True(t, n.VisibleTo("user:cal", []string{"group:eng"}))
	assert.False(t, n.VisibleTo("user:cal", nil))
}

func TestDefaultACLApplies(t *testing.T) {
	ctx := context.Background()
	ts := openTenant(t)

	ev := &event.Event{
		EventID: "evt-k1", TenantID: "acme", Actor: "user:ana", IdempotencyKey: "k1",
		CreatedAtMs: 1724630400000,
		Operations: []event.Operation{
			{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
				TypeID: typeUser, Payload: map[string]any{"handle": "ana"}, AssignedID: "u-1",
			}},
		},
	}
	_, err := ts.ApplyTransaction(ctx, ev, pos(0))
	require.NoError(t, err)

	n, err := ts.GetNode(ctx, "u-1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant:*"}, n.ACL)
	assert.True(t, n.VisibleTo("user:anyone", nil))
}

func TestMailboxFanOut(t *testing.T) {
	ctx := context.Background()
	ts := openTenant(t)

	ev := createNodeEvent("k1", "n-1", "lunch plans", "user:bo", "user:cal")
	ev.Operations[0].CreateNode.Payload["thread_id"] = "t-9"
	_, err := ts.ApplyTransaction(ctx, ev, pos(0))
	require.NoError(t, err)

	items, err := ts.Mailbox(ctx, "user:bo", 0, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "n-1", items[0].RefID)
	assert.Equal(t, "lunch plans", items[0].Snippet)
	assert.Equal(t, "t-9", items[0].ThreadID)

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", ev.EventID, 0, "user:bo")))
	assert.Equal(t, hex.EncodeToString(sum[:16]), items[0].ItemID)

	// Replaying the event leaves a single item per recipient.
	_, err = ts.ApplyTransaction(ctx, ev, pos(3))
	require.NoError(t, err)
	items, err = ts.Mailbox(ctx, "user:cal", 0, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestMailboxSearch(t *testing.T) {
	ctx := context.Background()
	ts := openTenant(t)

	_, err := ts.ApplyTransaction(ctx, createNodeEvent("k1", "n-1", "quarterly budget review", "user:bo"), pos(0))
	require.NoError(t, err)
	_, err = ts.ApplyTransaction(ctx, createNodeEvent("k2", "n-2", "lunch plans", "user:bo"), pos(1))
	require.NoError(t, err)
	_, err = ts.ApplyTransaction(ctx, createNodeEvent("k3", "n-3", "budget approved", "user:cal"), pos(2))
	require.NoError(t, err)

	hits, err := ts.Search(ctx, "user:bo", "budget", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "n-1", hits[0].RefID)

	hits, err = ts.Search(ctx, "user:bo", "nothing", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestQueryNodesFilters(t *testing.T) {
	ctx := context.Background()
	ts := openTenant(t)

	for i, subject := range []string{"alpha", "beta", "gamma"} {
		ev := createNodeEvent(fmt.Sprintf("k%d", i), fmt.Sprintf("n-%d", i), subject)
		ev.CreatedAtMs += int64(i)
		_, err := ts.ApplyTransaction(ctx, ev, pos(int64(i)))
		require.NoError(t, err)
	}

	nodes, err := ts.QueryNodes(ctx, typeMessage, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "n-0", nodes[0].ID, "ordered by created_at")

	nodes, err = ts.QueryNodes(ctx, typeMessage, map[string]any{"subject": "beta"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "n-1", nodes[0].ID)

	nodes, err = ts.QueryNodes(ctx, typeMessage, nil, 2, 1)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "n-1", nodes[0].ID)
}

func TestManagerTenantsAndEvict(t *testing.T) {
	ctx := context.Background()
	mgr, err := store.NewManager(t.TempDir(), testRegistry(t), nil)
	require.NoError(t, err)
	defer mgr.Close()

	_, err = mgr.Open(ctx, "acme")
	require.NoError(t, err)
	_, err = mgr.Open(ctx, "globex")
	require.NoError(t, err)

	tenants, err := mgr.Tenants()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme", "globex"}, tenants)

	require.NoError(t, mgr.Evict("acme"))
	reopened, err := mgr.Open(ctx, "acme")
	require.NoError(t, err)
	assert.NotNil(t, reopened)

	_, err = mgr.Open(ctx, "")
	assert.Error(t, err)
}

func TestBackupIsConsistentCopy(t *testing.T) {
	ctx := context.Background()
	mgr, err := store.NewManager(t.TempDir(), testRegistry(t), nil)
	require.NoError(t, err)
	defer mgr.Close()
	ts, err := mgr.Open(ctx, "acme")
	require.NoError(t, err)

	_, err = ts.ApplyTransaction(ctx, createNodeEvent("k1", "n-1", "hello", "user:bo"), pos(0))
	require.NoError(t, err)

	destRoot := t.TempDir()
	files, err := ts.Backup(ctx, destRoot)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"canonical.db", "mailbox.db"}, files)

	// Open the backup as a fresh tenant and verify the state survived.
	restoredRoot := t.TempDir()
	copied, err := store.NewManager(restoredRoot, testRegistry(t), nil)
	require.NoError(t, err)
	defer copied.Close()
	copyDir(t, destRoot, filepath.Join(restoredRoot, "acme"))
	rts, err := copied.Open(ctx, "acme")
	require.NoError(t, err)

	n, err := rts.GetNode(ctx, "n-1", false)
	require.NoError(t, err)
	assert.Equal(t, "hello", n.Payload["subject"])
	cp, ok, err := rts.Checkpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pos(0), cp)

	items, err := rts.Mailbox(ctx, "user:bo", 0, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func copyDir(t *testing.T, src, dest string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dest, 0o755))
	entries, err := os.ReadDir(src)
	require.NoError(t, err)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(src, e.Name()))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dest, e.Name()), raw, 0o644))
	}
}

func TestWaitPosition(t *testing.T) {
	ctx := context.Background()
	ts := openTenant(t)

	ok, err := ts.WaitPosition(ctx, pos(0))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ts.ApplyTransaction(ctx, createNodeEvent("k1", "n-1", "hello"), pos(3))
	require.NoError(t, err)

	ok, err = ts.WaitPosition(ctx, pos(3))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ts.WaitPosition(ctx, pos(4))
	require.NoError(t, err)
	assert.False(t, ok)
}
