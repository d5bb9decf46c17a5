package coordinator_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elloloop/entdb/pkg/applier"
	"github.com/elloloop/entdb/pkg/coordinator"
	"github.com/elloloop/entdb/pkg/errcode"
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
			{FieldID: 2, Name: "body", Kind: schema.KindString},
		},
	}))
	require.NoError(t, r.RegisterNodeType(schema.NodeTypeDef{
		TypeID: typeUser,
		Name:   "user",
		Fields: []schema.FieldDef{
			{FieldID: 1, Name: "handle", Kind: schema.KindString, Required: true},
		},
	}))
	require.NoError(t, r.RegisterEdgeType(schema.EdgeTypeDef{
		EdgeID: edgeSentBy, Name: "sent_by", FromTypeID: typeMessage, ToTypeID: typeUser,
	}))
	r.Freeze()
	return r
}

// env wires a coordinator against a memory WAL with a live applier.
type env struct {
	stream *wal.MemoryStream
	stores *store.Manager
	coord  *coordinator.Coordinator
}

func newEnv(t *testing.T, cfg coordinator.Config) *env {
	t.Helper()
	reg := testRegistry(t)
	stream := wal.NewMemoryStream(1, 0)
	stores, err := store.NewManager(t.TempDir(), reg, nil)
	require.NoError(t, err)
	deadletter, err := applier.NewDeadLetter(t.TempDir())
	require.NoError(t, err)
	tracker := applier.NewAppliedTracker()
	app := applier.New(stream, stores, deadletter, tracker, applier.Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = app.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = stores.Close()
		_ = stream.Close()
	})

	inflight := coordinator.NewMemoryInflightCache(time.Minute)
	t.Cleanup(func() { _ = inflight.Close() })
	coord := coordinator.New(reg, stream, stores, inflight, tracker, cfg, nil)
	return &env{stream: stream, stores: stores, coord: coord}
}

func TestMemoryInflightCacheCloseStopsSweeper(t *testing.T) {
	ctx := context.Background()
	cache := coordinator.NewMemoryInflightCache(time.Minute)

	_, ok, err := cache.Get(ctx, "acme", "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Close blocks until the sweeper goroutine has exited and is safe to
	// call more than once.
	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close())

	// Reads still enforce the TTL after Close.
	_, ok, err = cache.Get(ctx, "acme", "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func createRequest(key, subject string) coordinator.Request {
	return coordinator.Request{
		TenantID:       "acme",
		Actor:          "user:ana",
		IdempotencyKey: key,
		WaitForApplied: true,
		Operations: []event.Operation{
			{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
				TypeID:  typeMessage,
				Payload: map[string]any{"subject": subject},
				Alias:   "msg",
			}},
		},
	}
}

func TestExecuteAtomicCreateWithAlias(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, coordinator.Config{})

	receipt, err := e.coord.Execute(ctx, coordinator.Request{
		TenantID:       "acme",
		Actor:          "user:ana",
		IdempotencyKey: "k1",
		WaitForApplied: true,
		Operations: []event.Operation{
			{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
				TypeID:  typeMessage,
				Payload: map[string]any{"subject": "hello"},
				Alias:   "msg",
			}},
			{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
				TypeID:  typeUser,
				Payload: map[string]any{"handle": "ana"},
				Alias:   "sender",
			}},
			{Kind: event.OpCreateEdge, CreateEdge: &event.CreateEdge{
				EdgeTypeID: edgeSentBy,
				FromID:     "$msg.id",
				ToID:       "$sender.id",
			}},
		},
	})
	require.NoError(t, err)
	assert.True(t, receipt.Applied)
	assert.Nil(t, receipt.Conflict)
	require.Contains(t, receipt.ResultAliases, "msg")
	require.Contains(t, receipt.ResultAliases, "sender")

	ts, err := e.stores.Open(ctx, "acme")
	require.NoError(t, err)
	msg, err := ts.GetNode(ctx, receipt.ResultAliases["msg"], false)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Payload["subject"])

	edges, err := ts.EdgesOut(ctx, receipt.ResultAliases["msg"], edgeSentBy)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, receipt.ResultAliases["sender"], edges[0].ToID)
}

func TestExecuteIdenticalResendReturnsSameReceipt(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, coordinator.Config{})

	first, err := e.coord.Execute(ctx, createRequest("k1", "hello"))
	require.NoError(t, err)
	second, err := e.coord.Execute(ctx, createRequest("k1", "hello"))
	require.NoError(t, err)

	assert.Equal(t, first.WalPosition, second.WalPosition)
	assert.Equal(t, first.ResultAliases, second.ResultAliases)

	// Exactly one record was appended.
	latest, err := e.stream.LatestPosition(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Offset)
}

func TestExecuteDurableResendAfterCacheLoss(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, coordinator.Config{})

	first, err := e.coord.Execute(ctx, createRequest("k1", "hello"))
	require.NoError(t, err)

	// A fresh coordinator has an empty inflight cache; the durable
	// applied_events row still answers the resend.
	fresh := coordinator.New(testRegistry(t), e.stream, e.stores,
		coordinator.NewMemoryInflightCache(time.Minute), nil, coordinator.Config{}, nil)
	second, err := fresh.Execute(ctx, createRequest("k1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, first.WalPosition, second.WalPosition)
	assert.True(t, second.Applied)

	latest, err := e.stream.LatestPosition(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Offset)
}

func TestExecuteKeyReuseWithDifferentBody(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, coordinator.Config{})

	_, err := e.coord.Execute(ctx, createRequest("k1", "hello"))
	require.NoError(t, err)

	_, err = e.coord.Execute(ctx, createRequest("k1", "different"))
	require.Error(t, err)
	assert.Equal(t, errcode.CodeInvalidRequest, errcode.CodeOf(err))
	assert.Contains(t, err.Error(), "idempotency key reused")
}

func TestExecuteRejectsMalformedRequests(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, coordinator.Config{})

	_, err := e.coord.Execute(ctx, coordinator.Request{Actor: "user:ana"})
	assert.Equal(t, errcode.CodeInvalidRequest, errcode.CodeOf(err))

	_, err = e.coord.Execute(ctx, coordinator.Request{TenantID: "acme", Actor: "user:ana"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operations cannot be empty")

	_, err = e.coord.Execute(ctx, coordinator.Request{
		TenantID: "acme", Actor: "user:ana",
		Operations: []event.Operation{{Kind: event.OpCreateNode}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create_node body missing")
}

func TestExecuteSchemaValidationError(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, coordinator.Config{})

	_, err := e.coord.Execute(ctx, coordinator.Request{
		TenantID: "acme", Actor: "user:ana",
		Operations: []event.Operation{
			{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
				TypeID:  typeMessage,
				Payload: map[string]any{"subjct": "typo"},
			}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, errcode.CodeValidationError, errcode.CodeOf(err))

	var ce *errcode.Error
	require.ErrorAs(t, err, &ce)
	fields, ok := ce.Details["fields"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, fields)
	detail := fields[0].(map[string]any)
	assert.Equal(t, "subjct", detail["field"])
	assert.Contains(t, detail["suggestions"], "subject")
}

func TestExecuteUnresolvedAlias(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, coordinator.Config{})

	_, err := e.coord.Execute(ctx, coordinator.Request{
		TenantID: "acme", Actor: "user:ana",
		Operations: []event.Operation{
			{Kind: event.OpDeleteNode, DeleteNode: &event.DeleteNode{NodeID: "$ghost.id"}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, errcode.CodeInvalidRequest, errcode.CodeOf(err))
	assert.Contains(t, err.Error(), "unresolved alias")
}

func TestExecuteDuplicateAlias(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, coordinator.Config{})

	op := event.Operation{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
		TypeID: typeMessage, Payload: map[string]any{"subject": "s"}, Alias: "same",
	}}
	_, err := e.coord.Execute(ctx, coordinator.Request{
		TenantID: "acme", Actor: "user:ana",
		Operations: []event.Operation{op, op},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate alias")
}

func TestExecuteOversizeTransaction(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, coordinator.Config{MaxRecordBytes: 256})

	_, err := e.coord.Execute(ctx, coordinator.Request{
		TenantID: "acme", Actor: "user:ana",
		Operations: []event.Operation{
			{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
				TypeID:  typeMessage,
				Payload: map[string]any{"subject": strings.Repeat("x", 1024)},
			}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, errcode.CodeInvalidRequest, errcode.CodeOf(err))
	var ce *errcode.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 256, ce.Details["limit_bytes"])
}

func TestExecutePreflightNotFound(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, coordinator.Config{})

	_, err := e.coord.Execute(ctx, coordinator.Request{
		TenantID: "acme", Actor: "user:ana",
		Operations: []event.Operation{
			{Kind: event.OpUpdateNode, UpdateNode: &event.UpdateNode{
				NodeID: "ghost", Patch: map[string]any{"body": "x"},
			}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, errcode.CodeNotFound, errcode.CodeOf(err))
}

func TestExecutePreflightVersionConflict(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, coordinator.Config{})

	receipt, err := e.coord.Execute(ctx, createRequest("k1", "hello"))
	require.NoError(t, err)
	require.True(t, receipt.Applied)
	nodeID := receipt.ResultAliases["msg"]

	wrong := int64(9)
	_, err = e.coord.Execute(ctx, coordinator.Request{
		TenantID: "acme", Actor: "user:ana",
		Operations: []event.Operation{
			{Kind: event.OpUpdateNode, UpdateNode: &event.UpdateNode{
				NodeID: nodeID, Patch: map[string]any{"body": "x"}, ExpectedVersion: &wrong,
			}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, errcode.CodeConflict, errcode.CodeOf(err))
	var ce *errcode.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(9), ce.Details["expected_version"])
	assert.Equal(t, int64(1), ce.Details["observed_version"])
}

func TestExecuteAppendFailureClasses(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, coordinator.Config{})

	// A permanent append failure maps to INVALID_REQUEST without retry.
	e.stream.AppendFault = func(key string) error {
		return fmt.Errorf("%w: rejected by broker", wal.ErrPermanent)
	}
	_, err := e.coord.Execute(ctx, coordinator.Request{
		TenantID: "acme", Actor: "user:ana", IdempotencyKey: "k1",
		Operations: []event.Operation{
			{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
				TypeID: typeMessage, Payload: map[string]any{"subject": "s"},
			}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, errcode.CodeInvalidRequest, errcode.CodeOf(err))

	// A transient unavailability heals on retry.
	faults := 0
	e.stream.AppendFault = func(key string) error {
		faults++
		if faults <= 2 {
			return fmt.Errorf("%w: quorum lost", wal.ErrUnavailable)
		}
		return nil
	}
	receipt, err := e.coord.Execute(ctx, coordinator.Request{
		TenantID: "acme", Actor: "user:ana", IdempotencyKey: "k2",
		Operations: []event.Operation{
			{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
				TypeID: typeMessage, Payload: map[string]any{"subject": "s"},
			}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), receipt.WalPosition.Offset)
}

func TestExecuteWaitDeadlineReturnsUnapplied(t *testing.T) {
	e := newEnv(t, coordinator.Config{})

	// A waiter that never reports progress stands in for a stalled applier.
	stalled := applier.NewAppliedTracker()
	coord := coordinator.New(testRegistry(t), e.stream, e.stores,
		coordinator.NewMemoryInflightCache(time.Minute), stalled, coordinator.Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	receipt, err := coord.Execute(ctx, createRequest("k-wait", "hello"))
	require.NoError(t, err, "a wait deadline is not an error: the append is durable")
	assert.False(t, receipt.Applied)
}
