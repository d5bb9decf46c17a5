// Package coordinator implements the transaction coordinator: it validates
// an atomic operation group against the schema registry, assigns node ids,
// resolves intra-transaction aliases, frames a single WAL record, appends
// it, and returns a receipt. Coordinator instances are stateless and may
// run in parallel; per-tenant order is the WAL's append order.
package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/elloloop/entdb/pkg/errcode"
	"github.com/elloloop/entdb/pkg/event"
	"github.com/elloloop/entdb/pkg/schema"
	"github.com/elloloop/entdb/pkg/store"
	"github.com/elloloop/entdb/pkg/wal"
)

// Receipt is the coordinator's reply to an atomic execute.
type Receipt struct {
	ReceiptID     string            `json:"receipt_id"`
	WalPosition   wal.Position      `json:"wal_position"`
	Applied       bool              `json:"applied"`
	Conflict      *store.Conflict   `json:"conflict,omitempty"`
	ResultAliases map[string]string `json:"result_aliases,omitempty"`
}

// Request is one atomic transaction as submitted by a client.
type Request struct {
	TenantID       string            `json:"tenant_id"`
	Actor          string            `json:"actor"`
	IdempotencyKey string            `json:"idempotency_key"`
	Operations     []event.Operation `json:"operations"`
	// WaitForApplied blocks the call until the applier reaches the
	// record's position or the deadline elapses.
	WaitForApplied bool `json:"wait_for_applied,omitempty"`
}

// AppliedWaiter exposes the applier's per-tenant applied position.
type AppliedWaiter interface {
	WaitForApplied(ctx context.Context, tenant string, pos wal.Position) error
}

// Metrics receives write-path measurements. Implementations must be safe
// for concurrent use; the observability provider satisfies it.
type Metrics interface {
	RecordTransaction(ctx context.Context, tenant, outcome string)
	RecordConflict(ctx context.Context, tenant string)
	RecordAppend(ctx context.Context, d time.Duration)
}

// Config tunes the coordinator.
type Config struct {
	MaxRecordBytes  int
	DefaultDeadline time.Duration
}

// Coordinator validates and appends atomic transactions.
type Coordinator struct {
	reg      *schema.Registry
	stream   wal.Stream
	stores   *store.Manager
	inflight InflightCache
	waiter   AppliedWaiter
	cfg      Config
	logger   *slog.Logger
	metrics  Metrics
	idSeq    atomic.Uint64
}

// New creates a coordinator. waiter may be nil when wait_for_applied is
// not served by this instance.
func New(reg *schema.Registry, stream wal.Stream, stores *store.Manager, inflight InflightCache, waiter AppliedWaiter, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.DefaultDeadline == 0 {
		cfg.DefaultDeadline = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		reg:      reg,
		stream:   stream,
		stores:   stores,
		inflight: inflight,
		waiter:   waiter,
		cfg:      cfg,
		logger:   logger,
	}
}

// WithMetrics attaches a metrics sink and returns the coordinator.
func (c *Coordinator) WithMetrics(m Metrics) *Coordinator {
	c.metrics = m
	return c
}

// Execute runs the coordination pipeline for one atomic request.
func (c *Coordinator) Execute(ctx context.Context, req Request) (*Receipt, error) {
	receipt, err := c.execute(ctx, req)
	if c.metrics != nil {
		outcome := "accepted"
		if err != nil {
			outcome = strings.ToLower(string(errcode.CodeOf(err)))
		}
		c.metrics.RecordTransaction(ctx, req.TenantID, outcome)
		if err == nil && receipt.Conflict != nil {
			c.metrics.RecordConflict(ctx, req.TenantID)
		}
	}
	return receipt, err
}

func (c *Coordinator) execute(ctx context.Context, req Request) (*Receipt, error) {
	if req.TenantID == "" || req.Actor == "" {
		return nil, errcode.New(errcode.CodeInvalidRequest, "tenant_id and actor are required")
	}
	if len(req.Operations) == 0 {
		return nil, errcode.New(errcode.CodeInvalidRequest, "operations cannot be empty")
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	for i, op := range req.Operations {
		if err := op.Validate(); err != nil {
			return nil, errcode.Newf(errcode.CodeInvalidRequest, "operation %d: %v", i, err)
		}
	}

	bodyFP, err := event.BodyFingerprint(req.Operations)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeInternal, err)
	}
	bodyHex := hex.EncodeToString(bodyFP[:])

	// Idempotency: a durable prior receipt wins; a reused key with a
	// different body is an error.
	if prior, err := c.lookupPrior(ctx, req, bodyHex); err != nil {
		return nil, err
	} else if prior != nil {
		return prior, nil
	}

	ev, aliases, err := c.buildEvent(ctx, req)
	if err != nil {
		return nil, err
	}
	frame, err := event.Encode(ev)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeInternal, err)
	}
	if c.cfg.MaxRecordBytes > 0 && len(frame) > c.cfg.MaxRecordBytes {
		return nil, errcode.Newf(errcode.CodeInvalidRequest,
			"transaction is %d bytes framed, limit %d", len(frame), c.cfg.MaxRecordBytes).
			WithDetail("record_bytes", len(frame)).
			WithDetail("limit_bytes", c.cfg.MaxRecordBytes)
	}

	appendStart := time.Now()
	pos, err := c.append(ctx, req.TenantID, frame)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordAppend(ctx, time.Since(appendStart))
	}

	receipt := &Receipt{
		ReceiptID:     uuid.NewString(),
		WalPosition:   pos,
		ResultAliases: aliases,
	}
	if c.inflight != nil {
		if err := c.inflight.Put(ctx, req.TenantID, req.IdempotencyKey, &inflightEntry{
			Receipt:         receipt,
			BodyFingerprint: bodyHex,
		}); err != nil {
			c.logger.Warn("failed to cache inflight receipt", "error", err)
		}
	}

	if req.WaitForApplied && c.waiter != nil {
		waitCtx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, c.cfg.DefaultDeadline)
			defer cancel()
		}
		if err := c.waiter.WaitForApplied(waitCtx, req.TenantID, pos); err == nil {
			receipt.Applied = true
			c.attachApplyOutcome(ctx, req, receipt)
		}
		// A deadline while waiting returns the receipt unapplied, not an
		// error: the append is already durable.
	}
	return receipt, nil
}

// lookupPrior consults the inflight cache and then the durable
// applied_events table for a prior receipt under the same key.
func (c *Coordinator) lookupPrior(ctx context.Context, req Request, bodyHex string) (*Receipt, error) {
	if c.inflight != nil {
		if entry, ok, err := c.inflight.Get(ctx, req.TenantID, req.IdempotencyKey); err == nil && ok {
			if entry.BodyFingerprint != bodyHex {
				return nil, errcode.New(errcode.CodeInvalidRequest,
					"idempotency key reused with a different request body")
			}
			return entry.Receipt, nil
		}
	}
	ts, err := c.stores.Open(ctx, req.TenantID)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeInternal, err)
	}
	result, ok, err := ts.AppliedEvent(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeInternal, err)
	}
	if !ok {
		return nil, nil
	}
	return &Receipt{
		ReceiptID:     uuid.NewString(),
		WalPosition:   result.WalPosition,
		Applied:       true,
		Conflict:      result.Conflict,
		ResultAliases: result.ResultAliases,
	}, nil
}

// attachApplyOutcome surfaces a conflict recorded by the applier to a
// wait_for_applied caller.
func (c *Coordinator) attachApplyOutcome(ctx context.Context, req Request, receipt *Receipt) {
	ts, err := c.stores.Open(ctx, req.TenantID)
	if err != nil {
		return
	}
	if result, ok, err := ts.AppliedEvent(ctx, req.IdempotencyKey); err == nil && ok {
		receipt.Conflict = result.Conflict
	}
}

// buildEvent validates operations, expands defaults, assigns node ids,
// and resolves alias references.
func (c *Coordinator) buildEvent(ctx context.Context, req Request) (*event.Event, map[string]string, error) {
	fingerprint, err := c.reg.Fingerprint()
	if err != nil {
		return nil, nil, errcode.Wrap(errcode.CodeInternal, err)
	}

	aliases := make(map[string]string)
	ops := make([]event.Operation, len(req.Operations))
	for i, op := range req.Operations {
		ops[i] = op
		if op.Kind != event.OpCreateNode {
			continue
		}
		cn := *op.CreateNode
		if errs := c.reg.Validate(cn.TypeID, cn.Payload); len(errs) > 0 {
			return nil, nil, validationError(i, errs)
		}
		expanded, err := c.reg.ExpandDefaults(cn.TypeID, cn.Payload)
		if err != nil {
			return nil, nil, errcode.Wrap(errcode.CodeInvalidRequest, err)
		}
		cn.Payload = expanded
		cn.AssignedID = c.newNodeID()
		if cn.Alias != "" {
			if _, dup := aliases[cn.Alias]; dup {
				return nil, nil, errcode.Newf(errcode.CodeInvalidRequest, "operation %d: duplicate alias %q", i, cn.Alias)
			}
			aliases[cn.Alias] = cn.AssignedID
		}
		ops[i].CreateNode = &cn
	}

	// Resolve "$alias.id" references; aliases bind only within this
	// transaction.
	resolve := func(opIndex int, ref string) (string, error) {
		id, err := resolveAlias(ref, aliases)
		if err != nil {
			return "", errcode.Newf(errcode.CodeInvalidRequest, "operation %d: %v", opIndex, err)
		}
		return id, nil
	}
	for i := range ops {
		switch ops[i].Kind {
		case event.OpUpdateNode:
			up := *ops[i].UpdateNode
			if up.NodeID, err = resolve(i, up.NodeID); err != nil {
				return nil, nil, err
			}
			ops[i].UpdateNode = &up
		case event.OpDeleteNode:
			dn := *ops[i].DeleteNode
			if dn.NodeID, err = resolve(i, dn.NodeID); err != nil {
				return nil, nil, err
			}
			ops[i].DeleteNode = &dn
		case event.OpCreateEdge:
			ce := *ops[i].CreateEdge
			if ce.FromID, err = resolve(i, ce.FromID); err != nil {
				return nil, nil, err
			}
			if ce.ToID, err = resolve(i, ce.ToID); err != nil {
				return nil, nil, err
			}
			if _, err := c.reg.EdgeType(ce.EdgeTypeID); err != nil {
				return nil, nil, errcode.Newf(errcode.CodeInvalidRequest, "operation %d: %v", i, err)
			}
			ops[i].CreateEdge = &ce
		case event.OpDeleteEdge:
			de := *ops[i].DeleteEdge
			if de.FromID, err = resolve(i, de.FromID); err != nil {
				return nil, nil, err
			}
			if de.ToID, err = resolve(i, de.ToID); err != nil {
				return nil, nil, err
			}
			ops[i].DeleteEdge = &de
		case event.OpSetVisibility:
			sv := *ops[i].SetVisibility
			if sv.NodeID, err = resolve(i, sv.NodeID); err != nil {
				return nil, nil, err
			}
			ops[i].SetVisibility = &sv
		}
	}

	if err := c.preflight(ctx, req, ops, aliases); err != nil {
		return nil, nil, err
	}

	return &event.Event{
		EventID:           uuid.NewString(),
		TenantID:          req.TenantID,
		Actor:             req.Actor,
		IdempotencyKey:    req.IdempotencyKey,
		SchemaFingerprint: fingerprint[:],
		CreatedAtMs:       time.Now().UnixMilli(),
		Operations:        ops,
	}, aliases, nil
}

// preflight does the best-effort read-side checks: existing node ids used
// by edges and updates must resolve, and expected versions must match the
// currently applied state. These checks race the applier by design; the
// authoritative check happens at apply time.
func (c *Coordinator) preflight(ctx context.Context, req Request, ops []event.Operation, aliases map[string]string) error {
	assigned := make(map[string]bool, len(aliases))
	for _, id := range aliases {
		assigned[id] = true
	}
	ts, err := c.stores.Open(ctx, req.TenantID)
	if err != nil {
		return errcode.Wrap(errcode.CodeInternal, err)
	}
	exists := func(opIndex int, id string) error {
		if assigned[id] {
			return nil
		}
		if _, err := ts.GetNode(ctx, id, false); err == store.ErrNotFound {
			return errcode.Newf(errcode.CodeNotFound, "operation %d: node %s not found", opIndex, id)
		} else if err != nil {
			return errcode.Wrap(errcode.CodeInternal, err)
		}
		return nil
	}
	for i, op := range ops {
		if op.Kind == event.OpCreateEdge {
			if err := exists(i, op.CreateEdge.FromID); err != nil {
				return err
			}
			if err := exists(i, op.CreateEdge.ToID); err != nil {
				return err
			}
		}
		if op.Kind != event.OpUpdateNode {
			continue
		}
		up := op.UpdateNode
		if assigned[up.NodeID] {
			continue
		}
		node, err := ts.GetNode(ctx, up.NodeID, false)
		if err == store.ErrNotFound {
			return errcode.Newf(errcode.CodeNotFound, "operation %d: node %s not found", i, up.NodeID)
		}
		if err != nil {
			return errcode.Wrap(errcode.CodeInternal, err)
		}
		// Patch fields validate individually; required fields may be
		// absent from a patch.
		var patchErrs []schema.FieldError
		for _, fe := range c.reg.Validate(node.TypeID, up.Patch) {
			if fe.Message == "required field is missing" {
				continue
			}
			patchErrs = append(patchErrs, fe)
		}
		if len(patchErrs) > 0 {
			return validationError(i, patchErrs)
		}
		if up.ExpectedVersion != nil && *up.ExpectedVersion != node.Version {
			return (&errcode.Error{
				Code:          errcode.CodeConflict,
				Message:       fmt.Sprintf("operation %d: version mismatch on %s", i, up.NodeID),
				CorrelationID: uuid.NewString(),
			}).WithDetail("expected_version", *up.ExpectedVersion).
				WithDetail("observed_version", node.Version)
		}
	}
	return nil
}

// append writes the framed event, retrying UNAVAILABLE once with jittered
// backoff before surfacing it.
func (c *Coordinator) append(ctx context.Context, tenant string, frame []byte) (wal.Position, error) {
	pos, err := c.stream.Append(ctx, tenant, frame)
	if err == nil {
		return pos, nil
	}
	switch wal.Classify(err) {
	case wal.FailurePermanent:
		return wal.Position{}, errcode.Wrap(errcode.CodeInvalidRequest, err)
	case wal.FailureUnavailable:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.MaxInterval = 500 * time.Millisecond
		b.MaxElapsedTime = 2 * time.Second
		retryErr := backoff.Retry(func() error {
			var aerr error
			pos, aerr = c.stream.Append(ctx, tenant, frame)
			if aerr != nil && wal.Classify(aerr) == wal.FailureUnavailable {
				return aerr
			}
			if aerr != nil {
				return backoff.Permanent(aerr)
			}
			return nil
		}, backoff.WithContext(b, ctx))
		if retryErr == nil {
			return pos, nil
		}
		if ctx.Err() != nil {
			return wal.Position{}, errcode.New(errcode.CodeTimeout, "deadline exceeded awaiting WAL acknowledgment")
		}
		return wal.Position{}, errcode.Wrap(errcode.CodeServiceUnavailable, retryErr)
	default:
		if ctx.Err() != nil {
			return wal.Position{}, errcode.New(errcode.CodeTimeout, "deadline exceeded awaiting WAL acknowledgment")
		}
		return wal.Position{}, errcode.Wrap(errcode.CodeServiceUnavailable, err)
	}
}

// newNodeID issues a tenant-local opaque id: 128 random bits plus a
// base36 monotonic suffix so ids from one coordinator sort uniquely.
func (c *Coordinator) newNodeID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	seq := c.idSeq.Add(1)
	return hex.EncodeToString(buf[:]) + "-" + big.NewInt(int64(seq)).Text(36)
}

// resolveAlias maps "$alias.id" to the assigned id; plain ids pass through.
func resolveAlias(ref string, aliases map[string]string) (string, error) {
	if !strings.HasPrefix(ref, "$") {
		return ref, nil
	}
	name := strings.TrimPrefix(ref, "$")
	name = strings.TrimSuffix(name, ".id")
	id, ok := aliases[name]
	if !ok {
		return "", fmt.Errorf("unresolved alias reference %q", ref)
	}
	return id, nil
}

func validationError(opIndex int, errs []schema.FieldError) error {
	e := errcode.Newf(errcode.CodeValidationError, "operation %d failed schema validation", opIndex)
	fields := make([]map[string]any, 0, len(errs))
	for _, fe := range errs {
		detail := map[string]any{"field": fe.Field, "message": fe.Message}
		if fe.Expected != "" {
			detail["expected"] = fe.Expected
		}
		if fe.Actual != "" {
			detail["actual"] = fe.Actual
		}
		if len(fe.Suggestions) > 0 {
			detail["suggestions"] = fe.Suggestions
		}
		fields = append(fields, detail)
	}
	raw, _ := json.Marshal(fields)
	var decoded []any
	_ = json.Unmarshal(raw, &decoded)
	return e.WithDetail("fields", decoded)
}
