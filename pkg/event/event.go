// Package event defines the WAL record: a transaction event holding an
// ordered operation list, and its length-prefixed, versioned wire framing.
// The same serialization is used on the wire and in the archive.
package event

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// OpKind discriminates the operation union.
type OpKind string

const (
	OpCreateNode    OpKind = "create_node"
	OpUpdateNode    OpKind = "update_node"
	OpDeleteNode    OpKind = "delete_node"
	OpCreateEdge    OpKind = "create_edge"
	OpDeleteEdge    OpKind = "delete_edge"
	OpSetVisibility OpKind = "set_visibility"
)

// CreateNode creates a node. AssignedID is filled by the coordinator before
// the event is framed; Alias is kept for receipt reconstruction on replay.
type CreateNode struct {
	TypeID     uint32         `json:"type_id"`
	Payload    map[string]any `json:"payload"`
	Alias      string         `json:"alias,omitempty"`
	Principals []string       `json:"principals,omitempty"`
	Recipients []string       `json:"recipients,omitempty"`
	AssignedID string         `json:"assigned_id"`
}

// UpdateNode shallow-merges Patch into an existing node's payload.
type UpdateNode struct {
	NodeID          string         `json:"node_id"`
	Patch           map[string]any `json:"patch"`
	ExpectedVersion *int64         `json:"expected_version,omitempty"`
}

// DeleteNode soft-deletes a node.
type DeleteNode struct {
	NodeID string `json:"node_id"`
}

// CreateEdge inserts a directed edge. Duplicate edges are a no-op.
type CreateEdge struct {
	EdgeTypeID uint32         `json:"edge_type_id"`
	FromID     string         `json:"from_id"`
	ToID       string         `json:"to_id"`
	Props      map[string]any `json:"props,omitempty"`
}

// DeleteEdge removes an edge. A missing edge is a no-op.
type DeleteEdge struct {
	EdgeTypeID uint32 `json:"edge_type_id"`
	FromID     string `json:"from_id"`
	ToID       string `json:"to_id"`
}

// SetVisibility replaces a node's ACL principal set.
type SetVisibility struct {
	NodeID     string   `json:"node_id"`
	Principals []string `json:"principals"`
}

// Operation is a tagged union; exactly one member matching Kind is set.
type Operation struct {
	Kind          OpKind         `json:"kind"`
	CreateNode    *CreateNode    `json:"create_node,omitempty"`
	UpdateNode    *UpdateNode    `json:"update_node,omitempty"`
	DeleteNode    *DeleteNode    `json:"delete_node,omitempty"`
	CreateEdge    *CreateEdge    `json:"create_edge,omitempty"`
	DeleteEdge    *DeleteEdge    `json:"delete_edge,omitempty"`
	SetVisibility *SetVisibility `json:"set_visibility,omitempty"`
}

// Validate checks that the member matching Kind is present.
func (o Operation) Validate() error {
	switch o.Kind {
	case OpCreateNode:
		if o.CreateNode == nil {
			return fmt.Errorf("create_node body missing")
		}
	case OpUpdateNode:
		if o.UpdateNode == nil {
			return fmt.Errorf("update_node body missing")
		}
	case OpDeleteNode:
		if o.DeleteNode == nil {
			return fmt.Errorf("delete_node body missing")
		}
	case OpCreateEdge:
		if o.CreateEdge == nil {
			return fmt.Errorf("create_edge body missing")
		}
	case OpDeleteEdge:
		if o.DeleteEdge == nil {
			return fmt.Errorf("delete_edge body missing")
		}
	case OpSetVisibility:
		if o.SetVisibility == nil {
			return fmt.Errorf("set_visibility body missing")
		}
	default:
		return fmt.Errorf("unknown operation kind %q", o.Kind)
	}
	return nil
}

// Event is one atomic transaction: a single WAL record.
type Event struct {
	EventID           string      `json:"event_id"`
	TenantID          string      `json:"tenant_id"`
	Actor             string      `json:"actor"`
	IdempotencyKey    string      `json:"idempotency_key"`
	SchemaFingerprint []byte      `json:"schema_fingerprint"`
	CreatedAtMs       int64       `json:"created_at_ms"`
	Operations        []Operation `json:"operations"`
}

// BodyFingerprint is the SHA-256 digest of the canonical serialization of
// an operation list. The coordinator stores it per idempotency key so that
// key reuse with a different body is rejected.
func BodyFingerprint(ops []Operation) ([32]byte, error) {
	raw, err := json.Marshal(ops)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to marshal operations: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to canonicalize operations: %w", err)
	}
	return sha256.Sum256(canonical), nil
}
