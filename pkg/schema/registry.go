package schema

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/gowebpki/jcs"
	"gopkg.in/yaml.v3"
)

// ErrFrozen is returned by mutating calls after Freeze.
var ErrFrozen = errors.New("schema registry is frozen")

// ErrUnknownType is returned for type lookups that do not resolve.
var ErrUnknownType = errors.New("unknown type")

// Registry holds the frozen set of node and edge types for a process.
// It is mutable until Freeze, immutable afterwards.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[uint32]*NodeTypeDef
	byName map[string]*NodeTypeDef
	edges  map[uint32]*EdgeTypeDef
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes:  make(map[uint32]*NodeTypeDef),
		byName: make(map[string]*NodeTypeDef),
		edges:  make(map[uint32]*EdgeTypeDef),
	}
}

// RegisterNodeType adds a node type. Duplicate type ids, duplicate names,
// and duplicate field ids within the type are rejected.
func (r *Registry) RegisterNodeType(def NodeTypeDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if def.TypeID == 0 {
		return fmt.Errorf("node type %q: type_id must be positive", def.Name)
	}
	if def.Name == "" {
		return fmt.Errorf("node type %d: name cannot be empty", def.TypeID)
	}
	if _, ok := r.nodes[def.TypeID]; ok {
		return fmt.Errorf("duplicate type_id %d", def.TypeID)
	}
	if _, ok := r.byName[def.Name]; ok {
		return fmt.Errorf("duplicate node type name %q", def.Name)
	}
	seen := make(map[uint32]bool, len(def.Fields))
	names := make(map[string]bool, len(def.Fields))
	for _, f := range def.Fields {
		if err := f.validate(); err != nil {
			return fmt.Errorf("node type %q: %w", def.Name, err)
		}
		if seen[f.FieldID] {
			return fmt.Errorf("node type %q: duplicate field_id %d", def.Name, f.FieldID)
		}
		if names[f.Name] {
			return fmt.Errorf("node type %q: duplicate field name %q", def.Name, f.Name)
		}
		seen[f.FieldID] = true
		names[f.Name] = true
	}
	cp := def
	cp.Fields = append([]FieldDef(nil), def.Fields...)
	r.nodes[def.TypeID] = &cp
	r.byName[def.Name] = &cp
	return nil
}

// RegisterEdgeType adds an edge type. Endpoint types must already be
// registered.
func (r *Registry) RegisterEdgeType(def EdgeTypeDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if def.EdgeID == 0 {
		return fmt.Errorf("edge type %q: edge_id must be positive", def.Name)
	}
	if _, ok := r.edges[def.EdgeID]; ok {
		return fmt.Errorf("duplicate edge_id %d", def.EdgeID)
	}
	if _, ok := r.nodes[def.FromTypeID]; !ok {
		return fmt.Errorf("edge type %q: from_type_id %d not registered", def.Name, def.FromTypeID)
	}
	if _, ok := r.nodes[def.ToTypeID]; !ok {
		return fmt.Errorf("edge type %q: to_type_id %d not registered", def.Name, def.ToTypeID)
	}
	cp := def
	r.edges[def.EdgeID] = &cp
	return nil
}

// Freeze makes the registry immutable for the rest of the process lifetime.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// NodeType returns the node type with the given id.
func (r *Registry) NodeType(typeID uint32) (*NodeTypeDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.nodes[typeID]
	if !ok {
		return nil, fmt.Errorf("node type %d: %w", typeID, ErrUnknownType)
	}
	return t, nil
}

// NodeTypeByName returns the node type with the given name.
func (r *Registry) NodeTypeByName(name string) (*NodeTypeDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("node type %q: %w", name, ErrUnknownType)
	}
	return t, nil
}

// EdgeType returns the edge type with the given id.
func (r *Registry) EdgeType(edgeID uint32) (*EdgeTypeDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.edges[edgeID]
	if !ok {
		return nil, fmt.Errorf("edge type %d: %w", edgeID, ErrUnknownType)
	}
	return t, nil
}

// NodeTypes returns all node types ordered by type id.
func (r *Registry) NodeTypes() []NodeTypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeTypeDef, 0, len(r.nodes))
	for _, t := range r.nodes {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeID < out[j].TypeID })
	return out
}

// EdgeTypes returns all edge types ordered by edge id.
func (r *Registry) EdgeTypes() []EdgeTypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EdgeTypeDef, 0, len(r.edges))
	for _, t := range r.edges {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EdgeID < out[j].EdgeID })
	return out
}

// canonicalForm is the serialization the fingerprint is computed over:
// node types ascending by type_id, fields ascending by field_id, enum
// values sorted. Names participate so that renames change the fingerprint
// without breaking compatibility.
type canonicalForm struct {
	Nodes []canonicalNode `json:"nodes"`
	Edges []EdgeTypeDef   `json:"edges"`
}

type canonicalNode struct {
	TypeID     uint32           `json:"type_id"`
	Name       string           `json:"name"`
	Deprecated bool             `json:"deprecated"`
	Fields     []canonicalField `json:"fields"`
}

type canonicalField struct {
	FieldID    uint32    `json:"field_id"`
	Name       string    `json:"name"`
	Kind       FieldKind `json:"kind"`
	Required   bool      `json:"required"`
	EnumValues []string  `json:"enum_values,omitempty"`
	RefTypeID  uint32    `json:"ref_type_id,omitempty"`
	Deprecated bool      `json:"deprecated"`
}

// Fingerprint returns the SHA-256 digest of the registry's RFC 8785
// canonical JSON serialization.
func (r *Registry) Fingerprint() ([32]byte, error) {
	form := canonicalForm{Edges: r.EdgeTypes()}
	if form.Edges == nil {
		form.Edges = []EdgeTypeDef{}
	}
	for _, t := range r.NodeTypes() {
		cn := canonicalNode{TypeID: t.TypeID, Name: t.Name, Deprecated: t.Deprecated}
		fields := append([]FieldDef(nil), t.Fields...)
		sort.Slice(fields, func(i, j int) bool { return fields[i].FieldID < fields[j].FieldID })
		for _, f := range fields {
			cf := canonicalField{
				FieldID:    f.FieldID,
				Name:       f.Name,
				Kind:       f.Kind,
				Required:   f.Required,
				RefTypeID:  f.RefTypeID,
				Deprecated: f.Deprecated,
			}
			if len(f.EnumValues) > 0 {
				cf.EnumValues = append([]string(nil), f.EnumValues...)
				sort.Strings(cf.EnumValues)
			}
			cn.Fields = append(cn.Fields, cf)
		}
		form.Nodes = append(form.Nodes, cn)
	}
	if form.Nodes == nil {
		form.Nodes = []canonicalNode{}
	}

	raw, err := json.Marshal(form)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to marshal canonical form: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to canonicalize schema: %w", err)
	}
	return sha256.Sum256(canonical), nil
}

// schemaFile is the on-disk YAML layout consumed by LoadFile.
type schemaFile struct {
	NodeTypes []NodeTypeDef `yaml:"node_types"`
	EdgeTypes []EdgeTypeDef `yaml:"edge_types"`
}

// LoadFile builds and freezes a registry from a YAML schema module file.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema module: %w", err)
	}
	var sf schemaFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse schema module: %w", err)
	}
	r := NewRegistry()
	for _, nt := range sf.NodeTypes {
		if err := r.RegisterNodeType(nt); err != nil {
			return nil, err
		}
	}
	for _, et := range sf.EdgeTypes {
		if err := r.RegisterEdgeType(et); err != nil {
			return nil, err
		}
	}
	r.Freeze()
	return r, nil
}
