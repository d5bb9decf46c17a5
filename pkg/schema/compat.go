package schema

import "fmt"

// BreakingChange describes one way a candidate schema breaks compatibility
// with a baseline.
type BreakingChange struct {
	TypeID  uint32 `json:"type_id,omitempty"`
	FieldID uint32 `json:"field_id,omitempty"`
	EdgeID  uint32 `json:"edge_id,omitempty"`
	Reason  string `json:"reason"`
}

func (b BreakingChange) String() string {
	return fmt.Sprintf("type=%d field=%d edge=%d: %s", b.TypeID, b.FieldID, b.EdgeID, b.Reason)
}

// CheckCompatibility verifies that candidate is a compatible evolution of
// baseline. Allowed: adding types, fields, enum values; renames keeping the
// same id; marking deprecated; dropping required. Forbidden: removing types,
// fields, or enum values; changing a field kind; changing edge endpoints;
// making a previously optional field required.
//
// An empty result means every payload baseline accepted is still accepted.
func CheckCompatibility(baseline, candidate *Registry) []BreakingChange {
	var out []BreakingChange

	for _, bt := range baseline.NodeTypes() {
		ct, err := candidate.NodeType(bt.TypeID)
		if err != nil {
			out = append(out, BreakingChange{TypeID: bt.TypeID, Reason: "node type removed"})
			continue
		}
		for _, bf := range bt.Fields {
			cf := ct.FieldByID(bf.FieldID)
			if cf == nil {
				out = append(out, BreakingChange{TypeID: bt.TypeID, FieldID: bf.FieldID, Reason: "field removed"})
				continue
			}
			if cf.Kind != bf.Kind {
				out = append(out, BreakingChange{
					TypeID:  bt.TypeID,
					FieldID: bf.FieldID,
					Reason:  fmt.Sprintf("field kind changed from %s to %s", bf.Kind, cf.Kind),
				})
			}
			if !bf.Required && cf.Required {
				out = append(out, BreakingChange{TypeID: bt.TypeID, FieldID: bf.FieldID, Reason: "optional field made required"})
			}
			if bf.Kind == KindEnum && cf.Kind == KindEnum {
				out = append(out, checkEnumEvolution(bt.TypeID, bf, *cf)...)
			}
			if bf.Kind == KindRef && cf.Kind == KindRef && bf.RefTypeID != cf.RefTypeID {
				out = append(out, BreakingChange{TypeID: bt.TypeID, FieldID: bf.FieldID, Reason: "ref target type changed"})
			}
		}
	}

	for _, be := range baseline.EdgeTypes() {
		ce, err := candidate.EdgeType(be.EdgeID)
		if err != nil {
			out = append(out, BreakingChange{EdgeID: be.EdgeID, Reason: "edge type removed"})
			continue
		}
		if ce.FromTypeID != be.FromTypeID || ce.ToTypeID != be.ToTypeID {
			out = append(out, BreakingChange{EdgeID: be.EdgeID, Reason: "edge endpoint types changed"})
		}
	}

	return out
}

// checkEnumEvolution enforces append-only enum values: the baseline list
// must be a prefix-preserving subset of the candidate list.
func checkEnumEvolution(typeID uint32, bf, cf FieldDef) []BreakingChange {
	var out []BreakingChange
	have := make(map[string]bool, len(cf.EnumValues))
	for _, v := range cf.EnumValues {
		have[v] = true
	}
	for _, v := range bf.EnumValues {
		if !have[v] {
			out = append(out, BreakingChange{
				TypeID:  typeID,
				FieldID: bf.FieldID,
				Reason:  fmt.Sprintf("enum value %q removed", v),
			})
		}
	}
	return out
}
