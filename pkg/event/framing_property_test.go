package event_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/elloloop/entdb/pkg/event"
)

func genEvent() gopter.Gen {
	return gopter.CombineGens(
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
		gen.AlphaString(),
		gen.Int64Range(0, 1<<40),
		gen.UInt32Range(1, 64),
	).Map(func(vs []any) *event.Event {
		return &event.Event{
			EventID:        vs[0].(string),
			TenantID:       vs[1].(string),
			Actor:          "user:" + vs[2].(string),
			IdempotencyKey: vs[0].(string) + "-key",
			CreatedAtMs:    vs[4].(int64),
			Operations: []event.Operation{
				{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
					TypeID:     vs[5].(uint32),
					Payload:    map[string]any{"subject": vs[3].(string)},
					AssignedID: "n-" + vs[0].(string),
				}},
			},
		}
	})
}

func TestFramingRoundTripProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(params)

	properties.Property("decode inverts encode", prop.ForAll(
		func(ev *event.Event) bool {
			raw, err := event.Encode(ev)
			if err != nil {
				return false
			}
			back, err := event.Decode(raw)
			if err != nil {
				return false
			}
			if back.EventID != ev.EventID || back.TenantID != ev.TenantID ||
				back.Actor != ev.Actor || back.CreatedAtMs != ev.CreatedAtMs {
				return false
			}
			op := back.Operations[0].CreateNode
			return op.TypeID == ev.Operations[0].CreateNode.TypeID &&
				op.Payload["subject"] == ev.Operations[0].CreateNode.Payload["subject"]
		},
		genEvent(),
	))

	properties.Property("every strict prefix fails to decode", prop.ForAll(
		func(ev *event.Event, cut int) bool {
			raw, err := event.Encode(ev)
			if err != nil {
				return false
			}
			n := cut % len(raw)
			_, err = event.Decode(raw[:n])
			return err != nil
		},
		genEvent(),
		gen.IntRange(0, 1<<20),
	))

	properties.Property("body fingerprint is deterministic", prop.ForAll(
		func(ev *event.Event) bool {
			a, errA := event.BodyFingerprint(ev.Operations)
			b, errB := event.BodyFingerprint(ev.Operations)
			return errA == nil && errB == nil && a == b
		},
		genEvent(),
	))

	properties.TestingRun(t)
}
