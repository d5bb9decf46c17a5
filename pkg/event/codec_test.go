package event_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elloloop/entdb/pkg/event"
)

func sampleEvent() *event.Event {
	ver := int64(3)
	return &event.Event{
		EventID:        "evt-1",
		TenantID:       "acme",
		Actor:          "user:ana",
		IdempotencyKey: "key-1",
		CreatedAtMs:    1724630400000,
		Operations: []event.Operation{
			{Kind: event.OpCreateNode, CreateNode: &event.CreateNode{
				TypeID:     1,
				Payload:    map[string]any{"subject": "hello"},
				Alias:      "msg",
				Recipients: []string{"user:bo"},
				AssignedID: "n-1",
			}},
			{Kind: event.OpUpdateNode, UpdateNode: &event.UpdateNode{
				NodeID:          "n-0",
				Patch:           map[string]any{"subject": "edited"},
				ExpectedVersion: &ver,
			}},
			{Kind: event.OpCreateEdge, CreateEdge: &event.CreateEdge{
				EdgeTypeID: 1, FromID: "n-1", ToID: "n-0",
			}},
			{Kind: event.OpSetVisibility, SetVisibility: &event.SetVisibility{
				NodeID: "n-0", Principals: []string{"user:ana", "group:eng"},
			}},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ev := sampleEvent()
	raw, err := event.Encode(ev)
	require.NoError(t, err)

	got, err := event.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestEncodeRejectsMalformedOperation(t *testing.T) {
	ev := sampleEvent()
	ev.Operations = append(ev.Operations, event.Operation{Kind: event.OpDeleteNode})
	_, err := event.Encode(ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete_node body missing")

	ev = sampleEvent()
	ev.Operations[0].Kind = "merge_node"
	_, err = event.Encode(ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown operation kind")
}

func TestDecodeTruncated(t *testing.T) {
	raw, err := event.Encode(sampleEvent())
	require.NoError(t, err)

	_, err = event.Decode(raw[:3])
	assert.ErrorIs(t, err, event.ErrTruncated)
	_, err = event.Decode(raw[:len(raw)-1])
	assert.ErrorIs(t, err, event.ErrTruncated)
	_, err = event.Decode(nil)
	assert.ErrorIs(t, err, event.ErrTruncated)
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	raw, err := event.Encode(sampleEvent())
	require.NoError(t, err)
	raw[0] = 0
	_, err = event.Decode(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported envelope version")

	raw[0] = event.CurrentVersion + 1
	_, err = event.Decode(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported envelope version")
}

func TestDecodeRejectsGarbageBody(t *testing.T) {
	raw := []byte{event.CurrentVersion, 0, 0, 0, 4, '{', 'o', 'o', 'p'}
	_, err := event.Decode(raw)
	require.Error(t, err)
}

func TestBodyFingerprint(t *testing.T) {
	ops := sampleEvent().Operations

	fa, err := event.BodyFingerprint(ops)
	require.NoError(t, err)
	fb, err := event.BodyFingerprint(ops)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	changed := sampleEvent().Operations
	changed[0].CreateNode.Payload["subject"] = "other"
	fc, err := event.BodyFingerprint(changed)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)

	// Fingerprint covers the operation list only, not envelope fields.
	fd, err := event.BodyFingerprint(sampleEvent().Operations)
	require.NoError(t, err)
	assert.Equal(t, fa, fd)
}
