// Package wal abstracts the durable, ordered, partitioned record stream
// that owns the history of truth. Records are opaque bytes; the partition
// key is the tenant id, which yields per-tenant total order. Backends:
// an in-process memory log (tests, single-node dev), Kafka, and Kinesis.
package wal

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
)

// Position identifies a record in the stream. Ordering and equality are
// defined by (Partition, Offset); Cursor is an opaque backend resume token
// (the Kinesis sequence number) carried for exact resume.
type Position struct {
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
	Cursor    string `json:"cursor,omitempty"`
}

// Before reports whether p is strictly earlier than other within a partition.
func (p Position) Before(other Position) bool {
	return p.Partition == other.Partition && p.Offset < other.Offset
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Partition, p.Offset)
}

// Record is one appended entry.
type Record struct {
	Key       string
	Value     []byte
	Position  Position
	Timestamp int64 // milliseconds
}

// StartKind selects where a consumer begins.
type StartKind int

const (
	StartEarliest StartKind = iota
	StartLatest
	StartAt
)

// ConsumerStart positions a new consumer.
type ConsumerStart struct {
	Kind StartKind
	At   Position // used when Kind == StartAt; consumption begins at At.Offset
}

// StartAtNext begins immediately after pos.
func StartAtNext(pos Position) ConsumerStart {
	return ConsumerStart{Kind: StartAt, At: Position{Partition: pos.Partition, Offset: pos.Offset + 1, Cursor: pos.Cursor}}
}

// Consumer yields an ordered, gap-free sequence for one partition.
type Consumer interface {
	Next(ctx context.Context) (Record, error)
	Close() error
}

// Stream is the WAL contract all backends implement.
type Stream interface {
	// Append blocks until the configured acknowledgment policy is satisfied
	// and returns the record's durable position.
	Append(ctx context.Context, key string, value []byte) (Position, error)
	// OpenConsumer opens a per-partition consumer.
	OpenConsumer(ctx context.Context, partition int32, from ConsumerStart) (Consumer, error)
	// CommitCheckpoint durably records apply progress out of band. This is
	// advisory: the applier's authoritative checkpoint lives in tenant_meta.
	CommitCheckpoint(ctx context.Context, group string, pos Position) error
	EarliestPosition(ctx context.Context, partition int32) (Position, error)
	LatestPosition(ctx context.Context, partition int32) (Position, error)
	Partitions() int32
	Close() error
}

// Failure classes of Append per the WAL contract.
var (
	// ErrTransient means the caller may retry with the same idempotency key.
	ErrTransient = errors.New("wal: transient failure")
	// ErrPermanent means the record can never be appended (e.g. too large).
	ErrPermanent = errors.New("wal: permanent failure")
	// ErrUnavailable means broker quorum is lost.
	ErrUnavailable = errors.New("wal: unavailable")
)

// FailureClass buckets an Append error.
type FailureClass int

const (
	FailureTransient FailureClass = iota
	FailurePermanent
	FailureUnavailable
)

// Classify maps an Append error to its failure class. Unknown errors are
// treated as transient so callers keep their idempotency key.
func Classify(err error) FailureClass {
	switch {
	case errors.Is(err, ErrPermanent):
		return FailurePermanent
	case errors.Is(err, ErrUnavailable):
		return FailureUnavailable
	default:
		return FailureTransient
	}
}

// PartitionForKey maps a partition key (tenant id) to a partition using
// FNV-1a. Stable across backends so that positions survive backend swaps.
func PartitionForKey(key string, partitions int32) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32() % uint32(partitions))
}
