package wal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStream is an in-process partitioned log. It provides the full
// Stream contract including blocking tail reads, and fault-injection hooks
// so tests can exercise the append failure classes.
type MemoryStream struct {
	mu         sync.Mutex
	partitions []*memoryPartition
	maxRecord  int
	closed     bool

	// AppendFault, when set, is consulted before every append. Returning a
	// non-nil error fails the append with that error. DuplicateOnFault
	// additionally appends the record before failing, simulating an ack
	// lost in flight.
	AppendFault      func(key string) error
	DuplicateOnFault bool

	checkpoints map[string]Position
}

type memoryPartition struct {
	records []Record
	notify  chan struct{}
}

// NewMemoryStream creates a memory-backed WAL with the given partition
// count. maxRecordBytes bounds record size (0 means unlimited).
func NewMemoryStream(partitions int32, maxRecordBytes int) *MemoryStream {
	parts := make([]*memoryPartition, partitions)
	for i := range parts {
		parts[i] = &memoryPartition{notify: make(chan struct{})}
	}
	return &MemoryStream{
		partitions:  parts,
		maxRecord:   maxRecordBytes,
		checkpoints: make(map[string]Position),
	}
}

func (m *MemoryStream) Append(ctx context.Context, key string, value []byte) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if m.maxRecord > 0 && len(value) > m.maxRecord {
		return Position{}, fmt.Errorf("%w: record is %d bytes, limit %d", ErrPermanent, len(value), m.maxRecord)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Position{}, ErrUnavailable
	}
	if m.AppendFault != nil {
		if err := m.AppendFault(key); err != nil {
			if m.DuplicateOnFault {
				m.appendLocked(key, value)
			}
			return Position{}, err
		}
	}
	return m.appendLocked(key, value), nil
}

func (m *MemoryStream) appendLocked(key string, value []byte) Position {
	part := PartitionForKey(key, int32(len(m.partitions)))
	p := m.partitions[part]
	pos := Position{Partition: part, Offset: int64(len(p.records))}
	p.records = append(p.records, Record{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Position:  pos,
		Timestamp: time.Now().UnixMilli(),
	})
	close(p.notify)
	p.notify = make(chan struct{})
	return pos
}

func (m *MemoryStream) OpenConsumer(ctx context.Context, partition int32, from ConsumerStart) (Consumer, error) {
	if partition < 0 || int(partition) >= len(m.partitions) {
		return nil, fmt.Errorf("%w: partition %d out of range", ErrPermanent, partition)
	}
	var offset int64
	switch from.Kind {
	case StartEarliest:
		offset = 0
	case StartLatest:
		m.mu.Lock()
		offset = int64(len(m.partitions[partition].records))
		m.mu.Unlock()
	case StartAt:
		offset = from.At.Offset
	}
	return &memoryConsumer{stream: m, partition: partition, next: offset}, nil
}

func (m *MemoryStream) CommitCheckpoint(ctx context.Context, group string, pos Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[fmt.Sprintf("%s/%d", group, pos.Partition)] = pos
	return nil
}

func (m *MemoryStream) EarliestPosition(ctx context.Context, partition int32) (Position, error) {
	return Position{Partition: partition, Offset: 0}, nil
}

func (m *MemoryStream) LatestPosition(ctx context.Context, partition int32) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Position{Partition: partition, Offset: int64(len(m.partitions[partition].records))}, nil
}

func (m *MemoryStream) Partitions() int32 {
	return int32(len(m.partitions))
}

func (m *MemoryStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryConsumer struct {
	stream    *MemoryStream
	partition int32
	next      int64
}

func (c *memoryConsumer) Next(ctx context.Context) (Record, error) {
	for {
		c.stream.mu.Lock()
		p := c.stream.partitions[c.partition]
		if c.next < int64(len(p.records)) {
			rec := p.records[c.next]
			c.next++
			c.stream.mu.Unlock()
			return rec, nil
		}
		notify := p.notify
		c.stream.mu.Unlock()

		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-notify:
		}
	}
}

func (c *memoryConsumer) Close() error { return nil }
