package applier

import (
	"context"
	"sync"

	"github.com/elloloop/entdb/pkg/wal"
)

// AppliedTracker publishes per-tenant applied positions so coordinators
// can block on wait_for_applied. It is in-memory soft state rebuilt from
// tenant_meta checkpoints on restart.
type AppliedTracker struct {
	mu        sync.Mutex
	positions map[string]wal.Position
	notify    map[string]chan struct{}
}

// NewAppliedTracker creates an empty tracker.
func NewAppliedTracker() *AppliedTracker {
	return &AppliedTracker{
		positions: make(map[string]wal.Position),
		notify:    make(map[string]chan struct{}),
	}
}

// Record publishes that tenant has applied everything up to pos and wakes
// every waiter.
func (t *AppliedTracker) Record(tenant string, pos wal.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.positions[tenant]
	if ok && cur.Partition == pos.Partition && cur.Offset >= pos.Offset {
		return
	}
	t.positions[tenant] = pos
	if ch, ok := t.notify[tenant]; ok {
		close(ch)
		delete(t.notify, tenant)
	}
}

// Position returns the tenant's last published applied position.
func (t *AppliedTracker) Position(tenant string) (wal.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[tenant]
	return pos, ok
}

// WaitForApplied blocks until the tenant's applied position reaches pos or
// ctx is done.
func (t *AppliedTracker) WaitForApplied(ctx context.Context, tenant string, pos wal.Position) error {
	for {
		t.mu.Lock()
		cur, ok := t.positions[tenant]
		if ok && cur.Partition == pos.Partition && cur.Offset >= pos.Offset {
			t.mu.Unlock()
			return nil
		}
		ch, ok := t.notify[tenant]
		if !ok {
			ch = make(chan struct{})
			t.notify[tenant] = ch
		}
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
