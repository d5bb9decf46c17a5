package applier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/elloloop/entdb/pkg/event"
	"github.com/elloloop/entdb/pkg/wal"
)

// DeadLetterEntry is one poisoned record preserved for operator inspection.
type DeadLetterEntry struct {
	WalPosition wal.Position `json:"wal_position"`
	Reason      string       `json:"reason"`
	Event       *event.Event `json:"event,omitempty"`
	RawBase64   string       `json:"raw_base64,omitempty"`
	RecordedAt  int64        `json:"recorded_at_ms"`
}

// DeadLetter appends poisoned records to per-tenant JSONL sidecar files.
// Dead-lettered events still get an applied_events row, so a coordinator
// retry under the same idempotency key returns the recorded failure
// instead of re-appending.
type DeadLetter struct {
	mu  sync.Mutex
	dir string
}

// NewDeadLetter writes under dir, one <tenant>.jsonl per tenant. Records
// with no decodable tenant go to unroutable.jsonl.
func NewDeadLetter(dir string) (*DeadLetter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure dead-letter dir: %w", err)
	}
	return &DeadLetter{dir: dir}, nil
}

// Record appends one entry for the tenant.
func (d *DeadLetter) Record(tenant string, entry DeadLetterEntry) error {
	if tenant == "" {
		tenant = "unroutable"
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter entry: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(d.dir, tenant+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write dead-letter entry: %w", err)
	}
	return nil
}

// List reads back a tenant's dead-letter entries.
func (d *DeadLetter) List(tenant string) ([]DeadLetterEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := os.ReadFile(filepath.Join(d.dir, tenant+".jsonl"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter file: %w", err)
	}
	var out []DeadLetterEntry
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var e DeadLetterEntry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("failed to parse dead-letter entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
