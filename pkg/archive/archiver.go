// Package archive moves WAL history into object storage so the stream
// itself can run with bounded retention. Segments are gzip-compressed
// JSONL, one decoded event per line together with its durable position,
// uploaded with a sidecar checksum and a per-partition committed marker.
// Uploads are at-least-once; readers deduplicate by position.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elloloop/entdb/pkg/event"
	"github.com/elloloop/entdb/pkg/objstore"
	"github.com/elloloop/entdb/pkg/wal"
)

// line is one archived record.
type line struct {
	Position  wal.Position `json:"wal_position"`
	Tenant    string       `json:"tenant_id"`
	Timestamp int64        `json:"ts_ms"`
	Event     *event.Event `json:"event"`
}

// committedMarker records how far a partition has been durably archived.
type committedMarker struct {
	Position   wal.Position `json:"position"`
	UpdatedAt  int64        `json:"updated_at_ms"`
	SegmentKey string       `json:"segment_key"`
}

// Config tunes segment rotation.
type Config struct {
	// SegmentBytes rotates a segment once its compressed size reaches it.
	SegmentBytes int
	// SegmentSeconds rotates a non-empty segment after this much wall time.
	SegmentSeconds int
}

// Archiver tails every WAL partition and uploads segments.
type Archiver struct {
	stream  wal.Stream
	objects objstore.Store
	cfg     Config
	logger  *slog.Logger
}

// New creates an archiver.
func New(stream wal.Stream, objects objstore.Store, cfg Config, logger *slog.Logger) *Archiver {
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = 8 << 20
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 300
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{stream: stream, objects: objects, cfg: cfg, logger: logger}
}

// Run archives until ctx is canceled, returning nil on clean cancellation.
func (a *Archiver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for p := int32(0); p < a.stream.Partitions(); p++ {
		partition := p
		g.Go(func() error {
			err := a.runPartition(ctx, partition)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func markerKey(partition int32) string {
	return fmt.Sprintf("archive/%d/committed.json", partition)
}

// CommittedPosition returns the durably archived frontier of a partition.
func CommittedPosition(ctx context.Context, objects objstore.Store, partition int32) (wal.Position, bool, error) {
	raw, err := objects.Get(ctx, markerKey(partition))
	if errors.Is(err, objstore.ErrNotFound) {
		return wal.Position{}, false, nil
	}
	if err != nil {
		return wal.Position{}, false, err
	}
	var m committedMarker
	if err := json.Unmarshal(raw, &m); err != nil {
		return wal.Position{}, false, fmt.Errorf("failed to parse committed marker: %w", err)
	}
	return m.Position, true, nil
}

func (a *Archiver) runPartition(ctx context.Context, partition int32) error {
	logger := a.logger.With("partition", partition)

	start := wal.ConsumerStart{Kind: wal.StartEarliest}
	if committed, ok, err := CommittedPosition(ctx, a.objects, partition); err != nil {
		return err
	} else if ok {
		start = wal.StartAtNext(committed)
	}
	consumer, err := a.stream.OpenConsumer(ctx, partition, start)
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	seg := newSegment()
	deadline := time.Now().Add(time.Duration(a.cfg.SegmentSeconds) * time.Second)
	for {
		// Bound the wait so an idle partition still flushes on time.
		next, cancel := context.WithDeadline(ctx, deadline)
		rec, err := consumer.Next(next)
		cancel()
		switch {
		case err == nil:
			ev, decErr := event.Decode(rec.Value)
			if decErr != nil {
				// The applier dead-letters it; the archive keeps position
				// continuity with a tombstone line.
				logger.Warn("archiving undecodable record as tombstone",
					"position", rec.Position, "error", decErr)
				ev = nil
			}
			if err := seg.add(line{
				Position:  rec.Position,
				Tenant:    rec.Key,
				Timestamp: rec.Timestamp,
				Event:     ev,
			}); err != nil {
				return err
			}
		case ctx.Err() != nil:
			// Shut down without uploading a partial segment; the committed
			// marker makes the records reappear on restart.
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			// Idle rotation.
		default:
			return err
		}

		if seg.count > 0 && (seg.compressedSize() >= a.cfg.SegmentBytes || !time.Now().Before(deadline)) {
			if err := a.flush(ctx, partition, seg, logger); err != nil {
				return err
			}
			seg = newSegment()
		}
		if !time.Now().Before(deadline) {
			deadline = time.Now().Add(time.Duration(a.cfg.SegmentSeconds) * time.Second)
		}
	}
}

// flush uploads the segment, verifies it, then advances the committed
// marker. A crash between upload and marker re-uploads the same records
// under the same key.
func (a *Archiver) flush(ctx context.Context, partition int32, seg *segment, logger *slog.Logger) error {
	compressed, rawDigest, err := seg.finish()
	if err != nil {
		return err
	}
	date := time.UnixMilli(seg.firstTimestamp).UTC().Format("2006-01-02")
	base := fmt.Sprintf("archive/%d/%s/%016d", partition, date, seg.first.Offset)
	segKey := base + ".jsonl.gz"

	if err := a.objects.Put(ctx, segKey, compressed); err != nil {
		return fmt.Errorf("failed to upload segment %s: %w", segKey, err)
	}
	if err := a.objects.Put(ctx, base+".checksum", []byte(rawDigest+"\n")); err != nil {
		return fmt.Errorf("failed to upload checksum for %s: %w", segKey, err)
	}
	// Read back before advancing: a torn upload must not move the frontier.
	stored, err := a.objects.Get(ctx, segKey)
	if err != nil {
		return fmt.Errorf("failed to verify segment %s: %w", segKey, err)
	}
	if verifyDigest, err := decompressedDigest(stored); err != nil {
		return fmt.Errorf("failed to verify segment %s: %w", segKey, err)
	} else if verifyDigest != rawDigest {
		return fmt.Errorf("segment %s stored corrupted: digest %s != %s", segKey, verifyDigest, rawDigest)
	}

	marker, err := json.Marshal(committedMarker{
		Position:   seg.last,
		UpdatedAt:  time.Now().UnixMilli(),
		SegmentKey: segKey,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal committed marker: %w", err)
	}
	if err := a.objects.Put(ctx, markerKey(partition), marker); err != nil {
		return fmt.Errorf("failed to advance committed marker: %w", err)
	}
	logger.Info("archived segment", "key", segKey, "records", seg.count,
		"bytes", len(compressed), "last_offset", seg.last.Offset)
	return nil
}

// segment accumulates lines into an in-flight gzip stream.
type segment struct {
	buf            bytes.Buffer
	gz             *gzip.Writer
	hasher         hash.Hash
	count          int
	first          wal.Position
	last           wal.Position
	firstTimestamp int64
}

func newSegment() *segment {
	s := &segment{hasher: sha256.New()}
	s.gz = gzip.NewWriter(&s.buf)
	return s
}

func (s *segment) add(l line) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal archive line: %w", err)
	}
	raw = append(raw, '\n')
	if _, err := s.gz.Write(raw); err != nil {
		return fmt.Errorf("failed to compress archive line: %w", err)
	}
	_, _ = s.hasher.Write(raw)
	if s.count == 0 {
		s.first = l.Position
		s.firstTimestamp = l.Timestamp
	}
	s.last = l.Position
	s.count++
	return nil
}

func (s *segment) compressedSize() int {
	// Flush makes buffered bytes visible without closing the stream.
	_ = s.gz.Flush()
	return s.buf.Len()
}

// finish closes the stream and returns the compressed bytes plus the hex
// SHA-256 of the decompressed content.
func (s *segment) finish() ([]byte, string, error) {
	if err := s.gz.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish segment: %w", err)
	}
	return s.buf.Bytes(), hex.EncodeToString(s.hasher.Sum(nil)), nil
}

func decompressedDigest(compressed []byte) (string, error) {
	gr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", err
	}
	defer func() { _ = gr.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, gr); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
