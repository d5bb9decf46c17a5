package wal

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

// KinesisStream implements Stream over a Kinesis-family sharded append
// stream. Shards map to partitions by their sorted index. Sequence numbers
// exceed int64, so offsets are the difference from the shard's starting
// sequence number; the exact sequence number travels in Position.Cursor.
type KinesisStream struct {
	client    *kinesis.Client
	stream    string
	shards    []shardInfo
	maxRecord int

	mu   sync.Mutex
	high []*big.Int // highest sequence number observed per shard
}

type shardInfo struct {
	id   string
	base *big.Int // starting sequence number of the shard
}

// KinesisConfig configures the Kinesis backend.
type KinesisConfig struct {
	StreamName     string
	Region         string
	Endpoint       string // optional, for LocalStack
	MaxRecordBytes int
}

// NewKinesisStream connects and enumerates shards.
func NewKinesisStream(ctx context.Context, cfg KinesisConfig) (*KinesisStream, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("kinesis: failed to load AWS config: %w", err)
	}
	client := kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	out, err := client.ListShards(ctx, &kinesis.ListShardsInput{StreamName: aws.String(cfg.StreamName)})
	if err != nil {
		return nil, fmt.Errorf("%w: list shards: %v", ErrUnavailable, err)
	}
	shards := make([]shardInfo, 0, len(out.Shards))
	for _, s := range out.Shards {
		base, ok := new(big.Int).SetString(aws.ToString(s.SequenceNumberRange.StartingSequenceNumber), 10)
		if !ok {
			return nil, fmt.Errorf("kinesis: unparsable starting sequence number on shard %s", aws.ToString(s.ShardId))
		}
		shards = append(shards, shardInfo{id: aws.ToString(s.ShardId), base: base})
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].id < shards[j].id })
	if len(shards) == 0 {
		return nil, fmt.Errorf("kinesis: stream %s has no shards", cfg.StreamName)
	}
	return &KinesisStream{
		client:    client,
		stream:    cfg.StreamName,
		shards:    shards,
		maxRecord: cfg.MaxRecordBytes,
		high:      make([]*big.Int, len(shards)),
	}, nil
}

// offsetFor converts a sequence number to a shard-relative offset.
func (k *KinesisStream) offsetFor(partition int32, seq string) (int64, error) {
	n, ok := new(big.Int).SetString(seq, 10)
	if !ok {
		return 0, fmt.Errorf("kinesis: unparsable sequence number %q", seq)
	}
	return new(big.Int).Sub(n, k.shards[partition].base).Int64(), nil
}

// observeSequence records the highest sequence number seen on a shard.
// Appends and consumed records both feed it, so the high water mark stays
// close to the shard tip while the process runs.
func (k *KinesisStream) observeSequence(partition int32, seq string) {
	n, ok := new(big.Int).SetString(seq, 10)
	if !ok {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if cur := k.high[partition]; cur == nil || n.Cmp(cur) > 0 {
		k.high[partition] = n
	}
}

// highWater returns the highest observed sequence number on the shard.
func (k *KinesisStream) highWater(partition int32) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.high[partition] == nil {
		return "", false
	}
	return k.high[partition].String(), true
}

// nextOffset converts the high water mark to the next offset the shard
// will assign; zero when no record has been observed.
func (k *KinesisStream) nextOffset(partition int32) int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.high[partition] == nil {
		return 0
	}
	next := new(big.Int).Sub(k.high[partition], k.shards[partition].base)
	return next.Add(next, big.NewInt(1)).Int64()
}

func (k *KinesisStream) Append(ctx context.Context, key string, value []byte) (Position, error) {
	if k.maxRecord > 0 && len(value) > k.maxRecord {
		return Position{}, fmt.Errorf("%w: record is %d bytes, limit %d", ErrPermanent, len(value), k.maxRecord)
	}
	out, err := k.client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(k.stream),
		PartitionKey: aws.String(key),
		Data:         value,
	})
	if err != nil {
		return Position{}, fmt.Errorf("%w: put record: %v", ErrTransient, err)
	}
	partition := k.partitionIndex(aws.ToString(out.ShardId))
	if partition < 0 {
		return Position{}, fmt.Errorf("%w: record landed on unknown shard %s", ErrTransient, aws.ToString(out.ShardId))
	}
	seq := aws.ToString(out.SequenceNumber)
	offset, err := k.offsetFor(partition, seq)
	if err != nil {
		return Position{}, err
	}
	k.observeSequence(partition, seq)
	return Position{Partition: partition, Offset: offset, Cursor: seq}, nil
}

func (k *KinesisStream) partitionIndex(shardID string) int32 {
	for i, s := range k.shards {
		if s.id == shardID {
			return int32(i)
		}
	}
	return -1
}

func (k *KinesisStream) OpenConsumer(ctx context.Context, partition int32, from ConsumerStart) (Consumer, error) {
	if partition < 0 || int(partition) >= len(k.shards) {
		return nil, fmt.Errorf("%w: partition %d out of range", ErrPermanent, partition)
	}
	in := &kinesis.GetShardIteratorInput{
		StreamName: aws.String(k.stream),
		ShardId:    aws.String(k.shards[partition].id),
	}
	switch from.Kind {
	case StartEarliest:
		in.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	case StartLatest:
		in.ShardIteratorType = types.ShardIteratorTypeLatest
	case StartAt:
		if from.At.Cursor != "" {
			// Cursor holds the previous record's sequence number.
			in.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
			in.StartingSequenceNumber = aws.String(from.At.Cursor)
		} else {
			in.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
		}
	}
	out, err := k.client.GetShardIterator(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%w: get shard iterator: %v", ErrUnavailable, err)
	}
	return &kinesisConsumer{
		stream:    k,
		partition: partition,
		iterator:  out.ShardIterator,
		startAt:   from,
	}, nil
}

func (k *KinesisStream) CommitCheckpoint(ctx context.Context, group string, pos Position) error {
	// Kinesis has no broker-side consumer groups without DynamoDB lease
	// tables; the authoritative checkpoint lives in tenant_meta, so the
	// advisory commit is a no-op here.
	return nil
}

func (k *KinesisStream) EarliestPosition(ctx context.Context, partition int32) (Position, error) {
	if partition < 0 || int(partition) >= len(k.shards) {
		return Position{}, fmt.Errorf("%w: partition %d out of range", ErrPermanent, partition)
	}
	return Position{Partition: partition, Offset: 0}, nil
}

// LatestPosition returns the next offset the shard will assign. Kinesis
// has no tail query, so the shard is walked from the highest sequence
// number this process has observed (or the trim horizon) until GetRecords
// reports it is caught up.
func (k *KinesisStream) LatestPosition(ctx context.Context, partition int32) (Position, error) {
	if partition < 0 || int(partition) >= len(k.shards) {
		return Position{}, fmt.Errorf("%w: partition %d out of range", ErrPermanent, partition)
	}
	if err := k.scanToTip(ctx, partition); err != nil {
		return Position{}, err
	}
	return Position{Partition: partition, Offset: k.nextOffset(partition)}, nil
}

func (k *KinesisStream) scanToTip(ctx context.Context, partition int32) error {
	in := &kinesis.GetShardIteratorInput{
		StreamName: aws.String(k.stream),
		ShardId:    aws.String(k.shards[partition].id),
	}
	if seq, ok := k.highWater(partition); ok {
		in.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		in.StartingSequenceNumber = aws.String(seq)
	} else {
		in.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	}
	out, err := k.client.GetShardIterator(ctx, in)
	if err != nil {
		return fmt.Errorf("%w: get shard iterator: %v", ErrUnavailable, err)
	}
	iterator := out.ShardIterator
	for iterator != nil {
		rec, err := k.client.GetRecords(ctx, &kinesis.GetRecordsInput{
			ShardIterator: iterator,
			Limit:         aws.Int32(1000),
		})
		if err != nil {
			return fmt.Errorf("%w: get records: %v", ErrUnavailable, err)
		}
		for _, r := range rec.Records {
			k.observeSequence(partition, aws.ToString(r.SequenceNumber))
		}
		if len(rec.Records) == 0 && aws.ToInt64(rec.MillisBehindLatest) == 0 {
			return nil
		}
		iterator = rec.NextShardIterator
	}
	// A nil iterator means the shard is closed; everything is observed.
	return nil
}

func (k *KinesisStream) Partitions() int32 { return int32(len(k.shards)) }

func (k *KinesisStream) Close() error { return nil }

type kinesisConsumer struct {
	stream    *KinesisStream
	partition int32
	iterator  *string
	buffered  []Record
	lastSeq   string
	startAt   ConsumerStart
}

func (c *kinesisConsumer) Next(ctx context.Context) (Record, error) {
	for {
		if len(c.buffered) > 0 {
			rec := c.buffered[0]
			c.buffered = c.buffered[1:]
			c.lastSeq = rec.Position.Cursor
			return rec, nil
		}
		if c.iterator == nil {
			if err := c.refreshIterator(ctx); err != nil {
				return Record{}, err
			}
		}
		out, err := c.stream.client.GetRecords(ctx, &kinesis.GetRecordsInput{
			ShardIterator: c.iterator,
			Limit:         aws.Int32(1000),
		})
		if err != nil {
			// Iterators expire after five minutes; refresh from the last
			// consumed sequence number and retry.
			c.iterator = nil
			if ctx.Err() != nil {
				return Record{}, ctx.Err()
			}
			continue
		}
		c.iterator = out.NextShardIterator
		for _, r := range out.Records {
			seq := aws.ToString(r.SequenceNumber)
			offset, err := c.stream.offsetFor(c.partition, seq)
			if err != nil {
				return Record{}, err
			}
			c.stream.observeSequence(c.partition, seq)
			ts := int64(0)
			if r.ApproximateArrivalTimestamp != nil {
				ts = r.ApproximateArrivalTimestamp.UnixMilli()
			}
			c.buffered = append(c.buffered, Record{
				Key:       aws.ToString(r.PartitionKey),
				Value:     r.Data,
				Position:  Position{Partition: c.partition, Offset: offset, Cursor: seq},
				Timestamp: ts,
			})
		}
		if len(out.Records) == 0 {
			select {
			case <-ctx.Done():
				return Record{}, ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
	}
}

func (c *kinesisConsumer) refreshIterator(ctx context.Context) error {
	in := &kinesis.GetShardIteratorInput{
		StreamName: aws.String(c.stream.stream),
		ShardId:    aws.String(c.stream.shards[c.partition].id),
	}
	if c.lastSeq != "" {
		in.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		in.StartingSequenceNumber = aws.String(c.lastSeq)
	} else if c.startAt.Kind == StartAt && c.startAt.At.Cursor != "" {
		in.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		in.StartingSequenceNumber = aws.String(c.startAt.At.Cursor)
	} else {
		in.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	}
	out, err := c.stream.client.GetShardIterator(ctx, in)
	if err != nil {
		return fmt.Errorf("%w: refresh shard iterator: %v", ErrUnavailable, err)
	}
	c.iterator = out.ShardIterator
	return nil
}

func (c *kinesisConsumer) Close() error { return nil }
