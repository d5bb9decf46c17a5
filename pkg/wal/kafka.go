package wal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaStream implements Stream over a Kafka-family broker. Appends use
// the low-level produce API with acks=all so the durable offset comes back
// with the acknowledgment; consumption uses per-partition readers.
type KafkaStream struct {
	client     *kafka.Client
	brokers    []string
	topic      string
	partitions int32
	maxRecord  int
}

// KafkaConfig configures the Kafka backend.
type KafkaConfig struct {
	Brokers        []string
	Topic          string
	Partitions     int32
	MaxRecordBytes int
	BatchTimeout   time.Duration
}

// NewKafkaStream connects to the broker set. The topic is expected to exist
// with the configured partition count, replication factor 3 and
// min.insync.replicas=2.
func NewKafkaStream(cfg KafkaConfig) (*KafkaStream, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Partitions <= 0 {
		return nil, fmt.Errorf("kafka: partition count must be positive")
	}
	return &KafkaStream{
		client:     &kafka.Client{Addr: kafka.TCP(cfg.Brokers...), Timeout: 30 * time.Second},
		brokers:    cfg.Brokers,
		topic:      cfg.Topic,
		partitions: cfg.Partitions,
		maxRecord:  cfg.MaxRecordBytes,
	}, nil
}

func (k *KafkaStream) Append(ctx context.Context, key string, value []byte) (Position, error) {
	if k.maxRecord > 0 && len(value) > k.maxRecord {
		return Position{}, fmt.Errorf("%w: record is %d bytes, limit %d", ErrPermanent, len(value), k.maxRecord)
	}
	partition := PartitionForKey(key, k.partitions)

	resp, err := k.client.Produce(ctx, &kafka.ProduceRequest{
		Topic:        k.topic,
		Partition:    int(partition),
		RequiredAcks: kafka.RequireAll,
		Records: kafka.NewRecordReader(kafka.Record{
			Key:   kafka.NewBytes([]byte(key)),
			Value: kafka.NewBytes(value),
		}),
	})
	if err != nil {
		return Position{}, classifyKafka(err)
	}
	if resp.Error != nil {
		return Position{}, classifyKafka(resp.Error)
	}
	return Position{Partition: partition, Offset: resp.BaseOffset}, nil
}

func classifyKafka(err error) error {
	switch {
	case errors.Is(err, kafka.MessageSizeTooLarge):
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	case errors.Is(err, kafka.NotEnoughReplicas),
		errors.Is(err, kafka.NotEnoughReplicasAfterAppend),
		errors.Is(err, kafka.LeaderNotAvailable),
		errors.Is(err, kafka.BrokerNotAvailable):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}

func (k *KafkaStream) OpenConsumer(ctx context.Context, partition int32, from ConsumerStart) (Consumer, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   k.brokers,
		Topic:     k.topic,
		Partition: int(partition),
		MinBytes:  1,
		MaxBytes:  10 << 20,
	})
	var err error
	switch from.Kind {
	case StartEarliest:
		err = reader.SetOffset(kafka.FirstOffset)
	case StartLatest:
		err = reader.SetOffset(kafka.LastOffset)
	case StartAt:
		err = reader.SetOffset(from.At.Offset)
	}
	if err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("kafka: failed to seek: %w", err)
	}
	return &kafkaConsumer{reader: reader, partition: partition}, nil
}

func (k *KafkaStream) CommitCheckpoint(ctx context.Context, group string, pos Position) error {
	_, err := k.client.OffsetCommit(ctx, &kafka.OffsetCommitRequest{
		GroupID: group,
		Topics: map[string][]kafka.OffsetCommit{
			k.topic: {{Partition: int(pos.Partition), Offset: pos.Offset + 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka: failed to commit checkpoint: %w", err)
	}
	return nil
}

func (k *KafkaStream) EarliestPosition(ctx context.Context, partition int32) (Position, error) {
	first, _, err := k.offsets(ctx, partition)
	if err != nil {
		return Position{}, err
	}
	return Position{Partition: partition, Offset: first}, nil
}

func (k *KafkaStream) LatestPosition(ctx context.Context, partition int32) (Position, error) {
	_, last, err := k.offsets(ctx, partition)
	if err != nil {
		return Position{}, err
	}
	return Position{Partition: partition, Offset: last}, nil
}

func (k *KafkaStream) offsets(ctx context.Context, partition int32) (first, last int64, err error) {
	conn, err := kafka.DialLeader(ctx, "tcp", k.brokers[0], k.topic, int(partition))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = conn.Close() }()
	first, err = conn.ReadFirstOffset()
	if err != nil {
		return 0, 0, fmt.Errorf("kafka: failed to read first offset: %w", err)
	}
	last, err = conn.ReadLastOffset()
	if err != nil {
		return 0, 0, fmt.Errorf("kafka: failed to read last offset: %w", err)
	}
	return first, last, nil
}

func (k *KafkaStream) Partitions() int32 { return k.partitions }

func (k *KafkaStream) Close() error { return nil }

type kafkaConsumer struct {
	reader    *kafka.Reader
	partition int32
}

func (c *kafkaConsumer) Next(ctx context.Context) (Record, error) {
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("kafka: read failed: %w", err)
	}
	return Record{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Position:  Position{Partition: int32(msg.Partition), Offset: msg.Offset},
		Timestamp: msg.Time.UnixMilli(),
	}, nil
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}
