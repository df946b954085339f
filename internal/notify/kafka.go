package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/support-chat/internal/domain"
)

// KafkaConfig configures the producer behind KafkaSink.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
	Username string
	Password string
}

// NewSaramaConfig returns a producer config that waits for all in-sync
// replicas and hashes the message key, so every event of a room lands on
// the same partition and keeps its order.
func NewSaramaConfig(cfg KafkaConfig) *sarama.Config {
	c := sarama.NewConfig()
	c.Version = sarama.V2_8_0_0
	if cfg.ClientID != "" {
		c.ClientID = cfg.ClientID
	}

	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Retry.Max = 3
	c.Producer.Retry.Backoff = 250 * time.Millisecond
	c.Producer.Return.Successes = true
	c.Producer.Return.Errors = true
	c.Producer.Partitioner = sarama.NewHashPartitioner
	c.Producer.Idempotent = true
	c.Net.MaxOpenRequests = 1

	if cfg.Username != "" && cfg.Password != "" {
		c.Net.SASL.Enable = true
		c.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		c.Net.SASL.User = cfg.Username
		c.Net.SASL.Password = cfg.Password
		c.Net.SASL.Handshake = true
	}
	return c
}

// KafkaSink forwards events to a Kafka topic keyed by room id. Its Handle
// method is meant to be registered with Dispatcher.Subscribe; a send error
// is returned so the dispatcher retries it.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink dials the brokers with NewSaramaConfig.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	p, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(p, cfg.Topic), nil
}

// NewKafkaSinkWithProducer wraps an existing producer, e.g. a mock.
func NewKafkaSinkWithProducer(p sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

// Handle publishes ev as JSON. Typing events are skipped: they are
// ephemeral and have no value off-box.
func (k *KafkaSink) Handle(ctx context.Context, ev domain.Event) error {
	if ev.Type == domain.EventTypingChanged {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.RoomID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(ev.Type)},
			{Key: []byte("event-id"), Value: []byte(ev.ID)},
		},
		Timestamp: ev.At,
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("kafka send %s: %w", ev.Type, err)
	}
	log.Debug().
		Str("event", string(ev.Type)).
		Str("room_id", ev.RoomID).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("event forwarded to kafka")
	return nil
}

// Close flushes and closes the producer.
func (k *KafkaSink) Close() error { return k.producer.Close() }
