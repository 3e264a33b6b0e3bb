package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferledger/internal/models"
)

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes audit events to a topic for downstream consumers.
// Writes go through a circuit breaker so an unavailable broker fails fast
// instead of adding latency to every transfer.
type KafkaSink struct {
	writer  messageWriter
	breaker *gobreaker.CircuitBreaker
	topic   string
	timeout time.Duration
	log     *zap.Logger
}

var _ Sink = (*KafkaSink)(nil)

// KafkaConfig configures the publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// WriteTimeout bounds a single publish, including the wait for acks.
	WriteTimeout time.Duration
}

const defaultKafkaWriteTimeout = time.Second

func NewKafkaSink(cfg KafkaConfig, log *zap.Logger) *KafkaSink {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultKafkaWriteTimeout
	}
	// Each Append writes one message and waits for it, so a batch of one
	// flushes immediately instead of waiting out BatchTimeout.
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.WriteTimeout,
	}
	return newKafkaSink(w, cfg.Topic, cfg.WriteTimeout, log)
}

func newKafkaSink(w messageWriter, topic string, timeout time.Duration, log *zap.Logger) *KafkaSink {
	if log == nil {
		log = zap.NewNop()
	}
	st := gobreaker.Settings{
		Name:        "audit-kafka",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &KafkaSink{writer: w, breaker: gobreaker.NewCircuitBreaker(st), topic: topic, timeout: timeout, log: log}
}

// Append publishes the event keyed by transfer id so every event of one
// transfer lands on the same partition.
func (k *KafkaSink) Append(ctx context.Context, e models.AuditEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	key := e.TransferID
	if key == "" {
		key = e.ID
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	_, err = k.breaker.Execute(func() (interface{}, error) {
		return nil, k.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(key),
			Value: payload,
			Time:  e.OccurredAt,
		})
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", k.topic, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
