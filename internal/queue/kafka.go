package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaDispatcher публикует задания на распределение в топик Kafka.
type KafkaDispatcher struct {
	writer *kafka.Writer
}

// NewKafkaDispatcher создаёт издателя заданий.
func NewKafkaDispatcher(brokers []string, topic string) (*KafkaDispatcher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka dispatcher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka dispatcher requires topic")
	}
	return &KafkaDispatcher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}, nil
}

// ScheduleAllocation публикует задание с ключом по пулу, чтобы задания одного пула шли в одну партицию.
func (d *KafkaDispatcher) ScheduleAllocation(ctx context.Context, poolID string, notBefore time.Time) error {
	payload, err := Encode(Message{PoolID: poolID, NotBefore: notBefore.UTC()})
	if err != nil {
		return err
	}
	return d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(poolID),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

// Close закрывает издателя.
func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

// KafkaConsumer читает задания из топика и выполняет распределение.
// Смещение фиксируется только после обработки, поэтому задание переживает падение процесса.
type KafkaConsumer struct {
	reader  *kafka.Reader
	handler Handler
	logger  *zap.Logger
	now     func() time.Time
}

// NewKafkaConsumer создаёт потребителя заданий в группе groupID.
func NewKafkaConsumer(brokers []string, groupID, topic string, handler Handler, logger *zap.Logger) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka consumer requires topic")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: reader, handler: handler, logger: logger, now: time.Now}, nil
}

// Run обрабатывает задания до отмены контекста.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.process(ctx, msg.Value); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("allocation message failed", zap.Error(err), zap.ByteString("key", msg.Key))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

// process выполняет одно задание. Ошибка handler не блокирует очередь: несобранные
// распределения подбирает периодическая сверка.
func (c *KafkaConsumer) process(ctx context.Context, value []byte) error {
	m, err := Decode(value)
	if err != nil {
		return err
	}
	if err := wait(ctx, m.NotBefore.Sub(c.now())); err != nil {
		return err
	}
	return c.handler(ctx, m.PoolID)
}

// Close закрывает потребителя.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
