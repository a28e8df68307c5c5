package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// DialKafkaProducer creates the producer used by KafkaQueue
func DialKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return producer, nil
}

// DialKafkaConsumerGroup joins the consumer group that runs published tasks.
// A group without committed offsets starts at the oldest retained message, so
// tasks published before the first worker came up are not skipped.
func DialKafkaConsumerGroup(brokers []string, groupID string) (sarama.ConsumerGroup, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true
	config.Consumer.Retry.Backoff = 1 * time.Second
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = 1 * time.Second

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}
	return group, nil
}

// KafkaQueue publishes tasks to a topic. Each task is run by one member of
// the consumer group, whichever instance that is.
type KafkaQueue struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

func NewKafkaQueue(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaQueue {
	return &KafkaQueue{producer: producer, topic: topic, logger: logger}
}

// Enqueue publishes task, carrying the trace context in the message headers
func (q *KafkaQueue) Enqueue(ctx context.Context, task Task) error {
	value, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	carrier := make(headerCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)

	msg := &sarama.ProducerMessage{
		Topic:   q.topic,
		Key:     sarama.StringEncoder(task.Name),
		Value:   sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader(carrier),
	}

	partition, offset, err := q.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish task %s: %w", task.Name, err)
	}

	q.logger.Debug("task published",
		zap.String("task", task.Name),
		zap.String("topic", q.topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close closes the producer
func (q *KafkaQueue) Close() error {
	return q.producer.Close()
}

// KafkaConsumer feeds tasks to an Executor as a member of a consumer group.
// Partitions are split across the group, so every instance of the service can
// run one and each task is still executed by a single member.
type KafkaConsumer struct {
	group    sarama.ConsumerGroup
	topic    string
	executor *Executor
	logger   *zap.Logger
}

func NewKafkaConsumer(group sarama.ConsumerGroup, topic string, executor *Executor, logger *zap.Logger) *KafkaConsumer {
	return &KafkaConsumer{group: group, topic: topic, executor: executor, logger: logger}
}

// Run consumes until ctx is done or the group is closed
func (c *KafkaConsumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("Kafka consumer group error", zap.Error(err))
		}
	}()

	handler := &taskGroupHandler{consumer: c}
	c.logger.Info("Kafka task consumer started", zap.String("topic", c.topic))
	for {
		// Consume returns on every rebalance and has to be called again
		err := c.group.Consume(ctx, []string{c.topic}, handler)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to consume %s: %w", c.topic, err)
		}
	}
}

// taskGroupHandler runs the messages of the claimed partitions
type taskGroupHandler struct {
	consumer *KafkaConsumer
}

func (h *taskGroupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info("Kafka task partitions assigned",
		zap.String("member_id", sess.MemberID()),
		zap.Any("claims", sess.Claims()),
	)
	return nil
}

func (h *taskGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks each message once it was handled, so a committed offset
// never runs again in the group.
func (h *taskGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.consumer.handle(sess.Context(), msg)
			sess.MarkMessage(msg, "")
		}
	}
}

// headerCarrier adapts producer headers to a TextMapCarrier
type headerCarrier []sarama.RecordHeader

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	*c = append(*c, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}

// consumerHeaderCarrier adapts consumed headers to a TextMapCarrier
type consumerHeaderCarrier []*sarama.RecordHeader

func (c consumerHeaderCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c consumerHeaderCarrier) Set(string, string) {}

func (c consumerHeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
