package kafka

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"im-sync/internal/config"
)

// MessageHandler is a function type for processing consumed Kafka messages.
type MessageHandler func(ctx context.Context, msg *kafka.Message) error

// ConsumeOptions 调整一次 Consume 的行为，零值即普通的持久消费者组。
type ConsumeOptions struct {
	// Ready 在第一次分区分配完成、起始 offset 已确定之后调用一次。
	Ready func()
	// Rewind 非零时，分配到的分区从 (分配时刻 - Rewind) 之后的第一条消息开始消费，
	// 不再依赖 auto.offset.reset。
	Rewind time.Duration
	// Ephemeral 表示这个组用完即弃：不提交 offset，组在 consumer 关闭后由 broker 回收。
	Ephemeral bool
}

// MessageConsumer defines the interface for a Kafka message consumer.
// Consume 每次调用都使用独立的底层 consumer，可以并发调用。
type MessageConsumer interface {
	Consume(ctx context.Context, topics []string, groupID string, opts ConsumeOptions, handler MessageHandler) error
}

// offsetLookupTimeoutMs bounds the OffsetsForTimes query made on assignment.
const offsetLookupTimeoutMs = 5000

// confluentKafkaConsumer is an implementation of MessageConsumer using confluent-kafka-go.
type confluentKafkaConsumer struct {
	cfg config.KafkaConfig
}

// NewConfluentKafkaConsumer creates a new Kafka consumer factory using confluent-kafka-go.
func NewConfluentKafkaConsumer(cfg config.KafkaConfig) MessageConsumer {
	return &confluentKafkaConsumer{cfg: cfg}
}

func (c *confluentKafkaConsumer) configMap(groupID string) *kafka.ConfigMap {
	offsetReset := c.cfg.AutoOffsetReset
	if offsetReset == "" {
		offsetReset = "latest"
	}
	configMap := &kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(c.cfg.Brokers, ","),
		"group.id":           groupID,
		"auto.offset.reset":  offsetReset,
		"enable.auto.commit": "false", // We will commit manually after processing
		"security.protocol":  c.cfg.Protocol,
		// AssignedPartitions / RevokedPartitions 通过 Poll 交给我们处理
		"go.application.rebalance.enable": true,
	}
	if c.cfg.ClientID != "" {
		_ = configMap.SetKey("client.id", c.cfg.ClientID)
	}
	return configMap
}

// Consume starts consuming messages from the specified topics and group.
// This method will block until the context is canceled or a fatal error occurs.
func (c *confluentKafkaConsumer) Consume(ctx context.Context, topics []string, groupID string, opts ConsumeOptions, handler MessageHandler) error {
	if len(topics) == 0 {
		return fmt.Errorf("kafka consumer: no topics specified")
	}

	consumer, err := kafka.NewConsumer(c.configMap(groupID))
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer for group %s: %w", groupID, err)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			log.Printf("Error closing Kafka consumer for group %s: %v", groupID, err)
		}
	}()

	if err := consumer.SubscribeTopics(topics, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topics %v for group %s: %w", topics, groupID, err)
	}
	log.Printf("Kafka consumer started for GroupID: %s, subscribed to Topics: %v", groupID, topics)

	readyCalled := false

	for {
		select {
		case <-ctx.Done():
			log.Printf("Context canceled for consumer group %s. Shutting down.", groupID)
			return nil
		default:
		}

		ev := consumer.Poll(500)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			if err := handler(ctx, e); err != nil {
				log.Printf("Error processing Kafka message for group %s (Topic: %s, Offset: %v): %v",
					groupID, *e.TopicPartition.Topic, e.TopicPartition.Offset, err)
				continue
			}
			if opts.Ephemeral {
				continue
			}
			if _, err := consumer.CommitMessage(e); err != nil {
				log.Printf("Failed to commit offset for group %s (Topic: %s, Offset: %v): %v",
					groupID, *e.TopicPartition.Topic, e.TopicPartition.Offset, err)
			}
		case kafka.Error:
			log.Printf("Kafka consumer error for group %s: %v (Code: %d, Fatal: %t)", groupID, e, e.Code(), e.IsFatal())
			if e.IsFatal() {
				return e
			}
		case kafka.AssignedPartitions:
			log.Printf("Partitions assigned for group %s: %v", groupID, e.Partitions)
			parts := e.Partitions
			if opts.Rewind > 0 {
				parts = rewindTo(consumer, parts, time.Now().Add(-opts.Rewind), groupID)
			}
			if err := consumer.Assign(parts); err != nil {
				return fmt.Errorf("failed to assign partitions for group %s: %w", groupID, err)
			}
			if !readyCalled && opts.Ready != nil {
				readyCalled = true
				opts.Ready()
			}
		case kafka.RevokedPartitions:
			log.Printf("Partitions revoked for group %s: %v", groupID, e.Partitions)
			_ = consumer.Unassign()
		}
	}
}

// rewindTo 把每个分区的起始 offset 设为 at 之后的第一条消息。
// 查询失败时保留原分配，由 auto.offset.reset 决定起点。
func rewindTo(consumer *kafka.Consumer, parts []kafka.TopicPartition, at time.Time, groupID string) []kafka.TopicPartition {
	query := make([]kafka.TopicPartition, len(parts))
	for i, p := range parts {
		query[i] = p
		query[i].Offset = kafka.Offset(at.UnixMilli())
	}
	offsets, err := consumer.OffsetsForTimes(query, offsetLookupTimeoutMs)
	if err != nil {
		log.Printf("Failed to look up offsets at %s for group %s: %v", at.Format(time.RFC3339), groupID, err)
		return parts
	}
	return offsets
}
