package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/oceanframework/ocean/internal/logger"
	"github.com/oceanframework/ocean/internal/webhook"
	"github.com/oceanframework/ocean/pkg/integration"
)

// KafkaConfig configures the queue-driven trigger
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Kafka consumes events from a topic and runs them through the live-event
// manager synchronously. Offsets commit only after an event is handled to
// its terminal outcome, so a crash mid-handling redelivers instead of
// dropping.
type Kafka struct {
	config  KafkaConfig
	manager *webhook.Manager
	log     logger.Logger
}

// NewKafka creates the queue trigger
func NewKafka(config KafkaConfig, manager *webhook.Manager) *Kafka {
	return &Kafka{
		config:  config,
		manager: manager,
		log:     logger.New("kafka"),
	}
}

// Run consumes until ctx ends
func (k *Kafka) Run(ctx context.Context) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.config.Brokers,
		Topic:          k.config.Topic,
		GroupID:        k.config.GroupID,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})
	defer reader.Close()

	k.log.Info("kafka trigger consuming",
		logger.String("topic", k.config.Topic),
		logger.String("group", k.config.GroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return ctx.Err()
			}
			k.log.Error("failed to fetch message", logger.Error(err))
			continue
		}

		event := k.buildEvent(msg)
		// Handling runs on this goroutine, so the commit below happens
		// strictly after the event reached its terminal outcome. A
		// processing error means retries are exhausted and the event is
		// dead-lettered; committing it keeps a poison message from
		// wedging the partition.
		if err := k.manager.ProcessSync(event); err != nil {
			k.log.Error("event processing exhausted retries",
				logger.String("path", event.Path),
				logger.Int64("offset", msg.Offset),
				logger.Error(err),
			)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			k.log.Error("failed to commit message", logger.Error(err))
		}
	}
}

// buildEvent converts a Kafka message into a live event. The routing path
// comes from the "path" header, falling back to the topic name; the message
// key doubles as the delivery ID when no header names one.
func (k *Kafka) buildEvent(msg kafka.Message) integration.Event {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	path := headers["path"]
	if path == "" {
		path = "/" + msg.Topic
	}
	id := headers["event-id"]
	if id == "" {
		id = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	}

	var payload map[string]interface{}
	_ = json.Unmarshal(msg.Value, &payload)

	return integration.Event{
		ID:         id,
		Path:       path,
		Headers:    headers,
		Payload:    payload,
		RawBody:    msg.Value,
		ReceivedAt: msg.Time,
	}
}
