package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/trunov/mediaopt/internal/trigger"
)

type EventHandler func(ctx context.Context, ev trigger.Event) error

// finalizeMessage accepts both the flat event shape and R2/S3 style notifications
// that nest the key under "object".
type finalizeMessage struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Bucket      string `json:"bucket"`
	Generation  string `json:"generation"`
	Action      string `json:"action"`
	Object      *struct {
		Key  string `json:"key"`
		ETag string `json:"eTag"`
	} `json:"object"`
}

var errSkip = errors.New("not a finalize event")

func decodeEvent(raw []byte) (trigger.Event, error) {
	var m finalizeMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return trigger.Event{}, err
	}

	ev := trigger.Event{Name: m.Name, ContentType: m.ContentType, Bucket: m.Bucket, Generation: m.Generation}
	if m.Object != nil {
		switch m.Action {
		case "", "PutObject", "CompleteMultipartUpload", "CopyObject":
		default:
			return ev, fmt.Errorf("%w: %s", errSkip, m.Action)
		}
		if ev.Name == "" {
			ev.Name = m.Object.Key
		}
		if ev.Generation == "" {
			ev.Generation = m.Object.ETag
		}
	}
	if ev.Name == "" {
		return ev, fmt.Errorf("%w: missing object name", errSkip)
	}
	return ev, nil
}

type Consumer struct {
	consumer sarama.ConsumerGroup
	logger   *zap.Logger
}

func NewConsumer(brokers []string, groupID string, logger *zap.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	c, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{consumer: c, logger: logger.With(zap.String("component", "kafka-consumer"))}, nil
}

type consumerHandler struct {
	fn     EventHandler
	logger *zap.Logger
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ev, err := decodeEvent(msg.Value)
		if err != nil {
			h.logger.Debug("message skipped", zap.Int64("offset", msg.Offset), zap.Error(err))
			session.MarkMessage(msg, "")
			continue
		}
		if err := h.fn(session.Context(), ev); err != nil {
			h.logger.Error("finalize event failed", zap.String("object", ev.Name), zap.Error(err))
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// Consume blocks, rejoining the group after every rebalance, until ctx is done.
func (c *Consumer) Consume(ctx context.Context, topic string, handler EventHandler) error {
	h := &consumerHandler{fn: handler, logger: c.logger}
	for {
		if err := c.consumer.Consume(ctx, []string{topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.consumer.Close()
}
