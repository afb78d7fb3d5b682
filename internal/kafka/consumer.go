package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/aihub/docindex/internal/eventbus"
)

// Consumer Kafka消费者。每次 Subscribe 创建一个消费者组会话。
type Consumer struct {
	brokers    []string
	config     *sarama.Config
	dispatcher *eventbus.Dispatcher
	logger     *zap.Logger

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
}

// NewConsumer 初始化Kafka消费者
func NewConsumer(brokers []string, config *sarama.Config, dispatcher *eventbus.Dispatcher, logger *zap.Logger) *Consumer {
	return &Consumer{
		brokers:    brokers,
		config:     config,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Subscribe joins group and consumes channel until ctx ends. Offsets are
// marked only after the handler succeeded or the message was parked on
// the dead-letter channel.
func (c *Consumer) Subscribe(ctx context.Context, channel, group string, handler eventbus.Handler) error {
	consumerGroup, err := sarama.NewConsumerGroup(c.brokers, group, c.config)
	if err != nil {
		return fmt.Errorf("创建Kafka消费者组失败: %w", err)
	}
	c.mu.Lock()
	c.groups = append(c.groups, consumerGroup)
	c.mu.Unlock()

	c.logger.Info("Kafka消费者初始化成功",
		zap.Strings("brokers", c.brokers),
		zap.String("group_id", group),
		zap.String("topic", channel))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range consumerGroup.Errors() {
			c.logger.Error("Kafka消费者错误", zap.Error(err))
		}
	}()

	h := &groupHandler{dispatcher: c.dispatcher, handler: handler, logger: c.logger}
	for {
		if err := consumerGroup.Consume(ctx, []string{channel}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				break
			}
			c.logger.Error("消费消息失败", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	c.logger.Info("Kafka消费者停止", zap.String("group_id", group), zap.String("topic", channel))
	closeErr := consumerGroup.Close()
	wg.Wait()
	if closeErr != nil && !errors.Is(closeErr, sarama.ErrClosedConsumerGroup) {
		return closeErr
	}
	return nil
}

// Close 关闭所有消费者组
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, g := range c.groups {
		if err := g.Close(); err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) && firstErr == nil {
			firstErr = err
		}
	}
	c.groups = nil
	return firstErr
}

// groupHandler 消费者组处理器
type groupHandler struct {
	dispatcher *eventbus.Dispatcher
	handler    eventbus.Handler
	logger     *zap.Logger
}

// Setup 会话开始
func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.logger.Debug("Kafka会话开始", zap.Any("claims", session.Claims()))
	return nil
}

// Cleanup 会话结束
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim handles one partition sequentially. Marking is cumulative in
// Kafka, so the claim stops at the first message it could not settle.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			msg := &eventbus.Message{
				Channel:   message.Topic,
				Key:       string(message.Key),
				Value:     message.Value,
				Partition: message.Partition,
				Offset:    message.Offset,
			}
			if len(message.Headers) > 0 {
				msg.Headers = make(map[string]string, len(message.Headers))
				for _, header := range message.Headers {
					msg.Headers[string(header.Key)] = string(header.Value)
				}
			}

			if !h.dispatcher.Deliver(session.Context(), msg, h.handler) {
				return nil
			}

			// 标记消息已处理
			session.MarkMessage(message, "")
			h.logger.Debug("消息处理成功",
				zap.String("topic", message.Topic),
				zap.Int32("partition", message.Partition),
				zap.Int64("offset", message.Offset))

		case <-session.Context().Done():
			return nil
		}
	}
}
