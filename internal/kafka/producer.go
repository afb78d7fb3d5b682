package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docindex/internal/errors"
)

// Producer Kafka生产者，发送成功即代表所有副本已确认
type Producer struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
}

// NewSaramaConfig returns the client settings shared by producer and
// consumer groups.
func NewSaramaConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	if clientID != "" {
		config.ClientID = clientID
	}
	config.Version = sarama.V2_6_0_0

	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Idempotent = true
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second
	config.Producer.Partitioner = sarama.NewHashPartitioner
	// required by the idempotent producer
	config.Net.MaxOpenRequests = 1

	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Return.Errors = true
	return config
}

// NewProducer 初始化Kafka生产者
func NewProducer(brokers []string, config *sarama.Config, logger *zap.Logger) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}
	logger.Info("Kafka生产者初始化成功", zap.Strings("brokers", brokers))
	return NewProducerFromSync(producer, logger), nil
}

// NewProducerFromSync wraps an existing sarama producer.
func NewProducerFromSync(producer sarama.SyncProducer, logger *zap.Logger) *Producer {
	return &Producer{producer: producer, logger: logger}
}

// Publish sends payload to channel, partitioned by key.
func (p *Producer) Publish(ctx context.Context, channel, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: channel,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.Error("发送Kafka消息失败", zap.String("topic", channel), zap.String("key", key), zap.Error(err))
		return apperrors.NewDeliveryError(channel, err)
	}

	p.logger.Debug("Kafka消息发送成功",
		zap.String("topic", channel),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	if p != nil && p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
