package kafka

import (
	"go.uber.org/zap"

	"github.com/aihub/docindex/internal/eventbus"
	"github.com/aihub/docindex/internal/worker"
)

// Bus combines the producer and the consumer into an eventbus.Bus. Poison
// messages are forwarded through the same producer.
type Bus struct {
	*Producer
	*Consumer
}

// NewBus 连接Kafka并创建事件总线
func NewBus(brokers []string, clientID string, pool *worker.Pool, logger *zap.Logger) (*Bus, error) {
	config := NewSaramaConfig(clientID)
	producer, err := NewProducer(brokers, config, logger)
	if err != nil {
		return nil, err
	}
	dispatcher := eventbus.NewDispatcher(pool, producer, logger)
	return &Bus{
		Producer: producer,
		Consumer: NewConsumer(brokers, config, dispatcher, logger),
	}, nil
}

// Close closes consumers first so no handler publishes on a closed producer.
func (b *Bus) Close() error {
	consumerErr := b.Consumer.Close()
	if err := b.Producer.Close(); err != nil {
		return err
	}
	return consumerErr
}
