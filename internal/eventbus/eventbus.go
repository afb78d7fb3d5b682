// Package eventbus defines the publish/subscribe contracts used by the
// indexing pipeline. Delivery is at-least-once and ordered per key.
package eventbus

import (
	"context"

	"github.com/aihub/docindex/internal/models"
)

// DeadLetterSuffix is appended to a channel name to form its poison-message channel.
const DeadLetterSuffix = ".dlq"

// Message is one delivery. Offset is only meaningful within its partition.
type Message struct {
	Channel   string
	Key       string
	Value     []byte
	Partition int32
	Offset    int64
	Headers   map[string]string
}

// Handler processes one message. Returning nil commits the message.
// A retryable error redelivers it; a permanent error forwards it to the
// channel's dead-letter channel and commits it.
type Handler func(ctx context.Context, msg *Message) error

// Publisher sends payloads to a channel and returns once the broker has
// durably accepted them.
type Publisher interface {
	Publish(ctx context.Context, channel, key string, payload []byte) error
	Close() error
}

// Subscriber runs handler for every message on channel as part of group
// until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, channel, group string, handler Handler) error
	Close() error
}

// Bus is a Publisher that can also subscribe.
type Bus interface {
	Publisher
	Subscriber
}

// PublishEvent marshals ev and publishes it keyed by its document ID.
func PublishEvent(ctx context.Context, p Publisher, channel string, ev models.Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		return err
	}
	return p.Publish(ctx, channel, ev.Key(), payload)
}
