package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/aihub/docindex/internal/worker"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("event bus closed")

type memPartition struct {
	log []Message
	// next offset to deliver, per consumer group
	committed map[string]int64
	notify    chan struct{}
}

type memChannel struct {
	partitions []*memPartition
}

// MemoryBus is an in-process Bus with keyed partitions and per-group commit
// offsets. A message is committed only after its handler succeeds, and each
// partition is consumed by a single goroutine per group.
type MemoryBus struct {
	mu         sync.Mutex
	partitions int
	channels   map[string]*memChannel
	closed     bool

	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewMemoryBus 创建内存事件总线。pool 限制所有分区的并发处理数。
func NewMemoryBus(partitions int, pool *worker.Pool, logger *zap.Logger) *MemoryBus {
	if partitions < 1 {
		partitions = 1
	}
	b := &MemoryBus{
		partitions: partitions,
		channels:   make(map[string]*memChannel),
		logger:     logger,
	}
	b.dispatcher = NewDispatcher(pool, b, logger)
	return b
}

// WithBackoff sets the redelivery backoff used by subscribers.
func (b *MemoryBus) WithBackoff(base, max time.Duration) *MemoryBus {
	b.dispatcher.WithBackoff(base, max)
	return b
}

func (b *MemoryBus) channel(name string) *memChannel {
	ch, ok := b.channels[name]
	if !ok {
		ch = &memChannel{partitions: make([]*memPartition, b.partitions)}
		for i := range ch.partitions {
			ch.partitions[i] = &memPartition{
				committed: make(map[string]int64),
				notify:    make(chan struct{}),
			}
		}
		b.channels[name] = ch
	}
	return ch
}

func (b *MemoryBus) partitionFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(b.partitions))
}

// Publish appends payload to the partition chosen by key.
func (b *MemoryBus) Publish(ctx context.Context, channel, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}

	idx := b.partitionFor(key)
	p := b.channel(channel).partitions[idx]
	p.log = append(p.log, Message{
		Channel:   channel,
		Key:       key,
		Value:     append([]byte(nil), payload...),
		Partition: int32(idx),
		Offset:    int64(len(p.log)),
	})
	close(p.notify)
	p.notify = make(chan struct{})
	return nil
}

// Subscribe consumes every partition of channel for group until ctx ends.
// Uncommitted messages are delivered again to the next subscriber of the
// same group.
func (b *MemoryBus) Subscribe(ctx context.Context, channel, group string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	ch := b.channel(channel)
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range ch.partitions {
		wg.Add(1)
		go func(p *memPartition) {
			defer wg.Done()
			b.consume(ctx, p, group, handler)
		}(p)
	}
	wg.Wait()
	return nil
}

func (b *MemoryBus) consume(ctx context.Context, p *memPartition, group string, handler Handler) {
	for {
		b.mu.Lock()
		next := p.committed[group]
		var msg *Message
		if next < int64(len(p.log)) {
			m := p.log[next]
			msg = &m
		}
		notify := p.notify
		b.mu.Unlock()

		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-notify:
				continue
			}
		}

		if !b.dispatcher.Deliver(ctx, msg, handler) {
			return
		}
		b.mu.Lock()
		p.committed[group] = msg.Offset + 1
		b.mu.Unlock()
	}
}

// Messages returns every message published to channel, partition by partition.
func (b *MemoryBus) Messages(channel string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channel]
	if !ok {
		return nil
	}
	var out []Message
	for _, p := range ch.partitions {
		out = append(out, p.log...)
	}
	return out
}

// Pending returns how many messages on channel group has not committed yet.
func (b *MemoryBus) Pending(channel, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channel]
	if !ok {
		return 0
	}
	n := 0
	for _, p := range ch.partitions {
		n += len(p.log) - int(p.committed[group])
	}
	return n
}

// Close rejects further publishes and subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
