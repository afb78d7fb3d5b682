package eventbus

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/retry"
	"github.com/aihub/docindex/internal/worker"
)

// Dispatcher runs one message through a handler with the delivery rules
// shared by every bus: retryable failures are retried in place until the
// handler succeeds or the session ends, permanent failures are forwarded to
// the dead-letter channel.
type Dispatcher struct {
	pool       *worker.Pool
	deadLetter Publisher
	backoff    retry.Policy
	logger     *zap.Logger
}

// NewDispatcher 创建消息分发器。pool 为 nil 时在调用方协程内执行。
func NewDispatcher(pool *worker.Pool, deadLetter Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		pool:       pool,
		deadLetter: deadLetter,
		backoff:    retry.Policy{BaseDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second},
		logger:     logger,
	}
}

// WithBackoff overrides the redelivery backoff.
func (d *Dispatcher) WithBackoff(base, max time.Duration) *Dispatcher {
	d.backoff.BaseDelay = base
	d.backoff.MaxDelay = max
	return d
}

// Deliver reports whether msg may be committed. It returns false only when
// ctx ended before msg was handled or parked; the caller must then stop
// consuming the partition so msg is redelivered.
func (d *Dispatcher) Deliver(ctx context.Context, msg *Message, handler Handler) bool {
	run := func(ctx context.Context) error {
		if d.pool == nil {
			return handler(ctx, msg)
		}
		return d.pool.Run(ctx, func(ctx context.Context) error { return handler(ctx, msg) })
	}

	err := retry.Do(ctx, d.backoff, run, func(attempt int, err error) {
		d.logger.Warn("handler failed, redelivering",
			zap.String("channel", msg.Channel),
			zap.String("key", msg.Key),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.String("error_class", string(apperrors.Classify(err))),
			zap.Error(err))
	})
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	// permanent failure: park the payload and move on
	d.logger.Error("handler rejected message",
		zap.String("channel", msg.Channel),
		zap.String("key", msg.Key),
		zap.Int64("offset", msg.Offset),
		zap.Error(err))
	if d.deadLetter == nil {
		return true
	}
	forward := func(ctx context.Context) error {
		return d.deadLetter.Publish(ctx, msg.Channel+DeadLetterSuffix, msg.Key, msg.Value)
	}
	if dlqErr := retry.Do(ctx, d.backoff, forward, nil); dlqErr != nil {
		d.logger.Error("dead-letter forward failed", zap.String("channel", msg.Channel), zap.Error(dlqErr))
		return false
	}
	return true
}
