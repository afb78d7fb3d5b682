package worker

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docindex/internal/errors"
)

// Pool bounds the number of message handlers running at once across all
// partitions. Run blocks the caller until its task finishes, so a partition
// that waits on the pool stays sequential.
type Pool struct {
	pool   *ants.Pool
	logger *zap.Logger
}

// NewPool 创建有界协程池
func NewPool(size int, logger *zap.Logger) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p, err := ants.NewPool(size, ants.WithPanicHandler(func(v interface{}) {
		logger.Error("worker task panicked", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Pool{pool: p, logger: logger}, nil
}

// Run executes fn on a pool worker and waits for it. A panic in fn is
// returned as an internal error. If ctx ends before a worker is free,
// ctx's error is returned and fn never runs.
func (p *Pool) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("handler panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				done <- apperrors.NewInternalError(fmt.Sprintf("handler panicked: %v", r), nil)
			}
		}()
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		done <- fn(ctx)
	}

	// Submit blocks while the pool is saturated; keep it off the caller so
	// cancellation is still observed.
	submitted := make(chan error, 1)
	go func() { submitted <- p.pool.Submit(task) }()

	select {
	case err := <-submitted:
		if err != nil {
			return apperrors.NewInternalError("submit to worker pool", err)
		}
	case <-ctx.Done():
		// the task may still start later; it sees ctx done and exits at once
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// wait for the handler so the partition never runs two at once
		return <-done
	}
}

// Tune resizes the pool. It is wired to configuration reloads.
func (p *Pool) Tune(size int) {
	if size < 1 {
		size = 1
	}
	p.pool.Tune(size)
}

// Cap returns the pool capacity.
func (p *Pool) Cap() int {
	return p.pool.Cap()
}

// Running returns the number of busy workers.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Release stops the pool.
func (p *Pool) Release() {
	p.pool.Release()
}
