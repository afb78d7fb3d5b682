package coordination

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docindex/internal/errors"
)

// ErrLeaseLost is returned by Renew once the backend no longer attributes
// the key to this holder (expired, revoked or taken over).
var ErrLeaseLost = errors.New("lease lost")

// Grant identifies one successful acquisition. Token is backend specific:
// an etcd lease ID, a consul session ID or a memory generation counter.
type Grant struct {
	Key       string
	Owner     string
	Token     string
	ExpiresAt time.Time
}

// Backend is the coordination store seen by Lease. Acquire returns a
// LEASE_HELD AppError when another owner holds an unexpired lease on key.
type Backend interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Grant, error)
	Renew(ctx context.Context, g Grant, ttl time.Duration) (Grant, error)
	Release(ctx context.Context, g Grant) error
}

// Watcher delivers the current value of key and every later change to fn
// until ctx ends.
type Watcher interface {
	Watch(ctx context.Context, key string, fn func(value []byte)) error
}

// Manager hands out per-key leases under a common prefix.
type Manager struct {
	backend Backend
	prefix  string
	worker  string
	logger  *zap.Logger
}

// NewManager 创建租约管理器。worker 标识当前进程，仅用于日志与排查。
func NewManager(backend Backend, prefix, worker string, logger *zap.Logger) *Manager {
	if worker == "" {
		worker = uuid.NewString()
	}
	return &Manager{backend: backend, prefix: prefix, worker: worker, logger: logger}
}

// Key returns the backend key guarding name.
func (m *Manager) Key(name string) string {
	return m.prefix + name
}

// Acquire takes the lease for name. Each acquisition gets a fresh owner
// identity, so two runs in the same process never share ownership.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	owner := m.worker + "/" + uuid.NewString()
	g, err := m.backend.Acquire(ctx, m.Key(name), owner, ttl)
	if err != nil {
		return nil, err
	}
	return &Lease{
		backend: m.backend,
		logger:  m.logger,
		ttl:     ttl,
		grant:   g,
		lost:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Lease is a held lease. It must be released by its holder; the backend
// frees it on its own after TTL if the holder disappears.
type Lease struct {
	backend Backend
	logger  *zap.Logger
	ttl     time.Duration

	mu       sync.Mutex
	grant    Grant
	released bool
	lostOnce sync.Once
	lost     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// Grant returns the current grant.
func (l *Lease) Grant() Grant {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.grant
}

// Lost is closed when a renewal reports the lease is gone.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

// Renew extends the lease by its TTL.
func (l *Lease) Renew(ctx context.Context) error {
	l.mu.Lock()
	g := l.grant
	released := l.released
	l.mu.Unlock()
	if released {
		return ErrLeaseLost
	}

	next, err := l.backend.Renew(ctx, g, l.ttl)
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			l.markLost()
		}
		return err
	}
	l.mu.Lock()
	l.grant = next
	l.mu.Unlock()
	return nil
}

// KeepAlive renews the lease every ttl/3 until ctx ends, the lease is
// released or a renewal reports it lost.
func (l *Lease) KeepAlive(ctx context.Context) {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.done:
				return
			case <-ticker.C:
				err := l.Renew(ctx)
				if err == nil {
					continue
				}
				if errors.Is(err, ErrLeaseLost) {
					l.logger.Warn("lease lost", zap.String("key", l.Grant().Key))
					return
				}
				// transient store failure: the next tick retries before TTL runs out
				l.logger.Debug("lease renewal failed", zap.String("key", l.Grant().Key), zap.Error(err))
			}
		}
	}()
}

// Release frees the lease. Releasing twice is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	g := l.grant
	l.mu.Unlock()

	l.doneOnce.Do(func() { close(l.done) })
	return l.backend.Release(ctx, g)
}

func (l *Lease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// Err reports a LEASE_HELD error if the lease was lost while running.
func (l *Lease) Err() error {
	select {
	case <-l.lost:
		return apperrors.NewLeaseHeldError(l.Grant().Key).WithCause(ErrLeaseLost)
	default:
		return nil
	}
}
