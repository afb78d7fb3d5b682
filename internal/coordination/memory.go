package coordination

import (
	"context"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/aihub/docindex/internal/errors"
)

type memoryLease struct {
	owner     string
	token     string
	expiresAt time.Time
}

// MemoryBackend is an in-process coordination store with an injectable
// clock. It backs single-process deployments and the lease tests.
type MemoryBackend struct {
	mu       sync.Mutex
	now      func() time.Time
	leases   map[string]memoryLease
	values   map[string][]byte
	watchers map[string][]chan []byte
	seq      int64
}

// NewMemoryBackend 创建内存协调存储
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		now:      time.Now,
		leases:   make(map[string]memoryLease),
		values:   make(map[string][]byte),
		watchers: make(map[string][]chan []byte),
	}
}

// WithClock replaces the time source.
func (b *MemoryBackend) WithClock(now func() time.Time) *MemoryBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}

func (b *MemoryBackend) Acquire(_ context.Context, key, owner string, ttl time.Duration) (Grant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if cur, ok := b.leases[key]; ok && now.Before(cur.expiresAt) {
		return Grant{}, apperrors.NewLeaseHeldError(key)
	}
	b.seq++
	l := memoryLease{owner: owner, token: strconv.FormatInt(b.seq, 10), expiresAt: now.Add(ttl)}
	b.leases[key] = l
	return Grant{Key: key, Owner: owner, Token: l.token, ExpiresAt: l.expiresAt}, nil
}

func (b *MemoryBackend) Renew(_ context.Context, g Grant, ttl time.Duration) (Grant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cur, ok := b.leases[g.Key]
	if !ok || cur.token != g.Token || !now.Before(cur.expiresAt) {
		return Grant{}, ErrLeaseLost
	}
	cur.expiresAt = now.Add(ttl)
	b.leases[g.Key] = cur
	g.ExpiresAt = cur.expiresAt
	return g, nil
}

func (b *MemoryBackend) Release(_ context.Context, g Grant) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.leases[g.Key]; ok && cur.token == g.Token {
		delete(b.leases, g.Key)
	}
	return nil
}

// Holder returns the current unexpired owner of key.
func (b *MemoryBackend) Holder(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.leases[key]
	if !ok || !b.now().Before(cur.expiresAt) {
		return "", false
	}
	return cur.owner, true
}

// Put stores value under key and notifies watchers.
func (b *MemoryBackend) Put(key string, value []byte) {
	b.mu.Lock()
	b.values[key] = append([]byte(nil), value...)
	watchers := append([]chan []byte(nil), b.watchers[key]...)
	b.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- value:
		default:
		}
	}
}

func (b *MemoryBackend) Watch(ctx context.Context, key string, fn func(value []byte)) error {
	ch := make(chan []byte, 16)

	b.mu.Lock()
	initial, ok := b.values[key]
	b.watchers[key] = append(b.watchers[key], ch)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.watchers[key]
		for i, c := range list {
			if c == ch {
				b.watchers[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}()

	if ok {
		fn(initial)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-ch:
			fn(v)
		}
	}
}
