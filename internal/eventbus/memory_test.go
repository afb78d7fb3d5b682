package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/worker"
)

func newTestBus(t *testing.T) *MemoryBus {
	t.Helper()
	pool, err := worker.NewPool(4, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	return NewMemoryBus(4, pool, zap.NewNop()).WithBackoff(time.Millisecond, 5*time.Millisecond)
}

// runUntil subscribes until cond holds, then stops the subscriber.
func runUntil(t *testing.T, bus *MemoryBus, channel string, h Handler, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Subscribe(ctx, channel, "indexer", h)
	}()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestMemoryBus_OrderedPerKey(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	for rev := int64(1); rev <= 20; rev++ {
		require.NoError(t, PublishEvent(ctx, bus, "records", models.NewEvent(models.EventRecordUpdated, "doc-a", rev)))
		require.NoError(t, PublishEvent(ctx, bus, "records", models.NewEvent(models.EventRecordUpdated, "doc-b", rev)))
	}

	var mu sync.Mutex
	seen := map[string][]int64{}
	handler := func(_ context.Context, msg *Message) error {
		ev, err := models.ParseEvent(msg.Value)
		if err != nil {
			return err
		}
		mu.Lock()
		seen[ev.DocumentID] = append(seen[ev.DocumentID], ev.Revision)
		mu.Unlock()
		return nil
	}
	runUntil(t, bus, "records", handler, func() bool { return bus.Pending("records", "indexer") == 0 })

	for _, doc := range []string{"doc-a", "doc-b"} {
		require.Len(t, seen[doc], 20)
		for i, rev := range seen[doc] {
			assert.Equal(t, int64(i+1), rev)
		}
	}
}

func TestMemoryBus_RetryableFailureIsRedelivered(t *testing.T) {
	bus := newTestBus(t)
	require.NoError(t, bus.Publish(context.Background(), "records", "doc-1", []byte(`{}`)))

	var mu sync.Mutex
	calls := 0
	handler := func(context.Context, *Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return apperrors.NewTransientStoreError("postgres", errors.New("connection reset"))
		}
		return nil
	}
	runUntil(t, bus, "records", handler, func() bool { return bus.Pending("records", "indexer") == 0 })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
}

func TestMemoryBus_PermanentFailureGoesToDeadLetter(t *testing.T) {
	bus := newTestBus(t)
	require.NoError(t, bus.Publish(context.Background(), "records", "doc-1", []byte(`not json`)))

	handler := func(_ context.Context, msg *Message) error {
		if _, err := models.ParseEvent(msg.Value); err != nil {
			return apperrors.NewPermanentFormatError("event", err)
		}
		return nil
	}
	runUntil(t, bus, "records", handler, func() bool { return bus.Pending("records", "indexer") == 0 })

	dlq := bus.Messages("records" + DeadLetterSuffix)
	require.Len(t, dlq, 1)
	assert.Equal(t, "doc-1", dlq[0].Key)
	assert.Equal(t, []byte(`not json`), dlq[0].Value)
}

func TestMemoryBus_UncommittedMessageSurvivesRestart(t *testing.T) {
	bus := newTestBus(t)
	require.NoError(t, bus.Publish(context.Background(), "records", "doc-1", []byte(`{}`)))

	failing := func(context.Context, *Message) error {
		return apperrors.NewLeaseHeldError("leases/doc-1")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, bus.Subscribe(ctx, "records", "indexer", failing))
	assert.Equal(t, 1, bus.Pending("records", "indexer"))

	ok := func(context.Context, *Message) error { return nil }
	runUntil(t, bus, "records", ok, func() bool { return bus.Pending("records", "indexer") == 0 })
}

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	bus := newTestBus(t)
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), "records", "k", nil), ErrBusClosed)
}
