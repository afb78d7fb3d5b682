package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, time.Duration(0), Backoff(0, base, time.Second))
	assert.Equal(t, 100*time.Millisecond, Backoff(1, base, time.Second))
	assert.Equal(t, 200*time.Millisecond, Backoff(2, base, time.Second))
	assert.Equal(t, 400*time.Millisecond, Backoff(3, base, time.Second))
	assert.Equal(t, time.Second, Backoff(10, base, time.Second))
	assert.Equal(t, 1600*time.Millisecond, Backoff(5, base, 0))
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return apperrors.NewTransientStoreError("postgres", fmt.Errorf("conn reset"))
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return apperrors.NewUnsupportedFormatError("exe")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, apperrors.ErrCodeUnsupportedFormat, apperrors.Classify(err))
}

func TestDo_ExhaustsBudget(t *testing.T) {
	var retried []int
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		return apperrors.NewEmbeddingBackendError("503", nil)
	}, func(attempt int, _ error) { retried = append(retried, attempt) })

	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_UnboundedStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Do(ctx, Policy{BaseDelay: 5 * time.Millisecond}, func(context.Context) error {
		return apperrors.NewLeaseHeldError("doc-1")
	}, nil)

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrLeaseHeld))
}
