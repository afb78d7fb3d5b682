package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docindex/internal/errors"
)

func TestNewMinIOStore_RequiresEndpoint(t *testing.T) {
	_, err := NewMinIOStore(context.Background(), Options{Bucket: "docs"}, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfiguration, apperrors.Classify(err))
}
