package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aihub/docindex/internal/config"
	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/metrics"
)

type mockEmbedder struct {
	mock.Mock
}

func (m *mockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	vecs, _ := args.Get(0).([][]float32)
	return vecs, args.Error(1)
}

func (m *mockEmbedder) Dimensions() int      { return 2 }
func (m *mockEmbedder) ModelVersion() string { return "mock-v1" }

func testProvider(batch int) *config.Provider {
	return config.NewProvider(&config.Config{Pipeline: config.PipelineConfig{
		EmbedBatchSize: batch,
		EmbedBurst:     1,
	}})
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestHashingEmbedder_Deterministic(t *testing.T) {
	h := NewHashingEmbedder("hashing-v1", 64)
	first, err := h.Embed(context.Background(), []string{"A. B. C.", "a"})
	require.NoError(t, err)
	second, err := h.Embed(context.Background(), []string{"A. B. C.", "a"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first[0], 64)
	assert.Greater(t, cosine(first[0], first[1]), 0.0)
	assert.InDelta(t, 1.0, cosine(first[0], first[0]), 1e-5)
}

func TestHashingEmbedder_EmptyTextIsZeroVector(t *testing.T) {
	vecs, err := NewHashingEmbedder("", 8).Embed(context.Background(), []string{" ... "})
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), vecs[0])
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "wörld", "42"}, Tokenize("Hello, Wörld! 42"))
}

func TestBatcher_SplitsIntoBatches(t *testing.T) {
	m := &mockEmbedder{}
	m.On("Embed", mock.Anything, []string{"a", "b"}).Return([][]float32{{1, 0}, {0, 1}}, nil).Once()
	m.On("Embed", mock.Anything, []string{"c"}).Return([][]float32{{1, 1}}, nil).Once()

	b := NewBatcher(m, testProvider(2), metrics.NewNop(), zap.NewNop())
	vecs, err := b.Embed(context.Background(), []string{"a", "b", "c"})

	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}, {1, 1}}, vecs)
	m.AssertExpectations(t)
}

func TestBatcher_PartialFailureFailsWholeCall(t *testing.T) {
	m := &mockEmbedder{}
	m.On("Embed", mock.Anything, []string{"a", "b"}).Return([][]float32{{1, 0}, {0, 1}}, nil).Once()
	m.On("Embed", mock.Anything, []string{"c"}).Return(nil, errors.New("503 from backend")).Once()

	b := NewBatcher(m, testProvider(2), metrics.NewNop(), zap.NewNop())
	vecs, err := b.Embed(context.Background(), []string{"a", "b", "c"})

	require.Error(t, err)
	assert.Nil(t, vecs)
	assert.Equal(t, apperrors.ErrCodeEmbeddingBackend, apperrors.Classify(err))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestBatcher_RejectsShortResponse(t *testing.T) {
	m := &mockEmbedder{}
	m.On("Embed", mock.Anything, []string{"a", "b"}).Return([][]float32{{1, 0}}, nil).Once()

	b := NewBatcher(m, testProvider(8), metrics.NewNop(), zap.NewNop())
	_, err := b.Embed(context.Background(), []string{"a", "b"})

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeEmbeddingBackend, apperrors.Classify(err))
}

func TestBatcher_RejectsWrongDimension(t *testing.T) {
	m := &mockEmbedder{}
	m.On("Embed", mock.Anything, []string{"a"}).Return([][]float32{{1, 0, 0}}, nil).Once()

	b := NewBatcher(m, testProvider(8), metrics.NewNop(), zap.NewNop())
	_, err := b.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(config.EmbeddingConfig{Provider: "word2vec"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfiguration, apperrors.Classify(err))

	_, err = New(config.EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small"})
	require.Error(t, err)
}
