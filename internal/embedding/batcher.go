package embedding

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aihub/docindex/internal/config"
	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/metrics"
)

// Batcher splits inputs into bounded batches, throttles backend calls and
// enforces the one-vector-per-input contract. Any failed batch fails the
// whole call so no chunk is ever silently dropped.
type Batcher struct {
	embedder Embedder
	provider *config.Provider
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewBatcher 创建批量嵌入器
func NewBatcher(embedder Embedder, provider *config.Provider, m *metrics.Metrics, logger *zap.Logger) *Batcher {
	b := &Batcher{
		embedder: embedder,
		provider: provider,
		metrics:  m,
		logger:   logger,
	}
	b.applyLimit(provider.Pipeline())
	provider.OnChange(func(_, next config.PipelineConfig) {
		b.applyLimit(next)
	})
	return b
}

func (b *Batcher) applyLimit(cfg config.PipelineConfig) {
	limit := rate.Inf
	if cfg.EmbedRatePerSecond > 0 {
		limit = rate.Limit(cfg.EmbedRatePerSecond)
	}
	burst := cfg.EmbedBurst
	if burst <= 0 {
		burst = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limiter == nil {
		b.limiter = rate.NewLimiter(limit, burst)
		return
	}
	b.limiter.SetLimit(limit)
	b.limiter.SetBurst(burst)
}

// Dimensions 向量维度
func (b *Batcher) Dimensions() int {
	return b.embedder.Dimensions()
}

// ModelVersion 模型版本
func (b *Batcher) ModelVersion() string {
	return b.embedder.ModelVersion()
}

// Embed returns one vector per text, in input order.
func (b *Batcher) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	size := b.provider.Pipeline().EmbedBatchSize
	if size <= 0 {
		size = len(texts)
	}

	b.mu.Lock()
	limiter := b.limiter
	b.mu.Unlock()

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		if err := limiter.Wait(ctx); err != nil {
			return nil, apperrors.NewEmbeddingBackendError("rate limiter wait", err)
		}

		vectors, err := b.embedder.Embed(ctx, batch)
		if err == nil {
			err = CheckVectors(len(batch), vectors, b.embedder.Dimensions())
		}
		if err != nil {
			b.metrics.EmbeddingBatches.WithLabelValues("error").Inc()
			b.logger.Warn("embedding batch failed",
				zap.Int("batch_start", start),
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
			var appErr *apperrors.AppError
			if apperrors.As(err, &appErr) {
				return nil, err
			}
			return nil, apperrors.NewEmbeddingBackendError("embedding batch failed", err)
		}
		b.metrics.EmbeddingBatches.WithLabelValues("ok").Inc()
		out = append(out, vectors...)
	}
	return out, nil
}
