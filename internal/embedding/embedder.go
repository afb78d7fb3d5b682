package embedding

import (
	"context"
	"fmt"

	"github.com/aihub/docindex/internal/config"
	apperrors "github.com/aihub/docindex/internal/errors"
)

// Embedder 定义文本向量化接口，按输入顺序返回向量
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// ModelVersion tags every vector produced by this embedder.
	ModelVersion() string
}

// New 根据配置创建嵌入后端
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "hashing":
		return NewHashingEmbedder(cfg.Model, cfg.Dimensions), nil
	default:
		return nil, apperrors.NewConfigurationError("unknown embedding provider %q", cfg.Provider)
	}
}

// CheckVectors verifies one vector per input, each of the expected dimension.
func CheckVectors(inputs int, vectors [][]float32, dims int) error {
	if len(vectors) != inputs {
		return apperrors.NewEmbeddingBackendError(
			fmt.Sprintf("backend returned %d vectors for %d inputs", len(vectors), inputs), nil)
	}
	for i, v := range vectors {
		if len(v) != dims {
			return apperrors.NewEmbeddingBackendError(
				fmt.Sprintf("vector %d has dimension %d, want %d", i, len(v), dims), nil)
		}
	}
	return nil
}
