package embedding

import (
	"context"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aihub/docindex/internal/config"
	apperrors "github.com/aihub/docindex/internal/errors"
)

var embeddingDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

// OpenAIEmbedder 使用OpenAI兼容的Embedding API
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder 创建OpenAI嵌入向量生成器
func NewOpenAIEmbedder(cfg config.EmbeddingConfig) (*OpenAIEmbedder, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, apperrors.NewConfigurationError("openai embedding provider requires an api key")
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	dims := cfg.Dimensions
	if dims <= 0 {
		if d, ok := embeddingDimensions[model]; ok {
			dims = d
		} else {
			dims = 1536
		}
	}

	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      model,
		dimensions: dims,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	}
	// only the v3 models accept a reduced dimension
	if strings.HasPrefix(e.model, "text-embedding-3") {
		req.Dimensions = e.dimensions
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, apperrors.NewEmbeddingBackendError("openai embeddings request failed", err)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, apperrors.NewEmbeddingBackendError("openai returned an out of range index", nil)
		}
		v := make([]float32, len(d.Embedding))
		copy(v, d.Embedding)
		vectors[d.Index] = v
	}
	if err := CheckVectors(len(texts), vectors, e.dimensions); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *OpenAIEmbedder) ModelVersion() string {
	return e.model
}
