package embedding

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// HashingEmbedder counts tokens into a fixed number of buckets (the hashing
// trick) and L2-normalizes the result. Components are never negative, so two
// texts sharing a token always score above zero. It needs no backend and is fully
// deterministic, which makes it the default for local runs and tests.
type HashingEmbedder struct {
	version    string
	dimensions int
}

// NewHashingEmbedder 创建哈希嵌入器
func NewHashingEmbedder(version string, dimensions int) *HashingEmbedder {
	if dimensions <= 0 {
		dimensions = 256
	}
	if version == "" {
		version = "hashing-v1"
	}
	return &HashingEmbedder{version: version, dimensions: dimensions}
}

func (h *HashingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = h.vector(text)
	}
	return vectors, nil
}

func (h *HashingEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dimensions)
	for _, tok := range Tokenize(text) {
		v[xxhash.Sum64String(tok)%uint64(h.dimensions)]++
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}

func (h *HashingEmbedder) Dimensions() int {
	return h.dimensions
}

func (h *HashingEmbedder) ModelVersion() string {
	return h.version
}

// Tokenize lowercases text and splits it on anything that is not a letter
// or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
