package chunking

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/aihub/docindex/internal/config"
	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/models"
)

var chunkNamespace = uuid.MustParse("0b7e9a52-3d4c-4a1e-8f5b-2c9d6e1a7f30")

// Options 分块参数，长度单位为 rune
type Options struct {
	Size    int
	Overlap int
	// MinSize is the length below which a text is never split, even when it
	// exceeds Size.
	MinSize int
}

// OptionsFrom 从管道配置读取分块参数
func OptionsFrom(cfg config.PipelineConfig) Options {
	return Options{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap, MinSize: cfg.MinChunkSize}
}

// Validate 检查分块参数
func (o Options) Validate() error {
	if o.Size <= 0 {
		return apperrors.NewConfigurationError("chunk size must be positive, got %d", o.Size)
	}
	if o.Overlap < 0 || o.Overlap >= o.Size {
		return apperrors.NewConfigurationError("chunk overlap %d must be in [0, %d)", o.Overlap, o.Size)
	}
	if o.MinSize < 0 {
		return apperrors.NewConfigurationError("min chunk size must not be negative, got %d", o.MinSize)
	}
	return nil
}

// Span is a half-open rune range [Start, End).
type Span struct {
	Start int
	End   int
}

// Spans covers [0, length) with windows of o.Size advancing by Size-Overlap.
// Adjacent spans overlap by exactly o.Overlap and the last span ends at length.
func Spans(length int, o Options) ([]Span, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, nil
	}
	if length <= o.Size || length < o.MinSize {
		return []Span{{Start: 0, End: length}}, nil
	}

	step := o.Size - o.Overlap
	spans := make([]Span, 0, (length-o.Overlap+step-1)/step)
	for start := 0; ; start += step {
		end := start + o.Size
		if end >= length {
			spans = append(spans, Span{Start: start, End: length})
			break
		}
		spans = append(spans, Span{Start: start, End: end})
	}
	return spans, nil
}

// ChunkID is derived from document, revision and start offset only, so the
// same revision always yields the same identifiers.
func ChunkID(documentID string, revision int64, start int) string {
	key := documentID + "|" + strconv.FormatInt(revision, 10) + "|" + strconv.Itoa(start)
	return uuid.NewSHA1(chunkNamespace, []byte(key)).String()
}

// Split 将规范化文本切分为块。空白文本返回零个块。
func Split(documentID string, revision int64, text string, structure models.Structure, o Options) ([]models.Chunk, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	runes := []rune(text)
	spans, err := Spans(len(runes), o)
	if err != nil {
		return nil, err
	}

	chunks := make([]models.Chunk, 0, len(spans))
	for i, span := range spans {
		chunks = append(chunks, models.Chunk{
			ID:         ChunkID(documentID, revision, span.Start),
			DocumentID: documentID,
			Revision:   revision,
			Ordinal:    i,
			Start:      span.Start,
			End:        span.End,
			Text:       string(runes[span.Start:span.End]),
			Section:    structure.SectionAt(span.Start),
			Page:       structure.PageAt(span.Start),
		})
	}
	return chunks, nil
}
