package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/models"
)

func TestSpans_Coverage(t *testing.T) {
	cases := []struct{ length, size, overlap int }{
		{1, 10, 0}, {10, 10, 3}, {11, 10, 3}, {100, 10, 3}, {101, 10, 9},
		{257, 32, 8}, {1000, 800, 200}, {999, 7, 0}, {64, 8, 7},
	}
	for _, tc := range cases {
		spans, err := Spans(tc.length, Options{Size: tc.size, Overlap: tc.overlap})
		require.NoError(t, err)
		require.NotEmpty(t, spans)

		assert.Equal(t, 0, spans[0].Start, "L=%d C=%d O=%d", tc.length, tc.size, tc.overlap)
		assert.Equal(t, tc.length, spans[len(spans)-1].End)
		for i, s := range spans {
			assert.LessOrEqual(t, s.End-s.Start, tc.size)
			assert.Greater(t, s.End, s.Start)
			if i > 0 {
				prev := spans[i-1]
				assert.Equal(t, tc.overlap, prev.End-s.Start, "adjacent overlap at %d", i)
			}
		}
	}
}

func TestSpans_InvalidConfig(t *testing.T) {
	for _, o := range []Options{{Size: 0}, {Size: 10, Overlap: 10}, {Size: 10, Overlap: -1}, {Size: 10, MinSize: -1}} {
		_, err := Spans(100, o)
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeConfiguration, apperrors.Classify(err))
	}
}

func TestSpans_MinSizeKeepsShortTextWhole(t *testing.T) {
	spans, err := Spans(30, Options{Size: 10, Overlap: 2, MinSize: 50})
	require.NoError(t, err)
	assert.Equal(t, []Span{{0, 30}}, spans)
}

func TestSplit_EmptyYieldsNoChunks(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t \n"} {
		chunks, err := Split("doc-1", 1, text, models.Structure{}, Options{Size: 10, Overlap: 2})
		require.NoError(t, err)
		assert.Empty(t, chunks)
	}
}

func TestSplit_SingleChunkScenario(t *testing.T) {
	chunks, err := Split("doc-1", 1, "A. B. C.", models.Structure{}, Options{Size: 800, Overlap: 200})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "A. B. C.", chunks[0].Text)
	assert.Equal(t, ChunkID("doc-1", 1, 0), chunks[0].ID)
}

func TestSplit_DeterministicIDsAndMetadata(t *testing.T) {
	text := strings.Repeat("héllo wörld ", 20)
	structure := models.Structure{
		Sections:   []models.Section{{Title: "Intro", Start: 0}, {Title: "Body", Start: 100}},
		PageStarts: []int{0, 120},
	}
	opts := Options{Size: 50, Overlap: 10}

	first, err := Split("doc-9", 3, text, structure, opts)
	require.NoError(t, err)
	second, err := Split("doc-9", 3, text, structure, opts)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	rebuilt := ""
	for i, c := range first {
		assert.Equal(t, i, c.Ordinal)
		if i == 0 {
			rebuilt = c.Text
		} else {
			rebuilt += string([]rune(c.Text)[opts.Overlap:])
		}
	}
	assert.Equal(t, text, rebuilt)

	assert.Equal(t, "Intro", first[0].Section)
	assert.Equal(t, 1, first[0].Page)
	last := first[len(first)-1]
	assert.Equal(t, "Body", last.Section)
	assert.Equal(t, 2, last.Page)

	other, err := Split("doc-9", 4, text, structure, opts)
	require.NoError(t, err)
	assert.NotEqual(t, first[0].ID, other[0].ID)
}
