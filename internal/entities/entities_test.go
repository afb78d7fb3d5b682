package entities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihub/docindex/internal/models"
)

func names(es []models.Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Type + ":" + e.Name
	}
	return out
}

func TestExtract(t *testing.T) {
	d := NewDeriver(0)
	got := d.Extract("The Acme Corp office in New York answers at Sales@Acme.example. " +
		"See https://acme.example/docs, or ask Acme Corp directly.")

	assert.Equal(t, []string{
		"email:sales@acme.example",
		"name:Acme Corp",
		"name:New York",
		"url:https://acme.example/docs",
	}, names(got))
}

func TestExtractIsDeterministicAndCapped(t *testing.T) {
	d := NewDeriver(1)
	text := "Berlin Wall and Brandenburg Gate"
	first := d.Extract(text)
	require.Len(t, first, 1)
	assert.Equal(t, first, d.Extract(text))
}

func TestExtractSkipsSentenceStarts(t *testing.T) {
	d := NewDeriver(0)
	assert.Empty(t, d.Extract("The Report is short. In Summary nothing."))
}

func TestAnnotate(t *testing.T) {
	d := NewDeriver(0)
	records := []models.IndexRecord{
		{ChunkID: "c2", Ordinal: 1, Text: "nothing here", Metadata: map[string]string{}},
		{ChunkID: "c1", Ordinal: 0, Text: "Ada Lovelace wrote notes", Metadata: map[string]string{models.MetaSection: "History"}},
	}
	d.Annotate(records)

	first := records[1]
	assert.Equal(t, []string{"name:Ada Lovelace", "section:History"}, names(first.Entities))
	assert.Contains(t, first.Relations, models.Relation{From: "c1", To: "c2", Type: models.RelNext})
	assert.Contains(t, first.Relations, models.Relation{From: "c1", To: models.EntityID(TypeSection, "History"), Type: models.RelInSection})

	last := records[0]
	assert.Empty(t, last.Entities)
	assert.Empty(t, last.Relations)

	assert.Len(t, Collect(records), 2)
}
