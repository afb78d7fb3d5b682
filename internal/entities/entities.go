// Package entities derives the graph side of index records: entities
// mentioned in chunk text and the structural relations between chunks.
package entities

import (
	"regexp"
	"sort"
	"strings"

	"github.com/aihub/docindex/internal/models"
)

// Entity types produced by the deriver.
const (
	TypeEmail   = "email"
	TypeURL     = "url"
	TypeName    = "name"
	TypeSection = "section"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	urlPattern   = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
	// two to four capitalized words, e.g. "Acme Corp" or "New York City"
	namePattern = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9&\-]+(?:\s+[A-Z][a-zA-Z0-9&\-]+){1,3}\b`)
)

// leading words that capitalize a sentence rather than a name
var leadingStopWords = map[string]bool{
	"The": true, "A": true, "An": true, "This": true, "That": true, "These": true,
	"Those": true, "In": true, "On": true, "At": true, "For": true, "And": true,
	"But": true, "Or": true, "If": true, "When": true, "We": true, "It": true,
}

// Deriver extracts entities and relations. It is stateless and safe for
// concurrent use.
type Deriver struct {
	maxPerChunk int
}

// NewDeriver 创建实体识别器。maxPerChunk <= 0 不限制数量
func NewDeriver(maxPerChunk int) *Deriver {
	return &Deriver{maxPerChunk: maxPerChunk}
}

// Extract returns the distinct entities mentioned in text, ordered by type
// then name.
func (d *Deriver) Extract(text string) []models.Entity {
	seen := make(map[string]bool)
	var out []models.Entity
	add := func(typ, name string) {
		name = strings.TrimRight(strings.TrimSpace(name), ".,;:")
		if name == "" {
			return
		}
		id := models.EntityID(typ, name)
		if seen[id] {
			return
		}
		seen[id] = true
		out = append(out, models.Entity{ID: id, Name: name, Type: typ})
	}

	for _, m := range emailPattern.FindAllString(text, -1) {
		add(TypeEmail, strings.ToLower(m))
	}
	for _, m := range urlPattern.FindAllString(text, -1) {
		add(TypeURL, m)
	}
	for _, m := range namePattern.FindAllString(text, -1) {
		words := strings.Fields(m)
		for len(words) > 0 && leadingStopWords[words[0]] {
			words = words[1:]
		}
		if len(words) < 2 {
			continue
		}
		add(TypeName, strings.Join(words, " "))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Name < out[j].Name
	})
	if d.maxPerChunk > 0 && len(out) > d.maxPerChunk {
		out = out[:d.maxPerChunk]
	}
	return out
}

// Annotate fills Entities and Relations of records, which must belong to
// one document revision. Consecutive chunks are linked by NEXT, and a chunk
// with a section title is linked to that section's node by IN_SECTION.
func (d *Deriver) Annotate(records []models.IndexRecord) {
	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return records[order[a]].Ordinal < records[order[b]].Ordinal
	})

	for pos, idx := range order {
		r := &records[idx]
		r.Entities = d.Extract(r.Text)
		r.Relations = nil

		if title := r.Metadata[models.MetaSection]; title != "" {
			section := models.Entity{ID: models.EntityID(TypeSection, title), Name: title, Type: TypeSection}
			r.Entities = append(r.Entities, section)
			r.Relations = append(r.Relations, models.Relation{From: r.ChunkID, To: section.ID, Type: models.RelInSection})
		}
		if pos+1 < len(order) {
			next := records[order[pos+1]]
			r.Relations = append(r.Relations, models.Relation{From: r.ChunkID, To: next.ChunkID, Type: models.RelNext})
		}
	}
}

// Collect returns the distinct entities across records, in first-seen order.
func Collect(records []models.IndexRecord) []models.Entity {
	seen := make(map[string]bool)
	var out []models.Entity
	for _, r := range records {
		for _, e := range r.Entities {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	return out
}
