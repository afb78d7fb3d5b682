package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/store"
)

// VectorStore is a brute-force cosine index.
type VectorStore struct {
	faults
	mu      sync.RWMutex
	records map[string]models.IndexRecord
}

var _ store.VectorStore = (*VectorStore)(nil)

// NewVectorStore 创建内存向量存储
func NewVectorStore() *VectorStore {
	return &VectorStore{records: make(map[string]models.IndexRecord)}
}

func (v *VectorStore) Upsert(_ context.Context, records []models.IndexRecord) error {
	if err := v.check("Upsert"); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range records {
		r.Vector = append([]float32(nil), r.Vector...)
		v.records[r.ChunkID] = r
	}
	return nil
}

func (v *VectorStore) Query(_ context.Context, vector []float32, k int, filter store.Filter) ([]store.VectorHit, error) {
	if err := v.check("Query"); err != nil {
		return nil, err
	}
	v.mu.RLock()
	hits := make([]store.VectorHit, 0, len(v.records))
	for _, r := range v.records {
		if !filter.Matches(r.DocumentID, r.Metadata) {
			continue
		}
		hits = append(hits, store.VectorHit{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Revision:   r.Revision,
			Score:      store.Cosine(vector, r.Vector),
			Text:       r.Text,
			Metadata:   r.Metadata,
		})
	}
	v.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (v *VectorStore) Delete(_ context.Context, chunkIDs []string) error {
	if err := v.check("Delete"); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range chunkIDs {
		delete(v.records, id)
	}
	return nil
}

func (v *VectorStore) DeleteDocument(_ context.Context, documentID string, beforeRevision int64) error {
	if err := v.check("DeleteDocument"); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, r := range v.records {
		if r.DocumentID == documentID && r.Revision < beforeRevision {
			delete(v.records, id)
		}
	}
	return nil
}

// Count returns the number of vectors stored for documentID.
func (v *VectorStore) Count(documentID string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n := 0
	for _, r := range v.records {
		if r.DocumentID == documentID {
			n++
		}
	}
	return n
}

// Revisions returns the distinct revisions stored for documentID.
func (v *VectorStore) Revisions(documentID string) []int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	seen := map[int64]bool{}
	var out []int64
	for _, r := range v.records {
		if r.DocumentID == documentID && !seen[r.Revision] {
			seen[r.Revision] = true
			out = append(out, r.Revision)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (v *VectorStore) Close() error { return nil }
