// Package store declares one capability interface per storage technology.
// Implementations live in sub-packages and are chosen at startup from
// configuration.
package store

import (
	"context"
	"io"
	"math"
	"strconv"

	"github.com/aihub/docindex/internal/models"
)

// AllRevisions passed as beforeRevision removes every revision.
const AllRevisions int64 = math.MaxInt64

// DocumentStore holds documents, their pipeline progress and the chunk and
// embedding artifacts of each revision.
type DocumentStore interface {
	// SubmitRevision creates doc or replaces its content, bumps its revision
	// and resets it to pending. It returns the new revision.
	SubmitRevision(ctx context.Context, doc *models.Document) (int64, error)
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	// UpdateStatus changes the status only while the stored revision equals
	// revision. A newer stored revision yields a CONSISTENCY_CONFLICT error.
	UpdateStatus(ctx context.Context, id string, revision int64, status models.DocumentStatus, reason string) error
	// SaveExtraction stores the normalized text of revision, with the same
	// revision guard as UpdateStatus.
	SaveExtraction(ctx context.Context, id string, revision int64, text string, structure models.Structure) error
	ListByStatus(ctx context.Context, statuses []models.DocumentStatus, limit int) ([]models.Document, error)

	// GetJobState returns nil without error when the revision has no state.
	GetJobState(ctx context.Context, documentID string, revision int64) (*models.JobState, error)
	PutJobState(ctx context.Context, state *models.JobState) error

	PutChunks(ctx context.Context, chunks []models.Chunk) error
	GetChunks(ctx context.Context, documentID string, revision int64) ([]models.Chunk, error)
	// DeleteChunks removes chunks and their embeddings for revisions below beforeRevision.
	DeleteChunks(ctx context.Context, documentID string, beforeRevision int64) error
	PutEmbeddings(ctx context.Context, embeddings []models.Embedding) error
	GetEmbeddings(ctx context.Context, chunkIDs []string, modelVersion string) (map[string][]float32, error)

	PutDeadLetter(ctx context.Context, dl *models.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error)

	Close() error
}

// GraphStore holds document, chunk and entity nodes and their relations.
type GraphStore interface {
	UpsertRecords(ctx context.Context, records []models.IndexRecord) error
	EntitiesForChunks(ctx context.Context, chunkIDs []string) (map[string][]models.Entity, error)
	// Traverse follows relation edges outward from start up to depth hops.
	// An empty relation follows every edge type.
	Traverse(ctx context.Context, start, relation string, depth int) ([]models.GraphNode, error)
	QueryChunks(ctx context.Context, filter Filter) ([]string, error)
	DeleteDocument(ctx context.Context, documentID string, beforeRevision int64) error
	Close() error
}

// VectorHit is one ranked vector search result.
type VectorHit struct {
	ChunkID    string            `json:"chunk_id"`
	DocumentID string            `json:"document_id"`
	Revision   int64             `json:"revision"`
	Score      float32           `json:"score"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// VectorStore indexes chunk vectors with filterable metadata.
type VectorStore interface {
	Upsert(ctx context.Context, records []models.IndexRecord) error
	// Query returns at most k hits ordered by descending similarity.
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]VectorHit, error)
	Delete(ctx context.Context, chunkIDs []string) error
	DeleteDocument(ctx context.Context, documentID string, beforeRevision int64) error
	Close() error
}

// BlobStore holds raw document content addressed by object key.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Filter restricts search results. Zero fields match everything.
type Filter struct {
	DocumentIDs []string          `json:"document_ids,omitempty"`
	Source      string            `json:"source,omitempty"`
	Section     string            `json:"section,omitempty"`
	Page        int               `json:"page,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Equalities flattens the filter into metadata key/value pairs, excluding
// the document ID list.
func (f Filter) Equalities() map[string]string {
	eq := make(map[string]string, len(f.Metadata)+3)
	for k, v := range f.Metadata {
		eq[k] = v
	}
	if f.Source != "" {
		eq[models.MetaSource] = f.Source
	}
	if f.Section != "" {
		eq[models.MetaSection] = f.Section
	}
	if f.Page > 0 {
		eq[models.MetaPage] = strconv.Itoa(f.Page)
	}
	return eq
}

// Matches reports whether a record of documentID with meta passes f.
func (f Filter) Matches(documentID string, meta map[string]string) bool {
	if len(f.DocumentIDs) > 0 {
		found := false
		for _, id := range f.DocumentIDs {
			if id == documentID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, v := range f.Equalities() {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// Cosine returns the cosine similarity of a and b, 0 when either is zero
// or their lengths differ.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
