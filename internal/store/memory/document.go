// Package memory implements every store capability in process memory. It
// backs the memory providers and the pipeline tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/store"
)

// FaultFunc is consulted before every operation; a non-nil result is
// returned instead of performing it.
type FaultFunc func(op string) error

type faults struct {
	mu sync.RWMutex
	fn FaultFunc
}

func (f *faults) SetFault(fn FaultFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
}

func (f *faults) check(op string) error {
	f.mu.RLock()
	fn := f.fn
	f.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(op)
}

type jobKey struct {
	doc string
	rev int64
}

type embeddingKey struct {
	chunk string
	model string
}

// DocumentStore 内存文档存储
type DocumentStore struct {
	faults
	mu          sync.RWMutex
	now         func() time.Time
	documents   map[string]models.Document
	jobs        map[jobKey]models.JobState
	chunks      map[string]models.Chunk
	embeddings  map[embeddingKey]models.Embedding
	deadLetters map[jobKey]models.DeadLetter
}

var _ store.DocumentStore = (*DocumentStore)(nil)

// NewDocumentStore 创建内存文档存储
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		now:         time.Now,
		documents:   make(map[string]models.Document),
		jobs:        make(map[jobKey]models.JobState),
		chunks:      make(map[string]models.Chunk),
		embeddings:  make(map[embeddingKey]models.Embedding),
		deadLetters: make(map[jobKey]models.DeadLetter),
	}
}

func (s *DocumentStore) SubmitRevision(_ context.Context, doc *models.Document) (int64, error) {
	if err := s.check("SubmitRevision"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	next := *doc
	next.Revision = 1
	next.CreateTime = now
	if cur, ok := s.documents[doc.ID]; ok {
		next.Revision = cur.Revision + 1
		next.CreateTime = cur.CreateTime
	}
	next.Status = models.DocumentStatusPending
	next.Reason = ""
	next.NormalizedText = ""
	next.Structure = models.Structure{}
	next.IndexedAt = nil
	next.UpdateTime = now
	s.documents[doc.ID] = next
	return next.Revision, nil
}

func (s *DocumentStore) GetDocument(_ context.Context, id string) (*models.Document, error) {
	if err := s.check("GetDocument"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("document " + id)
	}
	return &doc, nil
}

// guard returns the stored document if it is still at revision.
func (s *DocumentStore) guard(id string, revision int64) (models.Document, error) {
	doc, ok := s.documents[id]
	if !ok {
		return doc, apperrors.NewNotFoundError("document " + id)
	}
	if doc.Revision > revision || doc.Status == models.DocumentStatusDeleted {
		return doc, apperrors.NewConsistencyConflict(id, revision, doc.Revision)
	}
	if doc.Revision < revision {
		return doc, apperrors.NewTransientStoreError("document store",
			apperrors.NewConsistencyConflict(id, revision, doc.Revision))
	}
	return doc, nil
}

func (s *DocumentStore) UpdateStatus(_ context.Context, id string, revision int64, status models.DocumentStatus, reason string) error {
	if err := s.check("UpdateStatus"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc models.Document
	if status == models.DocumentStatusDeleted {
		// a delete applies to its revision and every older one
		cur, ok := s.documents[id]
		if !ok {
			return apperrors.NewNotFoundError("document " + id)
		}
		if cur.Revision > revision {
			return apperrors.NewConsistencyConflict(id, revision, cur.Revision)
		}
		doc = cur
	} else {
		cur, err := s.guard(id, revision)
		if err != nil {
			return err
		}
		doc = cur
	}
	if !models.CanTransition(doc.Status, status) {
		return apperrors.NewInternalError("invalid status transition "+string(doc.Status)+" -> "+string(status), nil)
	}
	now := s.now()
	doc.Status = status
	doc.Reason = reason
	doc.UpdateTime = now
	if status == models.DocumentStatusIndexed {
		doc.IndexedAt = &now
	}
	s.documents[id] = doc
	return nil
}

func (s *DocumentStore) SaveExtraction(_ context.Context, id string, revision int64, text string, structure models.Structure) error {
	if err := s.check("SaveExtraction"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.guard(id, revision)
	if err != nil {
		return err
	}
	doc.NormalizedText = text
	doc.Structure = structure
	doc.UpdateTime = s.now()
	s.documents[id] = doc
	return nil
}

func (s *DocumentStore) ListByStatus(_ context.Context, statuses []models.DocumentStatus, limit int) ([]models.Document, error) {
	if err := s.check("ListByStatus"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[models.DocumentStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []models.Document
	for _, doc := range s.documents {
		if len(want) == 0 || want[doc.Status] {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *DocumentStore) GetJobState(_ context.Context, documentID string, revision int64) (*models.JobState, error) {
	if err := s.check("GetJobState"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	js, ok := s.jobs[jobKey{documentID, revision}]
	if !ok {
		return nil, nil
	}
	return &js, nil
}

func (s *DocumentStore) PutJobState(_ context.Context, state *models.JobState) error {
	if err := s.check("PutJobState"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	js := *state
	js.UpdateTime = s.now()
	s.jobs[jobKey{js.DocumentID, js.Revision}] = js
	return nil
}

func (s *DocumentStore) PutChunks(_ context.Context, chunks []models.Chunk) error {
	if err := s.check("PutChunks"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, c := range chunks {
		if existing, ok := s.chunks[c.ID]; ok {
			c.CreateTime = existing.CreateTime
		} else {
			c.CreateTime = now
		}
		s.chunks[c.ID] = c
	}
	return nil
}

func (s *DocumentStore) GetChunks(_ context.Context, documentID string, revision int64) ([]models.Chunk, error) {
	if err := s.check("GetChunks"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Chunk
	for _, c := range s.chunks {
		if c.DocumentID == documentID && c.Revision == revision {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (s *DocumentStore) DeleteChunks(_ context.Context, documentID string, beforeRevision int64) error {
	if err := s.check("DeleteChunks"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.DocumentID != documentID || c.Revision >= beforeRevision {
			continue
		}
		delete(s.chunks, id)
		for k := range s.embeddings {
			if k.chunk == id {
				delete(s.embeddings, k)
			}
		}
	}
	return nil
}

func (s *DocumentStore) PutEmbeddings(_ context.Context, embeddings []models.Embedding) error {
	if err := s.check("PutEmbeddings"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, e := range embeddings {
		e.Vector = append([]float32(nil), e.Vector...)
		e.CreateTime = now
		s.embeddings[embeddingKey{e.ChunkID, e.ModelVersion}] = e
	}
	return nil
}

func (s *DocumentStore) GetEmbeddings(_ context.Context, chunkIDs []string, modelVersion string) (map[string][]float32, error) {
	if err := s.check("GetEmbeddings"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]float32, len(chunkIDs))
	for _, id := range chunkIDs {
		if e, ok := s.embeddings[embeddingKey{id, modelVersion}]; ok {
			out[id] = append([]float32(nil), e.Vector...)
		}
	}
	return out, nil
}

func (s *DocumentStore) PutDeadLetter(_ context.Context, dl *models.DeadLetter) error {
	if err := s.check("PutDeadLetter"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := *dl
	if existing, ok := s.deadLetters[jobKey{d.DocumentID, d.Revision}]; ok {
		d.CreateTime = existing.CreateTime
	} else {
		d.CreateTime = s.now()
	}
	s.deadLetters[jobKey{d.DocumentID, d.Revision}] = d
	return nil
}

func (s *DocumentStore) ListDeadLetters(_ context.Context, limit int) ([]models.DeadLetter, error) {
	if err := s.check("ListDeadLetters"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DeadLetter, 0, len(s.deadLetters))
	for _, d := range s.deadLetters {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].CreateTime.After(out[j].CreateTime)
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ChunkCount returns the number of stored chunks of documentID.
func (s *DocumentStore) ChunkCount(documentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.chunks {
		if c.DocumentID == documentID {
			n++
		}
	}
	return n
}

func (s *DocumentStore) Close() error { return nil }
