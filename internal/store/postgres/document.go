// Package postgres implements the document and graph stores on PostgreSQL
// through gorm.
package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/store"
)

const storeName = "postgres"

// Tables lists the models managed by this package, in creation order.
func Tables() []interface{} {
	return []interface{}{
		&models.Document{},
		&models.JobState{},
		&models.Chunk{},
		&models.Embedding{},
		&models.DeadLetter{},
		&models.GraphNode{},
		&models.GraphEdge{},
	}
}

// DocumentStore PostgreSQL文档存储
type DocumentStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ store.DocumentStore = (*DocumentStore)(nil)

// NewDocumentStore 创建文档存储
func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db, now: time.Now}
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.NewTransientStoreError(storeName, err)
}

func (s *DocumentStore) SubmitRevision(ctx context.Context, doc *models.Document) (int64, error) {
	var revision int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ?", doc.ID).
			Take(&cur).Error

		now := s.now()
		next := *doc
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			next.Revision = 1
			next.CreateTime = now
		case err != nil:
			return err
		default:
			next.Revision = cur.Revision + 1
			next.CreateTime = cur.CreateTime
		}
		next.Status = models.DocumentStatusPending
		next.Reason = ""
		next.NormalizedText = ""
		next.Structure = models.Structure{}
		next.IndexedAt = nil
		next.UpdateTime = now

		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		revision = next.Revision
		return nil
	})
	if err != nil {
		return 0, wrap(err)
	}
	return revision, nil
}

func (s *DocumentStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).Where("document_id = ?", id).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFoundError("document " + id)
	}
	if err != nil {
		return nil, wrap(err)
	}
	return &doc, nil
}

// conflict explains why a revision-guarded write matched no row.
func (s *DocumentStore) conflict(ctx context.Context, id string, revision int64) error {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc.Revision < revision {
		return apperrors.NewTransientStoreError(storeName, apperrors.NewConsistencyConflict(id, revision, doc.Revision))
	}
	return apperrors.NewConsistencyConflict(id, revision, doc.Revision)
}

func (s *DocumentStore) UpdateStatus(ctx context.Context, id string, revision int64, status models.DocumentStatus, reason string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("document_id", "status", "revision").
			Where("document_id = ?", id).
			Take(&cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NewNotFoundError("document " + id)
		}
		if err != nil {
			return err
		}

		if status == models.DocumentStatusDeleted {
			// a delete applies to its revision and every older one
			if cur.Revision > revision {
				return apperrors.NewConsistencyConflict(id, revision, cur.Revision)
			}
		} else {
			switch {
			case cur.Revision > revision || cur.Status == models.DocumentStatusDeleted:
				return apperrors.NewConsistencyConflict(id, revision, cur.Revision)
			case cur.Revision < revision:
				return apperrors.NewTransientStoreError(storeName, apperrors.NewConsistencyConflict(id, revision, cur.Revision))
			}
		}
		if !models.CanTransition(cur.Status, status) {
			return apperrors.NewInternalError("invalid status transition "+string(cur.Status)+" -> "+string(status), nil)
		}

		now := s.now()
		updates := map[string]interface{}{
			"status":      status,
			"reason":      reason,
			"update_time": now,
		}
		if status == models.DocumentStatusIndexed {
			updates["indexed_at"] = now
		}
		return tx.Model(&models.Document{}).Where("document_id = ?", id).Updates(updates).Error
	})
	return wrap(err)
}

func (s *DocumentStore) SaveExtraction(ctx context.Context, id string, revision int64, text string, structure models.Structure) error {
	res := s.db.WithContext(ctx).Model(&models.Document{}).
		Where("document_id = ? AND revision = ? AND status <> ?", id, revision, models.DocumentStatusDeleted).
		Select("normalized_text", "structure", "update_time").
		Updates(&models.Document{NormalizedText: text, Structure: structure, UpdateTime: s.now()})
	if res.Error != nil {
		return wrap(res.Error)
	}
	if res.RowsAffected == 0 {
		return s.conflict(ctx, id, revision)
	}
	return nil
}

func (s *DocumentStore) ListByStatus(ctx context.Context, statuses []models.DocumentStatus, limit int) ([]models.Document, error) {
	q := s.db.WithContext(ctx).Model(&models.Document{}).Order("document_id")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var docs []models.Document
	if err := q.Find(&docs).Error; err != nil {
		return nil, wrap(err)
	}
	return docs, nil
}

func (s *DocumentStore) GetJobState(ctx context.Context, documentID string, revision int64) (*models.JobState, error) {
	var js models.JobState
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND revision = ?", documentID, revision).
		Take(&js).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err)
	}
	return &js, nil
}

func (s *DocumentStore) PutJobState(ctx context.Context, state *models.JobState) error {
	js := *state
	js.UpdateTime = s.now()
	return wrap(s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&js).Error)
}

func (s *DocumentStore) PutChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	now := s.now()
	rows := make([]models.Chunk, len(chunks))
	for i, c := range chunks {
		c.CreateTime = now
		rows[i] = c
	}
	// chunk IDs are deterministic, so a replay rewrites identical rows
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chunk_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"ordinal", "start_offset", "end_offset", "text", "section", "page"}),
		}).
		CreateInBatches(rows, 200).Error
	return wrap(err)
}

func (s *DocumentStore) GetChunks(ctx context.Context, documentID string, revision int64) ([]models.Chunk, error) {
	var chunks []models.Chunk
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND revision = ?", documentID, revision).
		Order("ordinal").
		Find(&chunks).Error
	if err != nil {
		return nil, wrap(err)
	}
	return chunks, nil
}

func (s *DocumentStore) DeleteChunks(ctx context.Context, documentID string, beforeRevision int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := tx.Model(&models.Chunk{}).
			Select("chunk_id").
			Where("document_id = ? AND revision < ?", documentID, beforeRevision)
		if err := tx.Where("chunk_id IN (?)", stale).Delete(&models.Embedding{}).Error; err != nil {
			return err
		}
		return tx.Where("document_id = ? AND revision < ?", documentID, beforeRevision).Delete(&models.Chunk{}).Error
	})
	return wrap(err)
}

func (s *DocumentStore) PutEmbeddings(ctx context.Context, embeddings []models.Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	now := s.now()
	rows := make([]models.Embedding, len(embeddings))
	for i, e := range embeddings {
		e.CreateTime = now
		rows[i] = e
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chunk_id"}, {Name: "model_version"}},
			DoUpdates: clause.AssignmentColumns([]string{"vector"}),
		}).
		CreateInBatches(rows, 200).Error
	return wrap(err)
}

func (s *DocumentStore) GetEmbeddings(ctx context.Context, chunkIDs []string, modelVersion string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}
	var rows []models.Embedding
	err := s.db.WithContext(ctx).
		Where("chunk_id IN ? AND model_version = ?", chunkIDs, modelVersion).
		Find(&rows).Error
	if err != nil {
		return nil, wrap(err)
	}
	for _, r := range rows {
		out[r.ChunkID] = r.Vector
	}
	return out, nil
}

func (s *DocumentStore) PutDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	row := *dl
	row.CreateTime = s.now()
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}, {Name: "revision"}},
			DoUpdates: clause.AssignmentColumns([]string{"error_class", "last_error", "attempts"}),
		}).
		Create(&row).Error
	return wrap(err)
}

func (s *DocumentStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	q := s.db.WithContext(ctx).Order("create_time DESC").Order("document_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.DeadLetter
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrap(err)
	}
	return rows, nil
}

// Close is a no-op; the connection pool belongs to the caller.
func (s *DocumentStore) Close() error { return nil }
