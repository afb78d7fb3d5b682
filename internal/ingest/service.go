// Package ingest accepts documents from producers, records a new revision
// and announces it on the record channel.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/eventbus"
	"github.com/aihub/docindex/internal/extraction"
	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/store"
)

// SubmitRequest 文档提交请求
type SubmitRequest struct {
	ID        string            `json:"id"`
	SourceRef string            `json:"source_ref"`
	Format    string            `json:"format"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Service 文档接入服务
type Service struct {
	docs          store.DocumentStore
	blobs         store.BlobStore
	publisher     eventbus.Publisher
	recordChannel string
	logger        *zap.Logger
}

// NewService 创建文档接入服务。blobs 为 nil 时内容直接存入文档存储
func NewService(docs store.DocumentStore, blobs store.BlobStore, publisher eventbus.Publisher, recordChannel string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		docs:          docs,
		blobs:         blobs,
		publisher:     publisher,
		recordChannel: recordChannel,
		logger:        logger,
	}
}

// Submit stores req as the next revision of its document and publishes the
// matching record event. A missing ID is generated.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Document, error) {
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if strings.ContainsAny(req.ID, "/\\ ") {
		return nil, apperrors.NewBadRequestError("document id %q contains separators or spaces", req.ID)
	}
	if req.Format != "" && extraction.ResolveFormat(req.Format) == "" {
		return nil, apperrors.NewBadRequestError("invalid format %q", req.Format)
	}

	doc := &models.Document{
		ID:        req.ID,
		SourceRef: req.SourceRef,
		Format:    req.Format,
		Title:     req.Title,
		Metadata:  req.Metadata,
	}
	if s.blobs != nil {
		key := contentKey(req.ID, req.Format, req.Content)
		if err := s.blobs.Put(ctx, key, bytes.NewReader([]byte(req.Content)), int64(len(req.Content)), contentType(req.Format)); err != nil {
			return nil, err
		}
		doc.ContentRef = key
	} else {
		doc.Content = req.Content
	}

	rev, err := s.docs.SubmitRevision(ctx, doc)
	if err != nil {
		return nil, err
	}
	typ := models.EventRecordUpdated
	if rev == 1 {
		typ = models.EventRecordCreated
	}
	if err := eventbus.PublishEvent(ctx, s.publisher, s.recordChannel, models.NewEvent(typ, req.ID, rev)); err != nil {
		// the revision stays pending; startup recovery re-announces it
		s.logger.Warn("record event not published", zap.String("document_id", req.ID), zap.Int64("revision", rev), zap.Error(err))
		return nil, err
	}

	s.logger.Info("document submitted",
		zap.String("document_id", req.ID),
		zap.Int64("revision", rev),
		zap.String("format", req.Format),
		zap.Int("bytes", len(req.Content)))
	return s.docs.GetDocument(ctx, req.ID)
}

// Reindex submits the current content of id again as a new revision, which
// starts with a fresh retry budget.
func (s *Service) Reindex(ctx context.Context, id string) (*models.Document, error) {
	cur, err := s.docs.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == models.DocumentStatusDeleted {
		return nil, apperrors.NewNotFoundError("document " + id)
	}

	next := &models.Document{
		ID:         cur.ID,
		SourceRef:  cur.SourceRef,
		ContentRef: cur.ContentRef,
		Content:    cur.Content,
		Format:     cur.Format,
		Title:      cur.Title,
		Metadata:   cur.Metadata,
	}
	rev, err := s.docs.SubmitRevision(ctx, next)
	if err != nil {
		return nil, err
	}
	if err := eventbus.PublishEvent(ctx, s.publisher, s.recordChannel, models.NewEvent(models.EventRecordUpdated, id, rev)); err != nil {
		return nil, err
	}
	s.logger.Info("document reindex requested", zap.String("document_id", id), zap.Int64("revision", rev))
	return s.docs.GetDocument(ctx, id)
}

// Delete announces the removal of id at its current revision. The indexer
// purges every store.
func (s *Service) Delete(ctx context.Context, id string) error {
	cur, err := s.docs.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status == models.DocumentStatusDeleted {
		return nil
	}
	if err := eventbus.PublishEvent(ctx, s.publisher, s.recordChannel, models.NewEvent(models.EventRecordDeleted, id, cur.Revision)); err != nil {
		return err
	}
	s.logger.Info("document delete requested", zap.String("document_id", id), zap.Int64("revision", cur.Revision))
	return nil
}

// contentKey addresses raw content by document and digest, so resubmitting
// identical bytes rewrites the same object.
func contentKey(id, format, content string) string {
	sum := sha256.Sum256([]byte(content))
	name := hex.EncodeToString(sum[:16])
	if f := extraction.ResolveFormat(format); f != "" {
		name += "." + f
	}
	return path.Join("documents", id, name)
}

func contentType(format string) string {
	if f := extraction.ResolveFormat(format); f != "" {
		if ct := mime.TypeByExtension("." + f); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}
