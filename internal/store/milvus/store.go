// Package milvus implements store.VectorStore on a Milvus collection.
package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/store"
)

const (
	fieldChunkID    = "chunk_id"
	fieldDocumentID = "document_id"
	fieldRevision   = "revision"
	fieldOrdinal    = "ordinal"
	fieldText       = "text"
	fieldMetadata   = "metadata"
	fieldVector     = "vector"

	maxTextLength = 65535
)

var outputFields = []string{fieldChunkID, fieldDocumentID, fieldRevision, fieldText, fieldMetadata}

// Options Milvus客户端配置
type Options struct {
	Address    string
	Username   string
	Password   string
	Collection string
	Dimension  int
	Database   string
	UseTLS     bool
}

// Store is a Milvus-backed vector store with one collection for all documents.
type Store struct {
	client     client.Client
	collection string
	dimension  int
	logger     *zap.Logger

	mu    sync.Mutex
	ready bool
}

var _ store.VectorStore = (*Store)(nil)

// New 创建Milvus向量存储
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if opts.Collection == "" {
		opts.Collection = "docindex_chunks"
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Dimension <= 0 {
		return nil, apperrors.NewConfigurationError("milvus dimension must be positive")
	}

	milvusClient, err := client.NewClient(ctx, client.Config{
		Address:       opts.Address,
		DBName:        opts.Database,
		Username:      opts.Username,
		Password:      opts.Password,
		EnableTLSAuth: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized", zap.String("address", opts.Address), zap.String("collection", opts.Collection))
	return &Store{
		client:     milvusClient,
		collection: opts.Collection,
		dimension:  opts.Dimension,
		logger:     logger,
	}, nil
}

func (s *Store) ensureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	has, err := s.client.HasCollection(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		schema := &entity.Schema{
			CollectionName: s.collection,
			Description:    "document chunk vectors",
			Fields: []*entity.Field{
				{Name: fieldChunkID, DataType: entity.FieldTypeVarChar, PrimaryKey: true, TypeParams: map[string]string{"max_length": "64"}},
				{Name: fieldDocumentID, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "255"}},
				{Name: fieldRevision, DataType: entity.FieldTypeInt64},
				{Name: fieldOrdinal, DataType: entity.FieldTypeInt64},
				{Name: fieldText, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": fmt.Sprintf("%d", maxTextLength)}},
				{Name: fieldMetadata, DataType: entity.FieldTypeJSON},
				{Name: fieldVector, DataType: entity.FieldTypeFloatVector, TypeParams: map[string]string{"dim": fmt.Sprintf("%d", s.dimension)}},
			},
		}
		if err := s.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		index, err := entity.NewIndexHNSW(entity.COSINE, 8, 64)
		if err != nil {
			return fmt.Errorf("failed to build index: %w", err)
		}
		if err := s.client.CreateIndex(ctx, s.collection, fieldVector, index, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	if err := s.client.LoadCollection(ctx, s.collection, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	s.ready = true
	return nil
}

func (s *Store) Upsert(ctx context.Context, records []models.IndexRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return apperrors.NewTransientStoreError("milvus", err)
	}

	n := len(records)
	chunkIDs := make([]string, n)
	documentIDs := make([]string, n)
	revisions := make([]int64, n)
	ordinals := make([]int64, n)
	texts := make([]string, n)
	metadata := make([][]byte, n)
	vectors := make([][]float32, n)
	for i, r := range records {
		if len(r.Vector) != s.dimension {
			return apperrors.NewConfigurationError("vector of chunk %s has %d dimensions, collection expects %d", r.ChunkID, len(r.Vector), s.dimension)
		}
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return apperrors.NewInternalError("encode metadata", err)
		}
		chunkIDs[i] = r.ChunkID
		documentIDs[i] = r.DocumentID
		revisions[i] = r.Revision
		ordinals[i] = int64(r.Ordinal)
		texts[i] = truncate(r.Text, maxTextLength)
		metadata[i] = meta
		vectors[i] = r.Vector
	}

	_, err := s.client.Upsert(ctx, s.collection, "",
		entity.NewColumnVarChar(fieldChunkID, chunkIDs),
		entity.NewColumnVarChar(fieldDocumentID, documentIDs),
		entity.NewColumnInt64(fieldRevision, revisions),
		entity.NewColumnInt64(fieldOrdinal, ordinals),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnJSONBytes(fieldMetadata, metadata),
		entity.NewColumnFloatVector(fieldVector, s.dimension, vectors),
	)
	if err != nil {
		return apperrors.NewTransientStoreError("milvus", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, vector []float32, k int, filter store.Filter) ([]store.VectorHit, error) {
	if len(vector) == 0 || k <= 0 {
		return nil, nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, apperrors.NewTransientStoreError("milvus", err)
	}

	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return nil, apperrors.NewInternalError("milvus search params", err)
	}
	results, err := s.client.Search(ctx, s.collection, []string{}, FilterExpr(filter), outputFields,
		[]entity.Vector{entity.FloatVector(vector)}, fieldVector, entity.COSINE, k, sp)
	if err != nil {
		return nil, apperrors.NewTransientStoreError("milvus", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	result := results[0]
	if result.Err != nil {
		return nil, apperrors.NewTransientStoreError("milvus", result.Err)
	}

	var chunkIDs, documentIDs, texts []string
	var revisions []int64
	var metadata [][]byte
	for _, field := range result.Fields {
		switch field.Name() {
		case fieldChunkID:
			if col, ok := field.(*entity.ColumnVarChar); ok {
				chunkIDs = col.Data()
			}
		case fieldDocumentID:
			if col, ok := field.(*entity.ColumnVarChar); ok {
				documentIDs = col.Data()
			}
		case fieldRevision:
			if col, ok := field.(*entity.ColumnInt64); ok {
				revisions = col.Data()
			}
		case fieldText:
			if col, ok := field.(*entity.ColumnVarChar); ok {
				texts = col.Data()
			}
		case fieldMetadata:
			if col, ok := field.(*entity.ColumnJSONBytes); ok {
				metadata = col.Data()
			}
		}
	}
	if len(chunkIDs) == 0 {
		if col, ok := result.IDs.(*entity.ColumnVarChar); ok {
			chunkIDs = col.Data()
		}
	}

	hits := make([]store.VectorHit, 0, result.ResultCount)
	for i := 0; i < result.ResultCount && i < len(chunkIDs); i++ {
		hit := store.VectorHit{ChunkID: chunkIDs[i]}
		if i < len(documentIDs) {
			hit.DocumentID = documentIDs[i]
		}
		if i < len(revisions) {
			hit.Revision = revisions[i]
		}
		if i < len(texts) {
			hit.Text = texts[i]
		}
		if i < len(metadata) && len(metadata[i]) > 0 {
			if err := json.Unmarshal(metadata[i], &hit.Metadata); err != nil {
				s.logger.Debug("undecodable milvus metadata", zap.String("chunk_id", hit.ChunkID), zap.Error(err))
			}
		}
		if i < len(result.Scores) {
			hit.Score = result.Scores[i]
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (s *Store) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	return s.deleteExpr(ctx, fmt.Sprintf("%s in %s", fieldChunkID, stringList(chunkIDs)))
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string, beforeRevision int64) error {
	return s.deleteExpr(ctx, fmt.Sprintf("%s == %s && %s < %d", fieldDocumentID, quote(documentID), fieldRevision, beforeRevision))
}

func (s *Store) deleteExpr(ctx context.Context, expr string) error {
	if err := s.ensureCollection(ctx); err != nil {
		return apperrors.NewTransientStoreError("milvus", err)
	}
	if err := s.client.Delete(ctx, s.collection, "", expr); err != nil {
		return apperrors.NewTransientStoreError("milvus", err)
	}
	return nil
}

// Ready reports whether the server answers.
func (s *Store) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := s.client.ListCollections(ctx)
	return err == nil
}

// Close 关闭Milvus连接
func (s *Store) Close() error {
	return s.client.Close()
}

// FilterExpr renders filter as a Milvus boolean expression.
func FilterExpr(filter store.Filter) string {
	var parts []string
	if len(filter.DocumentIDs) > 0 {
		parts = append(parts, fmt.Sprintf("%s in %s", fieldDocumentID, stringList(filter.DocumentIDs)))
	}
	eq := filter.Equalities()
	keys := make([]string, 0, len(eq))
	for k := range eq {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s[%s] == %s", fieldMetadata, quote(k), quote(eq[k])))
	}
	return strings.Join(parts, " && ")
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func stringList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quote(v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
