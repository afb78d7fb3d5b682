package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/models"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

func TestDocumentStore_GetDocumentNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewDocumentStore(db)

	mock.ExpectQuery(`SELECT \* FROM "documents" WHERE document_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"document_id"}))

	_, err := s.GetDocument(context.Background(), "doc-404")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStore_UpdateStatusSuperseded(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewDocumentStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT "document_id","status","revision" FROM "documents" WHERE document_id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "status", "revision"}).
			AddRow("doc-1", string(models.DocumentStatusPending), 2))
	mock.ExpectRollback()

	err := s.UpdateStatus(context.Background(), "doc-1", 1, models.DocumentStatusChunking, "")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConsistencyConflict))
	assert.False(t, apperrors.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStore_UpdateStatusIndexed(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewDocumentStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT "document_id","status","revision" FROM "documents"`).
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "status", "revision"}).
			AddRow("doc-1", string(models.DocumentStatusEmbedding), 1))
	mock.ExpectExec(`UPDATE "documents" SET .*"indexed_at"=.*WHERE document_id = \$`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.UpdateStatus(context.Background(), "doc-1", 1, models.DocumentStatusIndexed, ""))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStore_SaveExtractionConflict(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewDocumentStore(db)

	mock.ExpectExec(`UPDATE "documents" SET "normalized_text"=\$1,"structure"=\$2,"update_time"=\$3 WHERE`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "documents" WHERE document_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "revision", "status"}).
			AddRow("doc-1", 3, string(models.DocumentStatusPending)))

	err := s.SaveExtraction(context.Background(), "doc-1", 2, "text", models.Structure{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConsistencyConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStore_GetJobStateAbsent(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewDocumentStore(db)

	mock.ExpectQuery(`SELECT \* FROM "job_states" WHERE document_id = \$1 AND revision = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "revision"}))

	js, err := s.GetJobState(context.Background(), "doc-1", 1)
	require.NoError(t, err)
	assert.Nil(t, js)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStore_DriverErrorsAreTransient(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewDocumentStore(db)

	mock.ExpectQuery(`SELECT \* FROM "dead_letters"`).
		WillReturnError(errors.New("connection reset by peer"))

	_, err := s.ListDeadLetters(context.Background(), 10)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTransientStore, apperrors.Classify(err))
	assert.True(t, apperrors.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentStore_ListDeadLetters(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewDocumentStore(db)
	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT \* FROM "dead_letters" ORDER BY create_time DESC,document_id LIMIT`).
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "revision", "error_class", "last_error", "attempts", "create_time"}).
			AddRow("doc-9", 4, "EMBEDDING_BACKEND", "rate limited", 4, created))

	rows, err := s.ListDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "doc-9", rows[0].DocumentID)
	assert.Equal(t, 4, rows[0].Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGraphStore_EntitiesForChunks(t *testing.T) {
	db, mock := newMockDB(t)
	g := NewGraphStore(db)

	mock.ExpectQuery(`SELECT e.from_id AS chunk_id, n.node_id, n.name, n.entity_type FROM graph_edges AS e JOIN graph_nodes AS n`).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id", "node_id", "name", "entity_type"}).
			AddRow("c1", "e1", "Acme Corp", "org").
			AddRow("c1", "e2", "Berlin", "place"))

	got, err := g.EntitiesForChunks(context.Background(), []string{"c1", "c2"})
	require.NoError(t, err)
	assert.Equal(t, []models.Entity{
		{ID: "e1", Name: "Acme Corp", Type: "org"},
		{ID: "e2", Name: "Berlin", Type: "place"},
	}, got["c1"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGraphStore_DeleteDocumentKeepsEntities(t *testing.T) {
	db, mock := newMockDB(t)
	g := NewGraphStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "graph_edges" WHERE document_id = \$1 AND revision < \$2`).
		WithArgs("doc-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(`DELETE FROM "graph_nodes" WHERE document_id = \$1 AND revision < \$2 AND kind <> \$3`).
		WithArgs("doc-1", int64(3), models.NodeEntity).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	require.NoError(t, g.DeleteDocument(context.Background(), "doc-1", 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDedupeEdges(t *testing.T) {
	edges := dedupeEdges([]models.GraphEdge{
		{FromID: "a", ToID: "b", Relation: models.RelNext, Revision: 1},
		{FromID: "a", ToID: "c", Relation: models.RelNext, Revision: 1},
		{FromID: "a", ToID: "b", Relation: models.RelNext, Revision: 2},
	})
	require.Len(t, edges, 2)
	assert.Equal(t, int64(2), edges[0].Revision)
}

func TestGraphStore_TraverseZeroDepth(t *testing.T) {
	db, mock := newMockDB(t)
	g := NewGraphStore(db)
	nodes, err := g.Traverse(context.Background(), "doc-1", "", 0)
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.NoError(t, mock.ExpectationsWereMet())
}
