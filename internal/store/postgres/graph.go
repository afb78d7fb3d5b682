package postgres

import (
	"context"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/store"
)

// GraphStore keeps the graph in two tables, graph_nodes and graph_edges,
// and traverses it with recursive SQL.
type GraphStore struct {
	db *gorm.DB
}

var _ store.GraphStore = (*GraphStore)(nil)

// NewGraphStore 创建图存储
func NewGraphStore(db *gorm.DB) *GraphStore {
	return &GraphStore{db: db}
}

func (g *GraphStore) UpsertRecords(ctx context.Context, records []models.IndexRecord) error {
	batch := store.BuildGraphBatch(records)
	if len(batch.Nodes) == 0 && len(batch.Edges) == 0 {
		return nil
	}
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(batch.Nodes) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "node_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"kind", "name", "entity_type", "document_id", "revision", "metadata"}),
			}).CreateInBatches(batch.Nodes, 200).Error
			if err != nil {
				return err
			}
		}
		if len(batch.Edges) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "from_id"}, {Name: "to_id"}, {Name: "relation"}},
				DoUpdates: clause.AssignmentColumns([]string{"document_id", "revision"}),
			}).CreateInBatches(dedupeEdges(batch.Edges), 200).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	return wrap(err)
}

// dedupeEdges keeps the last edge per key; Postgres rejects one INSERT
// touching the same conflict key twice.
func dedupeEdges(edges []models.GraphEdge) []models.GraphEdge {
	type key struct{ from, to, rel string }
	index := make(map[key]int, len(edges))
	out := make([]models.GraphEdge, 0, len(edges))
	for _, e := range edges {
		k := key{e.FromID, e.ToID, e.Relation}
		if i, ok := index[k]; ok {
			out[i] = e
			continue
		}
		index[k] = len(out)
		out = append(out, e)
	}
	return out
}

type mentionRow struct {
	ChunkID    string `gorm:"column:chunk_id"`
	EntityID   string `gorm:"column:node_id"`
	Name       string `gorm:"column:name"`
	EntityType string `gorm:"column:entity_type"`
}

func (g *GraphStore) EntitiesForChunks(ctx context.Context, chunkIDs []string) (map[string][]models.Entity, error) {
	out := make(map[string][]models.Entity)
	if len(chunkIDs) == 0 {
		return out, nil
	}
	var rows []mentionRow
	err := g.db.WithContext(ctx).
		Table("graph_edges AS e").
		Select("e.from_id AS chunk_id, n.node_id, n.name, n.entity_type").
		Joins("JOIN graph_nodes AS n ON n.node_id = e.to_id").
		Where("e.relation = ? AND e.from_id IN ?", models.RelMentions, chunkIDs).
		Order("e.from_id, n.name").
		Scan(&rows).Error
	if err != nil {
		return nil, wrap(err)
	}
	for _, r := range rows {
		out[r.ChunkID] = append(out[r.ChunkID], models.Entity{ID: r.EntityID, Name: r.Name, Type: r.EntityType})
	}
	return out, nil
}

const traverseSQL = `
WITH RECURSIVE walk(node_id, depth) AS (
	SELECT e.to_id, 1 FROM graph_edges e
	WHERE e.from_id = @start AND (@relation = '' OR e.relation = @relation)
	UNION
	SELECT e.to_id, w.depth + 1 FROM graph_edges e
	JOIN walk w ON e.from_id = w.node_id
	WHERE w.depth < @depth AND (@relation = '' OR e.relation = @relation)
)
SELECT n.* FROM graph_nodes n
JOIN (SELECT node_id, MIN(depth) AS depth FROM walk GROUP BY node_id) r ON r.node_id = n.node_id
WHERE n.node_id <> @start
ORDER BY r.depth, n.node_id`

func (g *GraphStore) Traverse(ctx context.Context, start, relation string, depth int) ([]models.GraphNode, error) {
	if depth <= 0 {
		return nil, nil
	}
	var nodes []models.GraphNode
	err := g.db.WithContext(ctx).Raw(traverseSQL, map[string]interface{}{
		"start":    start,
		"relation": relation,
		"depth":    depth,
	}).Scan(&nodes).Error
	if err != nil {
		return nil, wrap(err)
	}
	return nodes, nil
}

func (g *GraphStore) QueryChunks(ctx context.Context, filter store.Filter) ([]string, error) {
	q := g.db.WithContext(ctx).Model(&models.GraphNode{}).
		Where("kind = ?", models.NodeChunk)
	if len(filter.DocumentIDs) > 0 {
		q = q.Where("document_id IN ?", filter.DocumentIDs)
	}
	eq := filter.Equalities()
	keys := make([]string, 0, len(eq))
	for k := range eq {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q = q.Where("metadata ->> ? = ?", k, eq[k])
	}

	var ids []string
	if err := q.Order("node_id").Pluck("node_id", &ids).Error; err != nil {
		return nil, wrap(err)
	}
	return ids, nil
}

func (g *GraphStore) DeleteDocument(ctx context.Context, documentID string, beforeRevision int64) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ? AND revision < ?", documentID, beforeRevision).
			Delete(&models.GraphEdge{}).Error; err != nil {
			return err
		}
		// entity nodes are shared across documents and stay
		return tx.Where("document_id = ? AND revision < ? AND kind <> ?", documentID, beforeRevision, models.NodeEntity).
			Delete(&models.GraphNode{}).Error
	})
	return wrap(err)
}

// Close is a no-op; the connection pool belongs to the caller.
func (g *GraphStore) Close() error { return nil }
