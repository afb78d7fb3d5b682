package store

import (
	"github.com/aihub/docindex/internal/models"
)

// GraphBatch is the node and edge set derived from index records. Every graph
// backend writes exactly this set.
type GraphBatch struct {
	Nodes []models.GraphNode
	Edges []models.GraphEdge
}

// BuildGraphBatch turns records into nodes and edges: a document node
// CONTAINS its chunk nodes, chunks MENTION entity nodes, and every extra
// relation on a record is stored as given.
func BuildGraphBatch(records []models.IndexRecord) GraphBatch {
	var b GraphBatch
	seenNodes := make(map[string]bool)
	addNode := func(n models.GraphNode) {
		if seenNodes[n.ID] {
			return
		}
		seenNodes[n.ID] = true
		b.Nodes = append(b.Nodes, n)
	}
	for _, r := range records {
		addNode(models.GraphNode{
			ID:         r.DocumentID,
			Kind:       models.NodeDocument,
			Name:       r.Metadata[models.MetaTitle],
			DocumentID: r.DocumentID,
			Revision:   r.Revision,
		})
		addNode(models.GraphNode{
			ID:         r.ChunkID,
			Kind:       models.NodeChunk,
			DocumentID: r.DocumentID,
			Revision:   r.Revision,
			Metadata:   r.Metadata,
		})
		b.Edges = append(b.Edges, models.GraphEdge{
			FromID: r.DocumentID, ToID: r.ChunkID, Relation: models.RelContains,
			DocumentID: r.DocumentID, Revision: r.Revision,
		})
		for _, e := range r.Entities {
			addNode(models.GraphNode{ID: e.ID, Kind: models.NodeEntity, Name: e.Name, EntityType: e.Type})
			b.Edges = append(b.Edges, models.GraphEdge{
				FromID: r.ChunkID, ToID: e.ID, Relation: models.RelMentions,
				DocumentID: r.DocumentID, Revision: r.Revision,
			})
		}
		for _, rel := range r.Relations {
			b.Edges = append(b.Edges, models.GraphEdge{
				FromID: rel.From, ToID: rel.To, Relation: rel.Type,
				DocumentID: r.DocumentID, Revision: r.Revision,
			})
		}
	}
	return b
}
