package models

import (
	"strings"

	"github.com/google/uuid"
)

// Node kinds stored in the graph.
const (
	NodeDocument = "document"
	NodeChunk    = "chunk"
	NodeEntity   = "entity"
)

// Relation types.
const (
	RelContains  = "CONTAINS"
	RelMentions  = "MENTIONS"
	RelNext      = "NEXT"
	RelInSection = "IN_SECTION"
)

var entityNamespace = uuid.MustParse("6f1c3c1e-6c1a-4f5e-9d0e-3a2b9f7c8d41")

// Entity 从块文本中识别出的实体
type Entity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// EntityID derives a stable ID from type and case-folded name so the same
// entity found in different chunks collapses into one node.
func EntityID(typ, name string) string {
	key := strings.ToLower(typ) + "|" + strings.ToLower(strings.TrimSpace(name))
	return uuid.NewSHA1(entityNamespace, []byte(key)).String()
}

// Relation is a directed edge between graph nodes.
type Relation struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// GraphNode 图节点
type GraphNode struct {
	ID         string            `gorm:"primaryKey;column:node_id;size:255" json:"id"`
	Kind       string            `gorm:"size:20;not null;index" json:"kind"`
	Name       string            `gorm:"size:500" json:"name,omitempty"`
	EntityType string            `gorm:"column:entity_type;size:50" json:"entity_type,omitempty"`
	DocumentID string            `gorm:"column:document_id;size:255;index" json:"document_id,omitempty"`
	Revision   int64             `gorm:"default:0" json:"revision,omitempty"`
	Metadata   map[string]string `gorm:"serializer:json;type:jsonb" json:"metadata,omitempty"`
}

func (GraphNode) TableName() string {
	return "graph_nodes"
}

// GraphEdge 图边，按所属文档版本记录以便清理
type GraphEdge struct {
	FromID     string `gorm:"primaryKey;column:from_id;size:255" json:"from"`
	ToID       string `gorm:"primaryKey;column:to_id;size:255;index" json:"to"`
	Relation   string `gorm:"primaryKey;size:50" json:"relation"`
	DocumentID string `gorm:"column:document_id;size:255;index" json:"document_id"`
	Revision   int64  `gorm:"not null" json:"revision"`
}

func (GraphEdge) TableName() string {
	return "graph_edges"
}
