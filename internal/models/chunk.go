package models

import (
	"time"
)

// Chunk 文档块，按修订版本不可变
type Chunk struct {
	ID         string    `gorm:"primaryKey;column:chunk_id;size:64" json:"chunk_id"`
	DocumentID string    `gorm:"column:document_id;size:255;not null;index:idx_chunks_doc_rev" json:"document_id"`
	Revision   int64     `gorm:"not null;index:idx_chunks_doc_rev" json:"revision"`
	Ordinal    int       `gorm:"not null" json:"ordinal"`
	Start      int       `gorm:"column:start_offset;not null" json:"start"`
	End        int       `gorm:"column:end_offset;not null" json:"end"`
	Text       string    `gorm:"type:text;not null" json:"text"`
	Section    string    `gorm:"size:500" json:"section,omitempty"`
	Page       int       `gorm:"default:0" json:"page,omitempty"`
	CreateTime time.Time `gorm:"column:create_time" json:"create_time"`
}

func (Chunk) TableName() string {
	return "chunks"
}

// Embedding 块向量，按 (chunk, model version) 区分
type Embedding struct {
	ChunkID      string    `gorm:"primaryKey;column:chunk_id;size:64" json:"chunk_id"`
	ModelVersion string    `gorm:"primaryKey;column:model_version;size:100" json:"model_version"`
	Vector       []float32 `gorm:"serializer:json;type:jsonb;not null" json:"vector"`
	CreateTime   time.Time `gorm:"column:create_time" json:"create_time"`
}

func (Embedding) TableName() string {
	return "embeddings"
}

// IndexRecord is what a persisted chunk looks like to the vector and graph
// stores. Both sides are keyed by ChunkID.
type IndexRecord struct {
	ChunkID      string            `json:"chunk_id"`
	DocumentID   string            `json:"document_id"`
	Revision     int64             `json:"revision"`
	Ordinal      int               `json:"ordinal"`
	Text         string            `json:"text"`
	Vector       []float32         `json:"vector,omitempty"`
	ModelVersion string            `json:"model_version"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Entities     []Entity          `json:"entities,omitempty"`
	Relations    []Relation        `json:"relations,omitempty"`
}

// Metadata keys attached to every index record.
const (
	MetaSource   = "source"
	MetaSection  = "section"
	MetaPage     = "page"
	MetaFormat   = "format"
	MetaTitle    = "title"
	MetaOrdinal  = "ordinal"
	MetaRevision = "revision"
)
