package models

import (
	"time"
)

// DocumentStatus 文档处理状态
type DocumentStatus string

const (
	DocumentStatusPending     DocumentStatus = "pending"
	DocumentStatusExtracting  DocumentStatus = "extracting"
	DocumentStatusChunking    DocumentStatus = "chunking"
	DocumentStatusEmbedding   DocumentStatus = "embedding"
	DocumentStatusIndexed     DocumentStatus = "indexed"
	DocumentStatusFailed      DocumentStatus = "failed"
	DocumentStatusUnsupported DocumentStatus = "unsupported"
	DocumentStatusDeleted     DocumentStatus = "deleted"
)

// InProgress reports whether a worker is expected to be driving the document.
func (s DocumentStatus) InProgress() bool {
	switch s {
	case DocumentStatusPending, DocumentStatusExtracting, DocumentStatusChunking, DocumentStatusEmbedding:
		return true
	}
	return false
}

// 状态转换规则，同状态写入视为幂等
var documentTransitions = map[DocumentStatus][]DocumentStatus{
	DocumentStatusPending: {
		DocumentStatusExtracting, DocumentStatusChunking, DocumentStatusEmbedding,
		DocumentStatusIndexed, DocumentStatusFailed, DocumentStatusUnsupported,
	},
	DocumentStatusExtracting: {
		DocumentStatusChunking, DocumentStatusEmbedding, DocumentStatusIndexed,
		DocumentStatusFailed, DocumentStatusUnsupported,
	},
	DocumentStatusChunking: {
		DocumentStatusEmbedding, DocumentStatusIndexed, DocumentStatusFailed,
	},
	DocumentStatusEmbedding: {
		DocumentStatusIndexed, DocumentStatusFailed,
	},
	DocumentStatusIndexed:     {},
	DocumentStatusFailed:      {},
	DocumentStatusUnsupported: {},
	DocumentStatusDeleted:     {},
}

// CanTransition 检查是否可以进行状态转换。
// Any status may go back to pending (new revision) or to deleted.
func CanTransition(from, to DocumentStatus) bool {
	if from == to || to == DocumentStatusPending || to == DocumentStatusDeleted {
		return true
	}
	for _, next := range documentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Section is a heading found during extraction, anchored at a rune offset
// of the normalized text.
type Section struct {
	Title string `json:"title"`
	Start int    `json:"start"`
}

// Structure 提取阶段得到的文档结构
type Structure struct {
	Sections []Section `json:"sections,omitempty"`
	// PageStarts holds the rune offset at which each page begins.
	PageStarts []int `json:"page_starts,omitempty"`
}

// SectionAt returns the title of the last section starting at or before offset.
func (s Structure) SectionAt(offset int) string {
	title := ""
	for _, sec := range s.Sections {
		if sec.Start > offset {
			break
		}
		title = sec.Title
	}
	return title
}

// PageAt returns the 1-based page containing offset, or 0 without page data.
func (s Structure) PageAt(offset int) int {
	page := 0
	for i, start := range s.PageStarts {
		if start > offset {
			break
		}
		page = i + 1
	}
	return page
}

// Document 文档
type Document struct {
	ID             string            `gorm:"primaryKey;column:document_id;size:255" json:"id"`
	SourceRef      string            `gorm:"column:source_ref;size:500" json:"source_ref"`
	ContentRef     string            `gorm:"column:content_ref;size:500" json:"content_ref,omitempty"`
	Content        string            `gorm:"column:content;type:text" json:"-"`
	Format         string            `gorm:"size:50" json:"format"`
	Title          string            `gorm:"size:500" json:"title,omitempty"`
	Metadata       map[string]string `gorm:"serializer:json;type:jsonb" json:"metadata,omitempty"`
	NormalizedText string            `gorm:"column:normalized_text;type:text" json:"-"`
	Structure      Structure         `gorm:"serializer:json;type:jsonb" json:"structure"`
	Status         DocumentStatus    `gorm:"size:20;not null;index" json:"status"`
	Reason         string            `gorm:"type:text" json:"reason,omitempty"`
	Revision       int64             `gorm:"not null" json:"revision"`
	IndexedAt      *time.Time        `gorm:"column:indexed_at" json:"indexed_at,omitempty"`
	CreateTime     time.Time         `gorm:"column:create_time;not null" json:"create_time"`
	UpdateTime     time.Time         `gorm:"column:update_time" json:"update_time"`
}

func (Document) TableName() string {
	return "documents"
}
