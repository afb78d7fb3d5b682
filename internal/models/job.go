package models

import (
	"time"
)

// Stage is the last pipeline stage whose output was durably persisted.
type Stage string

const (
	StageNone      Stage = "none"
	StageExtracted Stage = "extracted"
	StageChunked   Stage = "chunked"
	StageEmbedded  Stage = "embedded"
	StagePersisted Stage = "persisted"
)

var stageOrder = map[Stage]int{
	StageNone:      0,
	StageExtracted: 1,
	StageChunked:   2,
	StageEmbedded:  3,
	StagePersisted: 4,
}

// Reached reports whether s is at or past target.
func (s Stage) Reached(target Stage) bool {
	return stageOrder[s] >= stageOrder[target]
}

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusRunning    JobStatus = "running"
	JobStatusIndexed    JobStatus = "indexed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusSuperseded JobStatus = "superseded"
)

// JobState 每个 (document, revision) 的处理进度，用于断点续做
type JobState struct {
	DocumentID  string    `gorm:"primaryKey;column:document_id;size:255" json:"document_id"`
	Revision    int64     `gorm:"primaryKey" json:"revision"`
	LastStage   Stage     `gorm:"column:last_stage;size:20;not null" json:"last_stage"`
	Status      JobStatus `gorm:"size:20;not null;index" json:"status"`
	Attempts    int       `gorm:"not null;default:0" json:"attempts"`
	LastError   string    `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	ErrorClass  string    `gorm:"column:error_class;size:50" json:"error_class,omitempty"`
	Fingerprint string    `gorm:"size:64" json:"fingerprint,omitempty"`
	UpdateTime  time.Time `gorm:"column:update_time" json:"update_time"`
}

func (JobState) TableName() string {
	return "job_states"
}

// NewJobState returns the initial state of a fresh run.
func NewJobState(documentID string, revision int64) *JobState {
	return &JobState{
		DocumentID: documentID,
		Revision:   revision,
		LastStage:  StageNone,
		Status:     JobStatusRunning,
	}
}

// DeadLetter 重试耗尽的文档，供人工重放
type DeadLetter struct {
	DocumentID string    `gorm:"primaryKey;column:document_id;size:255" json:"document_id"`
	Revision   int64     `gorm:"primaryKey" json:"revision"`
	ErrorClass string    `gorm:"column:error_class;size:50" json:"error_class"`
	LastError  string    `gorm:"column:last_error;type:text" json:"last_error"`
	Attempts   int       `gorm:"not null" json:"attempts"`
	CreateTime time.Time `gorm:"column:create_time" json:"create_time"`
}

func (DeadLetter) TableName() string {
	return "dead_letters"
}
