package controllers

import (
	"net/http"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/ingest"
	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/store"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// DocumentController 文档接入与运维接口
type DocumentController struct {
	BaseController
	Ingest    *ingest.Service
	Documents store.DocumentStore
}

// DocumentView is a document together with the job state of its current
// revision.
type DocumentView struct {
	*models.Document
	Job *models.JobState `json:"job,omitempty"`
}

// Create 提交文档（新建或新版本）
func (c *DocumentController) Create() {
	var req ingest.SubmitRequest
	if err := c.decodeJSON(&req); err != nil {
		c.JSONError(err)
		return
	}
	doc, err := c.Ingest.Submit(c.Ctx.Request.Context(), req)
	if err != nil {
		c.JSONError(err)
		return
	}
	c.JSONStatus(http.StatusAccepted, doc)
}

// Get 获取文档状态
func (c *DocumentController) Get() {
	ctx := c.Ctx.Request.Context()
	doc, err := c.Documents.GetDocument(ctx, c.Ctx.Input.Param(":id"))
	if err != nil {
		c.JSONError(err)
		return
	}
	job, err := c.Documents.GetJobState(ctx, doc.ID, doc.Revision)
	if err != nil {
		c.JSONError(err)
		return
	}
	c.JSONSuccess(DocumentView{Document: doc, Job: job})
}

// Delete 删除文档，索引清理异步进行
func (c *DocumentController) Delete() {
	if err := c.Ingest.Delete(c.Ctx.Request.Context(), c.Ctx.Input.Param(":id")); err != nil {
		c.JSONError(err)
		return
	}
	c.JSONStatus(http.StatusAccepted, map[string]string{"id": c.Ctx.Input.Param(":id")})
}

// Reindex 以当前内容提交新版本
func (c *DocumentController) Reindex() {
	doc, err := c.Ingest.Reindex(c.Ctx.Request.Context(), c.Ctx.Input.Param(":id"))
	if err != nil {
		c.JSONError(err)
		return
	}
	c.JSONStatus(http.StatusAccepted, doc)
}

// DeadLetters 列出进入死信的文档版本
func (c *DocumentController) DeadLetters() {
	limit, err := c.intQuery("limit", defaultDeadLetterLimit)
	if err != nil {
		c.JSONError(err)
		return
	}
	if limit <= 0 || limit > maxDeadLetterLimit {
		c.JSONError(apperrors.NewBadRequestError("limit must be between 1 and %d", maxDeadLetterLimit))
		return
	}
	letters, err := c.Documents.ListDeadLetters(c.Ctx.Request.Context(), limit)
	if err != nil {
		c.JSONError(err)
		return
	}
	if letters == nil {
		letters = []models.DeadLetter{}
	}
	c.JSONSuccess(letters)
}
