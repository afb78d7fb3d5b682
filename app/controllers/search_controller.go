package controllers

import (
	"strconv"
	"strings"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/retrieval"
	"github.com/aihub/docindex/internal/store"
)

// SearchController 检索接口
type SearchController struct {
	BaseController
	Engine *retrieval.Engine
}

// Search 语义检索
func (c *SearchController) Search() {
	var req retrieval.Request
	if err := c.decodeJSON(&req); err != nil {
		c.JSONError(err)
		return
	}
	resp, err := c.Engine.Query(c.Ctx.Request.Context(), req)
	if err != nil {
		c.JSONError(err)
		return
	}
	c.JSONSuccess(resp)
}

// Related 从图节点出发按关系遍历
func (c *SearchController) Related() {
	depth, err := c.intQuery("depth", 1)
	if err != nil {
		c.JSONError(err)
		return
	}
	nodes, err := c.Engine.Related(c.Ctx.Request.Context(), c.Ctx.Input.Param(":node"), c.GetString("relation"), depth)
	if err != nil {
		c.JSONError(err)
		return
	}
	if nodes == nil {
		nodes = []models.GraphNode{}
	}
	c.JSONSuccess(nodes)
}

// Chunks lists chunk IDs matching the filter given as query parameters:
// document_id (comma separated), source, section and page.
func (c *SearchController) Chunks() {
	filter := store.Filter{
		Source:  c.GetString("source"),
		Section: c.GetString("section"),
	}
	if ids := c.GetString("document_id"); ids != "" {
		filter.DocumentIDs = strings.Split(ids, ",")
	}
	if page := c.GetString("page"); page != "" {
		n, err := strconv.Atoi(page)
		if err != nil {
			c.JSONError(apperrors.NewBadRequestError("page must be an integer"))
			return
		}
		filter.Page = n
	}
	ids, err := c.Engine.Chunks(c.Ctx.Request.Context(), filter)
	if err != nil {
		c.JSONError(err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSONSuccess(ids)
}
