package controllers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/beego/beego/v2/server/web"
	"go.uber.org/zap"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/logger"
)

// maxBodyBytes bounds JSON request bodies read outside beego's body copy.
const maxBodyBytes = 32 << 20

// BaseController provides helpers for consistent JSON responses.
type BaseController struct {
	web.Controller
}

// JSON writes a JSON response with the supplied HTTP status code.
func (c *BaseController) JSON(status int, payload interface{}) {
	c.Ctx.Output.SetStatus(status)
	c.Data["json"] = payload
	_ = c.ServeJSON()
}

// JSONSuccess writes a standard success envelope.
func (c *BaseController) JSONSuccess(data interface{}) {
	c.JSONStatus(http.StatusOK, data)
}

// JSONStatus writes a success envelope with a non-default status.
func (c *BaseController) JSONStatus(status int, data interface{}) {
	c.JSON(status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// JSONError maps err to its HTTP status and error body. Server-side
// failures are logged, client errors are not.
func (c *BaseController) JSONError(err error) {
	status, body := apperrors.ToResponse(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", c.Ctx.Request.Method),
			zap.String("path", c.Ctx.Request.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	c.JSON(status, body)
}

// decodeJSON reads the request body into v.
func (c *BaseController) decodeJSON(v interface{}) error {
	body := c.Ctx.Input.RequestBody
	if len(body) == 0 && c.Ctx.Request.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(c.Ctx.Request.Body, maxBodyBytes))
		if err != nil {
			return apperrors.NewBadRequestError("read request body: %v", err)
		}
	}
	if len(body) == 0 {
		return apperrors.NewBadRequestError("request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperrors.NewBadRequestError("invalid JSON body: %v", err)
	}
	return nil
}

// intQuery 读取整数查询参数，缺省时返回 def
func (c *BaseController) intQuery(name string, def int) (int, error) {
	raw := c.GetString(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.NewBadRequestError("%s must be an integer", name)
	}
	return n, nil
}
