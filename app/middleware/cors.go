package middleware

import (
	"net/http"

	"github.com/beego/beego/v2/server/web/context"
)

// CORS returns a filter allowing the given origins. An empty list allows
// any origin.
func CORS(allowedOrigins []string) func(*context.Context) {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(ctx *context.Context) {
		origin := ctx.Input.Header("Origin")
		if origin == "" {
			return
		}
		if len(allowed) > 0 && !allowed[origin] {
			return
		}

		ctx.Output.Header("Access-Control-Allow-Origin", origin)
		ctx.Output.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		ctx.Output.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		ctx.Output.Header("Access-Control-Max-Age", "3600")

		// 预检请求直接返回
		if ctx.Input.Method() == http.MethodOptions {
			ctx.Output.SetStatus(http.StatusNoContent)
			_ = ctx.Output.Body([]byte(""))
		}
	}
}
