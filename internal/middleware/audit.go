package middleware

import (
	"bytes"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xcancloud/AngusInfra-sub001/pkg/logger"
)

const maxAuditBody = 1000

// AuditLog logs every mutating request against the management API with
// the caller, the route and the response status.
func AuditLog() gin.HandlerFunc {
	log := logger.Component("audit")
	return func(c *gin.Context) {
		method := c.Request.Method
		if method != "POST" && method != "PUT" && method != "DELETE" {
			c.Next()
			return
		}

		var body string
		if c.Request.Body != nil {
			raw, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(raw))
			body = string(raw)
			if len(body) > maxAuditBody {
				body = body[:maxAuditBody] + "...[truncated]"
			}
		}

		c.Next()

		resource, action := parseRouteInfo(c.FullPath(), method)
		status := c.Writer.Status()
		event := log.Info()
		if status >= 400 {
			event = log.Warn()
		}
		event.Str("subject", GetSubject(c)).
			Str("role", GetRole(c)).
			Str("resource", resource).
			Str("action", action).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Str("ip", c.ClientIP()).
			Str("body", body).
			Msg("audit")
	}
}

// parseRouteInfo derives the resource and action from a route pattern.
// e.g. "/api/jobs/:id/pause" + "POST" → resource="jobs", action="pause"
func parseRouteInfo(fullPath, method string) (resource, action string) {
	path := strings.Trim(strings.TrimPrefix(fullPath, "/api/"), "/")
	parts := strings.Split(path, "/")

	resource = parts[0]
	if resource == "" {
		resource = "unknown"
	}

	last := parts[len(parts)-1]
	if len(parts) > 1 && !strings.HasPrefix(last, ":") {
		return resource, last
	}

	switch method {
	case "POST":
		action = "create"
	case "PUT":
		action = "update"
	case "DELETE":
		action = "delete"
	default:
		action = strings.ToLower(method)
	}
	return resource, action
}
