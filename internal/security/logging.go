package security

import (
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// AccessLogMiddleware logs each request with method, path, status, duration
// and caller identity. Paths in skipPaths pass through silently; probe
// endpoints use this to stay out of the log.
func AccessLogMiddleware(skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"clientIP", c.ClientIP(),
			"userAgent", c.Request.UserAgent(),
		}
		if userID := c.GetString(ContextKeyUserID); userID != "" {
			fields = append(fields, "user", userID)
		}
		log.Info("HTTP request", fields...)
	}
}

func requestJustification(c *gin.Context) string {
	if j := c.Query("justification"); j != "" {
		return j
	}
	return c.GetHeader("X-Justification")
}

// AdminAuditMiddleware writes an audit record for every admin API call. When
// requireJustification is set, admin requests without a justification (query
// param or X-Justification header) are rejected before the handler runs.
func AdminAuditMiddleware(requireJustification bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		isAdminCall := strings.HasPrefix(c.Request.URL.Path, "/v1/admin")
		if isAdminCall && requireJustification && requestJustification(c) == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "justification is required"})
			return
		}

		c.Next()

		if !isAdminCall {
			return
		}
		role := EffectiveAdminRole(c)
		if role == "" {
			role = "none"
		}
		log.Info("Admin audit",
			"caller", c.GetString(ContextKeyUserID),
			"role", role,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"clientIP", c.ClientIP(),
			"justification", requestJustification(c),
		)
	}
}
