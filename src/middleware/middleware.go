package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
)

// Recovery turns a panic in a handler into a 500 with a minimal JSON body.
// The panic value is only echoed to the client in debug mode.
func Recovery(logger *slog.Logger, debug bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.Error("unhandled panic",
				"error", r,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)

			detail := "An unexpected error occurred"
			if debug {
				detail = fmt.Sprint(r)
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":  "Internal server error",
				"detail": detail,
			})
		}()
		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", float64(time.Since(start).Microseconds())/1000,
		)
	}
}

// CORS allows the listed origins. Requests without an Origin header (health
// checks, curl) pass through untouched.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			c.Next()
			return
		}

		if !slices.Contains(allowedOrigins, origin) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
