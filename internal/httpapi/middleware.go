package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/riftrelay/capacity-proxy/internal/broadcast"
	"github.com/riftrelay/capacity-proxy/internal/obslog"
	"github.com/riftrelay/capacity-proxy/pkg/messageapi"
)

// SilentTelemetryMiddleware short-circuits client telemetry paths with an
// empty success so they never reach the pipeline.
func SilentTelemetryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if c.Request.Method == http.MethodPost &&
			(path == "/api/event_logging/batch" || path == "/") {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestLoggingMiddleware logs one line per request, leveled by status.
func RequestLoggingMiddleware(logger *obslog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ms := time.Since(start).Milliseconds()
		path := c.Request.URL.Path

		if strings.HasPrefix(path, "/.well-known/") {
			return
		}

		switch {
		case status >= 500:
			logger.Error("[%s] %s %d (%dms)", c.Request.Method, path, status, ms)
		case status >= 400:
			logger.Warn("[%s] %s %d (%dms)", c.Request.Method, path, status, ms)
		default:
			logger.Info("[%s] %s %d (%dms)", c.Request.Method, path, status, ms)
		}
	}
}

// writeSSE renders one broadcast event as an SSE frame.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev broadcast.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// parseFeatures wraps messageapi.Parse for the explain endpoint.
func parseFeatures(body []byte) (*messageapi.Features, error) {
	return messageapi.Parse(body)
}

func intQuery(c *gin.Context, name string) int {
	n, _ := strconv.Atoi(c.Query(name))
	return n
}

func intParam(c *gin.Context, name string) int {
	n, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return -1
	}
	return n
}
