package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/akademos/registrar-api/internal/service"
)

type bodyCapture struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyCapture) Write(p []byte) (int, error) {
	w.buf.Write(p)
	return w.ResponseWriter.Write(p)
}

// ResponseCache serves GET responses for list endpoints from Redis. Keys are
// prefixed per resource (e.g. "students:") so writers can invalidate a whole
// resource with one pattern delete.
func ResponseCache(cache *service.CacheService, prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cache == nil || !cache.Enabled() || c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := prefix + c.Request.URL.RequestURI()

		var cached json.RawMessage
		if hit, err := cache.Get(c.Request.Context(), key, &cached); err == nil && hit {
			c.Header("X-Cache", "HIT")
			c.Data(http.StatusOK, "application/json; charset=utf-8", cached)
			c.Abort()
			return
		}

		writer := &bodyCapture{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Header("X-Cache", "MISS")
		c.Next()

		if c.Writer.Status() == http.StatusOK && writer.buf.Len() > 0 {
			cache.Set(c.Request.Context(), key, json.RawMessage(writer.buf.Bytes()))
		}
	}
}
