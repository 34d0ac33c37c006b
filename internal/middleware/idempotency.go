package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/idempotency"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	inFlightTTL       = time.Minute
)

type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// bodyRecorder tees the response body so it can be cached.
type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency requires an Idempotency-Key header and replays the first
// response stored under it. Server errors are not cached so the client can retry.
func Idempotency(store idempotency.Store, ttl time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeader)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Idempotency-Key header is required"})
			return
		}

		ctx := c.Request.Context()
		cacheKey := "response:" + c.FullPath() + ":" + key

		if raw, ok, err := store.Get(ctx, cacheKey); err != nil {
			logger.Warn("Idempotency cache unavailable", zap.String("key", key), zap.Error(err))
		} else if ok {
			var cached cachedResponse
			if err := json.Unmarshal(raw, &cached); err == nil {
				c.Header("Idempotent-Replayed", "true")
				c.Data(cached.Status, cached.ContentType, cached.Body)
				c.Abort()
				return
			}
		}

		lockKey := "inflight:" + c.FullPath() + ":" + key
		claimed, err := store.Claim(ctx, lockKey, inFlightTTL)
		if err != nil {
			logger.Warn("Idempotency lock unavailable", zap.String("key", key), zap.Error(err))
		} else if !claimed {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "a request with this Idempotency-Key is already in progress"})
			return
		}
		defer func() {
			if claimed {
				_ = store.Release(ctx, lockKey)
			}
		}()

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Set("idempotency_key", key)
		c.Next()

		status := rec.Status()
		if status >= http.StatusInternalServerError {
			return
		}
		raw, _ := json.Marshal(cachedResponse{
			Status:      status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.buf.Bytes(),
		})
		if err := store.Put(ctx, cacheKey, raw, ttl); err != nil {
			logger.Warn("Failed to cache idempotent response", zap.String("key", key), zap.Error(err))
		}
	}
}
