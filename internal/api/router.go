package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/handlers"
	"github.com/akylbek/payment-system/payment-reconciler/internal/idempotency"
	"github.com/akylbek/payment-system/payment-reconciler/internal/middleware"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

const (
	serviceName    = "payment-reconciler"
	idempotencyTTL = 24 * time.Hour
)

func NewRouter(
	payments *handlers.PaymentHandler,
	webhooks *handlers.WebhookHandler,
	store idempotency.Store,
	logger *zap.Logger,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware(logger))

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})

	idem := middleware.Idempotency(store, idempotencyTTL, logger)

	// Payment routes
	p := r.Group("/payments")
	{
		p.POST("/sessions", idem, payments.CreateSession)
		p.POST("", idem, payments.ProcessPayment)
		p.POST("/combined", idem, payments.PayCombined)
		p.GET("/:orderId", payments.GetPayment)
		p.POST("/:orderId/sdk-result", payments.SDKResult)
		p.POST("/:orderId/verify", payments.Verify)
		p.POST("/:orderId/admin-decision", payments.AdminDecision)
	}

	r.POST("/webhooks/gateway", webhooks.Receive)

	return r
}
