package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/config"
	"github.com/akylbek/payment-system/payment-reconciler/internal/payment"
)

const maxWebhookBody = 1 << 20

// SignatureHeader returns the header carrying the webhook signature for provider.
func SignatureHeader(provider string) string {
	if provider == config.ProviderStripe {
		return "Stripe-Signature"
	}
	return "x-webhook-signature"
}

type WebhookHandler struct {
	processor *payment.WebhookProcessor
	header    string
	logger    *zap.Logger
}

func NewWebhookHandler(processor *payment.WebhookProcessor, provider string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		processor: processor,
		header:    SignatureHeader(provider),
		logger:    logger,
	}
}

// Receive answers 200 for every delivery the gateway should not resend,
// including duplicates and unknown orders.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "webhook body too large"})
		return
	}

	res, err := h.processor.Handle(c.Request.Context(), body, c.GetHeader(h.header))
	if err != nil {
		h.logger.Info("Webhook not applied",
			zap.String("outcome", string(res.Outcome)),
			zap.String("order_id", res.OrderID),
			zap.Error(err),
		)
	}
	if res.Acknowledged {
		c.JSON(http.StatusOK, res)
		return
	}
	respondError(c, err)
}
