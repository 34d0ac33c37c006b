package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
	"github.com/akylbek/payment-system/payment-reconciler/internal/checkout"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway"
	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/payment"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository"
)

type customerRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

func (c customerRequest) toGateway() gateway.Customer {
	return gateway.Customer{Name: c.Name, Phone: c.Phone, Email: c.Email}
}

type createPaymentRequest struct {
	UserID       string               `json:"user_id" binding:"required"`
	Amount       decimal.Decimal      `json:"amount"`
	ExtraCharges decimal.Decimal      `json:"extra_charges"`
	OrderID      string               `json:"order_id"`
	Method       models.PaymentMethod `json:"method"`
	Note         string               `json:"note"`
	Customer     customerRequest      `json:"customer"`
}

func (r createPaymentRequest) toSession() payment.SessionRequest {
	return payment.SessionRequest{
		UserID:       r.UserID,
		Amount:       r.Amount,
		ExtraCharges: r.ExtraCharges,
		OrderID:      r.OrderID,
		Method:       r.Method,
		Note:         r.Note,
		Customer:     r.Customer.toGateway(),
	}
}

type combinedPaymentRequest struct {
	UserID         string          `json:"user_id" binding:"required"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	WalletPortion  decimal.Decimal `json:"wallet_portion"`
	GatewayPortion decimal.Decimal `json:"gateway_portion"`
	Note           string          `json:"note"`
	Customer       customerRequest `json:"customer"`
}

type sdkResultRequest struct {
	Outcome models.SDKOutcomeKind `json:"outcome" binding:"required"`
	Message string                `json:"message"`
}

type adminDecisionRequest struct {
	Approve *bool  `json:"approve" binding:"required"`
	Reason  string `json:"reason"`
}

type PaymentHandler struct {
	orchestrator *payment.Orchestrator
	reconciler   *payment.Reconciler
	combined     *payment.CombinedCoordinator
	repo         interfaces.PaymentRepository
	hub          *checkout.Hub
	logger       *zap.Logger
}

func NewPaymentHandler(
	orchestrator *payment.Orchestrator,
	reconciler *payment.Reconciler,
	combined *payment.CombinedCoordinator,
	repo interfaces.PaymentRepository,
	hub *checkout.Hub,
	logger *zap.Logger,
) *PaymentHandler {
	return &PaymentHandler{
		orchestrator: orchestrator,
		reconciler:   reconciler,
		combined:     combined,
		repo:         repo,
		hub:          hub,
		logger:       logger,
	}
}

func (h *PaymentHandler) CreateSession(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid request: %v", err))
		return
	}

	sess, err := h.orchestrator.CreateSession(c.Request.Context(), req.toSession())
	if err != nil {
		h.logger.Warn("Session creation failed", zap.String("user_id", req.UserID), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// ProcessPayment starts a full attempt in the background and answers 202 as
// soon as the session exists; the final status is read from GetPayment.
func (h *PaymentHandler) ProcessPayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid request: %v", err))
		return
	}

	h.runDetached(c, func(ctx context.Context, onSession func(models.Session)) models.PaymentResult {
		return h.orchestrator.ProcessPayment(ctx, payment.PaymentRequest{
			SessionRequest: req.toSession(),
			OnSession:      onSession,
		})
	})
}

func (h *PaymentHandler) PayCombined(c *gin.Context) {
	var req combinedPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid request: %v", err))
		return
	}

	h.runDetached(c, func(ctx context.Context, onSession func(models.Session)) models.PaymentResult {
		return h.combined.Pay(ctx, payment.CombinedRequest{
			UserID:         req.UserID,
			TotalAmount:    req.TotalAmount,
			WalletPortion:  req.WalletPortion,
			GatewayPortion: req.GatewayPortion,
			Note:           req.Note,
			Customer:       req.Customer.toGateway(),
			OnSession:      onSession,
		})
	})
}

// runDetached runs flow outside the request lifetime. The response is the
// session once created, or the flow's failure if it ends before that.
func (h *PaymentHandler) runDetached(c *gin.Context, flow func(context.Context, func(models.Session)) models.PaymentResult) {
	sessions := make(chan models.Session, 1)
	results := make(chan models.PaymentResult, 1)
	ctx := context.WithoutCancel(c.Request.Context())
	traceID := trace.SpanContextFromContext(ctx).TraceID().String()

	go func() {
		res := flow(ctx, func(s models.Session) {
			select {
			case sessions <- s:
			default:
			}
		})
		h.logger.Info("Payment attempt finished",
			zap.String("order_id", res.OrderID),
			zap.Bool("success", res.Success),
			zap.String("status", string(res.Status)),
			zap.String("error_type", string(res.ErrorType)),
			zap.String("trace_id", traceID),
		)
		results <- res
	}()

	select {
	case sess := <-sessions:
		c.JSON(http.StatusAccepted, gin.H{"session": sess, "status": models.StatusPending})
	case res := <-results:
		select {
		case sess := <-sessions:
			c.JSON(http.StatusOK, gin.H{"session": sess, "result": res})
			return
		default:
		}
		status := http.StatusOK
		if !res.Success && res.ErrorType != "" {
			status = apperr.HTTPStatus(res.ErrorType)
		}
		c.JSON(status, gin.H{"result": res})
	case <-c.Request.Context().Done():
		c.Status(http.StatusRequestTimeout)
	}
}

// SDKResult takes the checkout outcome reported by the app. If an attempt is
// waiting it receives the outcome; otherwise the outcome is applied here.
func (h *PaymentHandler) SDKResult(c *gin.Context) {
	orderID := c.Param("orderId")
	var req sdkResultRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Outcome.Valid() {
		respondError(c, apperr.Validation("outcome must be one of completed, cancelled, failed"))
		return
	}
	outcome := models.SDKOutcome{Kind: req.Outcome, Message: req.Message}

	if h.hub.Report(orderID, outcome) {
		c.JSON(http.StatusAccepted, gin.H{"order_id": orderID, "delivered": true})
		return
	}

	ctx := c.Request.Context()
	if outcome.Kind == models.SDKCancelled {
		rec, err := h.reconciler.MarkIncomplete(ctx, orderID, req.Message)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
		return
	}
	h.verify(c, orderID)
}

func (h *PaymentHandler) Verify(c *gin.Context) {
	h.verify(c, c.Param("orderId"))
}

func (h *PaymentHandler) verify(c *gin.Context, orderID string) {
	ctx := c.Request.Context()
	res, err := h.reconciler.Verify(ctx, orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	rec, err := h.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		respondError(c, apperr.Internal("failed to load payment record", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": res, "record": rec})
}

func (h *PaymentHandler) AdminDecision(c *gin.Context) {
	orderID := c.Param("orderId")
	var req adminDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("approve must be set"))
		return
	}

	rec, err := h.orchestrator.ApplyAdminDecision(c.Request.Context(), orderID, *req.Approve, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	h.logger.Info("Administrative decision applied",
		zap.String("order_id", orderID),
		zap.Bool("approve", *req.Approve),
	)
	c.JSON(http.StatusOK, rec)
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	rec, err := h.repo.GetByOrderID(c.Request.Context(), c.Param("orderId"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch payment"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// respondError writes the user-facing message and kind of err.
func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if kind == apperr.KindValidation && errors.Is(err, repository.ErrNotFound) {
		status = http.StatusNotFound
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": apperr.Message(err), "error_type": kind})
}
