package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kyungseok/payment-reconciliation/common/errors"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/domain"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/metrics"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/repository"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/service"
)

const (
	userIDHeader           = "X-USER-ID"
	defaultEscalationLimit = 50
)

// CallbackProcessor PG 콜백 처리기
type CallbackProcessor interface {
	HandleCallback(ctx context.Context, cmd service.CallbackCommand) (service.Outcome, error)
}

// Payer 주문 결제 수행
type Payer interface {
	Pay(ctx context.Context, cmd service.PayCommand) (*domain.Payment, error)
}

// PaymentReader 결제 조회
type PaymentReader interface {
	GetPayment(ctx context.Context, paymentID int64) (*domain.Payment, error)
}

// EscalationReader 수동 처리 대상 조회
type EscalationReader interface {
	FindOpen(ctx context.Context, limit int) ([]*repository.Escalation, error)
}

// HTTPHandler HTTP 핸들러
type HTTPHandler struct {
	payer       Payer
	payments    PaymentReader
	callbacks   CallbackProcessor
	escalations EscalationReader
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewHTTPHandler HTTP 핸들러 생성
func NewHTTPHandler(
	payer Payer,
	payments PaymentReader,
	callbacks CallbackProcessor,
	escalations EscalationReader,
	m *metrics.Metrics,
	logger *zap.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		payer:       payer,
		payments:    payments,
		callbacks:   callbacks,
		escalations: escalations,
		metrics:     m,
		logger:      logger,
	}
}

// PayRequest 결제 요청
type PayRequest struct {
	OrderID   int64  `json:"orderId" binding:"required,gt=0"`
	UsedPoint int64  `json:"usedPoint" binding:"gte=0"`
	CardType  string `json:"cardType"`
	CardNo    string `json:"cardNo"`
}

// PaymentResponse 결제 응답
type PaymentResponse struct {
	PaymentID      int64  `json:"paymentId"`
	TransactionKey string `json:"transactionKey"`
	OrderID        int64  `json:"orderId"`
	Status         string `json:"status"`
	CardType       string `json:"cardType,omitempty"`
	MaskedCardNo   string `json:"maskedCardNo,omitempty"`
	TotalAmount    int64  `json:"totalAmount"`
	UsedPoint      int64  `json:"usedPoint"`
	CouponDiscount int64  `json:"couponDiscount"`
	PaidAmount     int64  `json:"paidAmount"`
	Reason         string `json:"reason,omitempty"`
}

// CallbackRequest PG 콜백 요청
// PG 원본 형태(transactionKey, status, reason)와 축약 형태(orderId, externalPaymentKey)를 모두 받는다.
// orderId는 PG가 문자열로 보내므로 숫자와 문자열을 모두 허용한다.
type CallbackRequest struct {
	TransactionKey     string      `json:"transactionKey"`
	OrderID            json.Number `json:"orderId"`
	ExternalPaymentKey string      `json:"externalPaymentKey"`
	Status             string      `json:"status"`
	Reason             string      `json:"reason"`
}

// CallbackResponse 콜백 응답
type CallbackResponse struct {
	Outcome string `json:"outcome"`
}

// ErrorResponse 에러 응답
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// EscalationResponse 수동 처리 대상
type EscalationResponse struct {
	PaymentID          int64  `json:"paymentId"`
	OrderID            int64  `json:"orderId"`
	ExternalPaymentKey string `json:"externalPaymentKey"`
	Amount             int64  `json:"amount"`
	Reason             string `json:"reason"`
	CreatedAt          string `json:"createdAt"`
}

// RegisterRoutes 라우트 등록
func (h *HTTPHandler) RegisterRoutes(router gin.IRouter, gatherer prometheus.Gatherer) {
	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	payments := router.Group("/api/v1/payments")
	payments.POST("", h.Pay)
	payments.GET("/:paymentId", h.GetPayment)
	payments.POST("/callback", h.Callback)
	payments.GET("/escalations", h.ListEscalations)
}

// Pay 주문 결제 API
// PG 결과가 불확실하면 PENDING 상태로 응답하고 이후 콜백이나 스케줄러가 종결한다.
func (h *HTTPHandler) Pay(c *gin.Context) {
	userID, err := strconv.ParseInt(c.GetHeader(userIDHeader), 10, 64)
	if err != nil || userID <= 0 {
		h.respondError(c, http.StatusBadRequest, "X-USER-ID header is required", string(errors.ErrCodeValidation))
		return
	}

	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid request body", string(errors.ErrCodeValidation))
		return
	}

	var card domain.CardInfo
	if req.CardType != "" || req.CardNo != "" {
		card, err = domain.NewCardInfo(domain.CardType(req.CardType), req.CardNo)
		if err != nil {
			h.respondError(c, http.StatusBadRequest, err.Error(), string(errors.CodeOf(err)))
			return
		}
	}

	payment, err := h.payer.Pay(c.Request.Context(), service.PayCommand{
		UserID:    userID,
		OrderID:   req.OrderID,
		UsedPoint: domain.Money(req.UsedPoint),
		Card:      card,
	})
	if err != nil {
		status := statusOf(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("failed to pay order", zap.Int64("orderId", req.OrderID), zap.Error(err))
		}
		h.respondError(c, status, err.Error(), string(errors.CodeOf(err)))
		return
	}

	c.JSON(http.StatusCreated, toPaymentResponse(payment))
}

// GetPayment 결제 조회 API
func (h *HTTPHandler) GetPayment(c *gin.Context) {
	paymentID, err := strconv.ParseInt(c.Param("paymentId"), 10, 64)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid payment ID", string(errors.ErrCodeValidation))
		return
	}

	payment, err := h.payments.GetPayment(c.Request.Context(), paymentID)
	if err != nil {
		h.respondError(c, statusOf(err), err.Error(), string(errors.CodeOf(err)))
		return
	}

	c.JSON(http.StatusOK, toPaymentResponse(payment))
}

// Callback PG 콜백 API
// 이미 처리된 결제, PG 확인 보류, PG 기록 없음도 200으로 응답해 PG의 재전송을 멈춘다.
func (h *HTTPHandler) Callback(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.CallbacksTotal.WithLabelValues("invalid").Inc()
		h.respondError(c, http.StatusBadRequest, "invalid request body", string(errors.ErrCodeValidation))
		return
	}

	cmd, err := req.toCommand()
	if err != nil {
		h.metrics.CallbacksTotal.WithLabelValues("invalid").Inc()
		h.respondError(c, http.StatusBadRequest, err.Error(), string(errors.ErrCodeValidation))
		return
	}

	outcome, err := h.callbacks.HandleCallback(c.Request.Context(), cmd)
	if err != nil {
		status := statusOf(err)
		h.metrics.CallbacksTotal.WithLabelValues(errorLabel(status)).Inc()
		if status == http.StatusInternalServerError {
			h.logger.Error("failed to handle PG callback",
				zap.String("key", cmd.Key()),
				zap.Error(err))
		}
		h.respondError(c, status, err.Error(), string(errors.CodeOf(err)))
		return
	}

	h.metrics.CallbacksTotal.WithLabelValues(outcome.String()).Inc()
	c.JSON(http.StatusOK, CallbackResponse{Outcome: outcome.String()})
}

// ListEscalations 미해결 수동 처리 대상 조회 API
func (h *HTTPHandler) ListEscalations(c *gin.Context) {
	limit := defaultEscalationLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.respondError(c, http.StatusBadRequest, "invalid limit", string(errors.ErrCodeValidation))
			return
		}
		limit = parsed
	}

	escalations, err := h.escalations.FindOpen(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to find escalations", zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, err.Error(), string(errors.CodeOf(err)))
		return
	}

	resp := make([]EscalationResponse, 0, len(escalations))
	for _, e := range escalations {
		resp = append(resp, EscalationResponse{
			PaymentID:          e.PaymentID,
			OrderID:            e.OrderID,
			ExternalPaymentKey: e.ExternalPaymentKey,
			Amount:             e.Amount,
			Reason:             e.Reason,
			CreatedAt:          e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, resp)
}

// HealthCheck 헬스 체크 API
func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *HTTPHandler) respondError(c *gin.Context, status int, message string, code string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func (r CallbackRequest) toCommand() (service.CallbackCommand, error) {
	cmd := service.CallbackCommand{
		TransactionKey:     r.TransactionKey,
		ExternalPaymentKey: r.ExternalPaymentKey,
		Reason:             r.Reason,
	}
	if cmd.Key() == "" {
		return cmd, errors.New(errors.ErrCodeValidation, "transactionKey 또는 externalPaymentKey가 필요합니다")
	}

	if r.OrderID != "" {
		orderID, err := strconv.ParseInt(r.OrderID.String(), 10, 64)
		if err != nil || orderID <= 0 {
			return cmd, errors.Newf(errors.ErrCodeValidation, "잘못된 주문 번호: %s", r.OrderID)
		}
		cmd.OrderID = orderID
	}

	status, err := parseStatus(r.Status)
	if err != nil {
		return cmd, err
	}
	cmd.Status = status
	return cmd, nil
}

// parseStatus 빈 상태는 허용 (축약 형태 콜백)
func parseStatus(raw string) (domain.PgStatus, error) {
	switch status := domain.PgStatus(raw); status {
	case "", domain.PgStatusPending, domain.PgStatusSuccess, domain.PgStatusFailed:
		return status, nil
	default:
		return "", errors.Newf(errors.ErrCodeValidation, "알 수 없는 PG 상태: %q", raw)
	}
}

func toPaymentResponse(p *domain.Payment) PaymentResponse {
	card := p.Card()
	return PaymentResponse{
		PaymentID:      p.ID,
		TransactionKey: p.TransactionKey,
		OrderID:        p.OrderID,
		Status:         string(p.Status),
		CardType:       string(card.Type()),
		MaskedCardNo:   card.Masked(),
		TotalAmount:    p.TotalAmount.Int64(),
		UsedPoint:      p.UsedPoint.Int64(),
		CouponDiscount: p.CouponDiscount.Int64(),
		PaidAmount:     p.PaidAmount.Int64(),
		Reason:         p.Reason,
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errors.ErrCodeValidation), errors.Is(err, errors.ErrCodeInsufficientPoint):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrCodeInvalidState), errors.Is(err, errors.ErrCodeOrderStateConflict):
		return http.StatusConflict
	case errors.Is(err, errors.ErrCodePaymentNotFound), errors.Is(err, errors.ErrCodeOrderNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func errorLabel(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusNotFound:
		return "payment_not_found"
	case http.StatusConflict:
		return "conflict"
	default:
		return "error"
	}
}
