package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/payment-reconciliation/common/errors"
	"github.com/kyungseok/payment-reconciliation/common/retry"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/domain"
	"github.com/kyungseok/payment-reconciliation/services/payment/internal/metrics"
)

const userIDHeader = "X-USER-ID"

// Config PG 클라이언트 설정
type Config struct {
	BaseURL        string
	UserID         string
	CallbackURL    string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Retry          retry.Config
}

// Client PG HTTP 클라이언트
type Client struct {
	cfg     Config
	http    *http.Client
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewClient PG 클라이언트 생성
// 조회 재시도는 PG_UNAVAILABLE일 때만 수행한다.
func NewClient(cfg Config, m *metrics.Metrics, logger *zap.Logger) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Config{
			MaxAttempts:        3,
			InitialInterval:    200 * time.Millisecond,
			MaxInterval:        2 * time.Second,
			BackoffCoefficient: 2.0,
		}
	}
	cfg.Retry.ShouldRetry = func(err error) bool {
		return errors.Is(err, errors.ErrCodePgUnavailable)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		metrics: m,
		logger:  logger,
	}
}

type paymentRequest struct {
	OrderID     string `json:"orderId"`
	CardType    string `json:"cardType"`
	CardNo      string `json:"cardNo"`
	Amount      int64  `json:"amount"`
	CallbackURL string `json:"callbackUrl"`
}

type envelope[T any] struct {
	Meta struct {
		Result    string `json:"result"`
		ErrorCode string `json:"errorCode,omitempty"`
		Message   string `json:"message,omitempty"`
	} `json:"meta"`
	Data T `json:"data"`
}

type transactionResponse struct {
	TransactionKey string `json:"transactionKey"`
	OrderID        string `json:"orderId"`
	CardType       string `json:"cardType"`
	CardNo         string `json:"cardNo"`
	Amount         int64  `json:"amount"`
	Status         string `json:"status"`
	Reason         string `json:"reason"`
}

type orderResponse struct {
	OrderID      string                `json:"orderId"`
	Transactions []transactionResponse `json:"transactions"`
}

// RequestPayment 결제 요청
// 응답 없이 끊긴 요청은 PG에서 거래가 생성됐을 수 있으므로 Uncertain, 확실한 거절만 NotReached로 본다.
func (c *Client) RequestPayment(ctx context.Context, amount domain.Money, card domain.CardInfo, orderID int64) domain.PgCreateResult {
	result := c.requestPayment(ctx, amount, card, orderID)
	c.metrics.PgRequests.WithLabelValues(resultLabel(result)).Inc()

	c.logger.Info("PG payment requested",
		zap.Int64("orderId", orderID),
		zap.Int64("amount", amount.Int64()),
		zap.Stringer("result", result))
	return result
}

func (c *Client) requestPayment(ctx context.Context, amount domain.Money, card domain.CardInfo, orderID int64) domain.PgCreateResult {
	body, err := json.Marshal(paymentRequest{
		OrderID:     strconv.FormatInt(orderID, 10),
		CardType:    string(card.Type()),
		CardNo:      card.Number(),
		Amount:      amount.Int64(),
		CallbackURL: c.cfg.CallbackURL,
	})
	if err != nil {
		return domain.PgNotReached{Cause: errors.Wrap(errors.ErrCodeSerializationError, "failed to marshal payment request", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/payments", bytes.NewReader(body))
	if err != nil {
		return domain.PgNotReached{Cause: errors.Wrap(errors.ErrCodeValidation, "failed to build payment request", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userIDHeader, c.cfg.UserID)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return domain.PgUncertain{Cause: statusError(errors.ErrCodePgUnavailable, resp)}
	case resp.StatusCode >= http.StatusBadRequest:
		return domain.PgNotReached{Cause: statusError(errors.ErrCodeValidation, resp)}
	}

	var decoded envelope[transactionResponse]
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return domain.PgUncertain{Cause: errors.Wrap(errors.ErrCodeSerializationError, "failed to decode payment response", err)}
	}
	if decoded.Data.TransactionKey == "" {
		return domain.PgUncertain{Cause: errors.New(errors.ErrCodePgUnavailable, "PG accepted request without transaction key")}
	}

	return domain.PgAccepted{TransactionKey: decoded.Data.TransactionKey}
}

// classifyTransportError 연결 자체가 맺어지지 않은 경우만 NotReached
func classifyTransportError(err error) domain.PgCreateResult {
	var opErr *net.OpError
	if stderrors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout() {
		return domain.PgNotReached{Cause: errors.Wrap(errors.ErrCodeNetworkError, "PG connection refused", err)}
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return domain.PgUncertain{Cause: errors.Wrap(errors.ErrCodeTimeoutError, "PG request timed out", err)}
	}
	return domain.PgUncertain{Cause: errors.Wrap(errors.ErrCodeNetworkError, "PG request failed", err)}
}

// FindTransaction 거래 키로 PG 거래 조회
func (c *Client) FindTransaction(ctx context.Context, transactionKey string) (*domain.PgTransaction, error) {
	path := "/api/v1/payments/" + url.PathEscape(transactionKey)

	tx, err := retry.DoWithResult(ctx, c.cfg.Retry, c.logger, func() (*domain.PgTransaction, error) {
		var decoded envelope[transactionResponse]
		if err := c.get(ctx, path, &decoded); err != nil {
			return nil, err
		}
		return toPgTransaction(decoded.Data)
	})
	c.metrics.PgLookups.WithLabelValues(lookupLabel(err)).Inc()
	return tx, err
}

// FindTransactionsByOrder 주문 번호로 PG 거래 목록 조회
// 거래가 하나도 없으면 빈 목록을 반환한다.
func (c *Client) FindTransactionsByOrder(ctx context.Context, orderID int64) ([]domain.PgTransaction, error) {
	query := url.Values{"orderId": []string{strconv.FormatInt(orderID, 10)}}
	path := "/api/v1/payments?" + query.Encode()

	transactions, err := retry.DoWithResult(ctx, c.cfg.Retry, c.logger, func() ([]domain.PgTransaction, error) {
		var decoded envelope[orderResponse]
		if err := c.get(ctx, path, &decoded); err != nil {
			if errors.Is(err, errors.ErrCodePgTransactionNotFound) {
				return nil, nil
			}
			return nil, err
		}

		transactions := make([]domain.PgTransaction, 0, len(decoded.Data.Transactions))
		for _, raw := range decoded.Data.Transactions {
			if raw.OrderID == "" {
				raw.OrderID = decoded.Data.OrderID
			}
			tx, err := toPgTransaction(raw)
			if err != nil {
				return nil, err
			}
			transactions = append(transactions, *tx)
		}
		return transactions, nil
	})
	c.metrics.PgLookups.WithLabelValues(lookupLabel(err)).Inc()
	return transactions, err
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return errors.Wrap(errors.ErrCodeValidation, "failed to build PG request", err)
	}
	req.Header.Set(userIDHeader, c.cfg.UserID)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrCodePgUnavailable, "PG lookup failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return statusError(errors.ErrCodePgTransactionNotFound, resp)
	case resp.StatusCode >= http.StatusInternalServerError:
		return statusError(errors.ErrCodePgUnavailable, resp)
	case resp.StatusCode >= http.StatusBadRequest:
		return statusError(errors.ErrCodeValidation, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(errors.ErrCodeSerializationError, "failed to decode PG response", err)
	}
	return nil
}

func toPgTransaction(raw transactionResponse) (*domain.PgTransaction, error) {
	status := domain.PgStatus(raw.Status)
	switch status {
	case domain.PgStatusPending, domain.PgStatusSuccess, domain.PgStatusFailed:
	default:
		return nil, errors.Newf(errors.ErrCodeSerializationError, "unknown PG status: %q", raw.Status)
	}

	var orderID int64
	if raw.OrderID != "" {
		parsed, err := strconv.ParseInt(raw.OrderID, 10, 64)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeSerializationError, "invalid PG order id", err)
		}
		orderID = parsed
	}

	return &domain.PgTransaction{
		TransactionKey: raw.TransactionKey,
		OrderID:        orderID,
		CardType:       domain.CardType(raw.CardType),
		CardNo:         raw.CardNo,
		Amount:         domain.Money(raw.Amount),
		Status:         status,
		FailureReason:  raw.Reason,
	}, nil
}

func statusError(code errors.ErrorCode, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return errors.New(code, fmt.Sprintf("PG responded %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
}

func resultLabel(result domain.PgCreateResult) string {
	switch result.(type) {
	case domain.PgAccepted:
		return "accepted"
	case domain.PgUncertain:
		return "uncertain"
	case domain.PgNotReached:
		return "not_reached"
	case domain.PgNotRequired:
		return "not_required"
	default:
		return "unknown"
	}
}

func lookupLabel(err error) string {
	switch {
	case err == nil:
		return "found"
	case errors.Is(err, errors.ErrCodePgTransactionNotFound):
		return "not_found"
	default:
		return "error"
	}
}
