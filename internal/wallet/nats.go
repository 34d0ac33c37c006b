package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
	"github.com/akylbek/payment-system/payment-reconciler/internal/retry"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

// requester is satisfied by *nats.Conn.
type requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Client reaches the wallet service over NATS request/reply on
// <prefix>.balance and <prefix>.debit.
type Client struct {
	conn    requester
	prefix  string
	timeout time.Duration
	policy  retry.Policy
	logger  *zap.Logger
}

var _ Service = (*Client)(nil)

func NewClient(conn *nats.Conn, prefix string, policy retry.Policy, logger *zap.Logger) *Client {
	return &Client{
		conn:    conn,
		prefix:  prefix,
		timeout: 5 * time.Second,
		policy:  policy,
		logger:  logger,
	}
}

func (c *Client) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var resp balanceResponse
	if err := c.call(ctx, "balance", balanceRequest{UserID: userID}, &resp); err != nil {
		return decimal.Zero, err
	}
	if err := remoteError(resp.Code, resp.Error); err != nil {
		return decimal.Zero, err
	}
	return resp.Balance, nil
}

func (c *Client) Debit(ctx context.Context, userID string, amount decimal.Decimal, idempotencyKey string) (decimal.Decimal, error) {
	var resp debitResponse
	req := debitRequest{UserID: userID, Amount: amount, IdempotencyKey: idempotencyKey}
	if err := c.call(ctx, "debit", req, &resp); err != nil {
		return decimal.Zero, err
	}
	if err := remoteError(resp.Code, resp.Error); err != nil {
		return decimal.Zero, err
	}
	c.logger.Info("Wallet debited",
		zap.String("user_id", userID),
		zap.String("amount", amount.String()),
		zap.String("idempotency_key", idempotencyKey),
		zap.Bool("applied", resp.Applied),
	)
	return resp.Balance, nil
}

func (c *Client) call(ctx context.Context, op string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return apperr.Internal("failed to encode wallet request", err)
	}
	subject := c.prefix + "." + op

	policy := c.policy.WithNotify(func(err error, attempt int, delay time.Duration) {
		telemetry.RetryAttempts.WithLabelValues("wallet_" + op).Inc()
		c.logger.Warn("Wallet request failed, retrying",
			zap.String("subject", subject),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	})

	return policy.Do(ctx, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		msg, err := c.conn.RequestWithContext(reqCtx, subject, payload)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			return apperr.Network("wallet service unreachable", err)
		}
		if err := json.Unmarshal(msg.Data, resp); err != nil {
			return apperr.Internal("unreadable wallet response", err)
		}
		return nil
	})
}

func remoteError(code, msg string) error {
	switch code {
	case "":
		return nil
	case codeInsufficientBalance:
		return apperr.New(apperr.KindInsufficientBalance, "insufficient wallet balance")
	case codeInvalidRequest:
		return apperr.Validation("wallet rejected request: %s", msg)
	default:
		return apperr.Internal("wallet service error", errors.New(msg))
	}
}
