// Package payout turns a confirmed win into at most one successful external
// transfer per payment id.
package payout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/shopspring/decimal"
	"github.com/vreid/prisoners/internal/pkg/apperr"
	"github.com/vreid/prisoners/internal/pkg/common"
	"go.uber.org/zap"
)

type PayoutService struct {
	Transferer Transferer
	Currency   string
	Logger     *zap.Logger

	// FundsSink receives the new funds state whenever it changes.
	FundsSink chan<- bool

	instanceID string

	mu       sync.Mutex
	statuses map[string]Status
	depleted bool
}

func NewPayoutService(i do.Injector) (*PayoutService, error) {
	result := New(
		do.MustInvoke[Transferer](i),
		do.MustInvokeNamed[string](i, "payout-currency"),
		do.MustInvoke[*zap.Logger](i),
	)
	result.FundsSink = do.MustInvokeNamed[chan<- bool](i, "funds-sink")

	adminToken := do.MustInvokeNamed[string](i, "admin-token")

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(func(e *echo.Echo) {
		adminGroup := e.Group("/api/admin")

		adminGroup.POST("/funds/restore", result.PostRestoreFunds, AdminAuth(adminToken))
	})

	return result, nil
}

func New(transferer Transferer, currency string, logger *zap.Logger) *PayoutService {
	return &PayoutService{
		Transferer: transferer,
		Currency:   currency,
		Logger:     logger,
		instanceID: uuid.NewString(),
		statuses:   map[string]Status{},
	}
}

// Payout pays amount to email once per paymentID. It returns false when the
// payment is already paid or in flight, or when the transfer failed for a
// reason other than exhausted funds; failed payments may be retried.
// Exhausted funds raise the process-wide signal and a fatal error.
func (s *PayoutService) Payout(ctx context.Context, paymentID string, amount decimal.Decimal, email string) (bool, error) {
	s.mu.Lock()

	if status, ok := s.statuses[paymentID]; ok && status != StatusError {
		s.mu.Unlock()
		common.PayoutsTotal.WithLabelValues("duplicate").Inc()

		return false, nil
	}

	if s.depleted {
		s.mu.Unlock()
		common.PayoutsTotal.WithLabelValues("blocked").Inc()

		return false, apperr.ErrInsufficientFunds
	}

	// the guard must be in place before the transfer starts
	s.statuses[paymentID] = StatusPaying
	s.mu.Unlock()

	logger := s.Logger.With(zap.String("payment_id", paymentID))
	logger.Info("paying", zap.String("amount", amount.StringFixed(2)), zap.String("currency", s.Currency))

	err := s.Transferer.RequestTransfer(ctx, s.instanceID+":"+paymentID, amount, s.Currency, email)
	if err == nil {
		s.setStatus(paymentID, StatusPaid)
		common.PayoutsTotal.WithLabelValues("paid").Inc()
		logger.Info("paid")

		return true, nil
	}

	s.setStatus(paymentID, StatusError)
	logger.Warn("payout failed", zap.Error(err))

	if errors.Is(err, ErrInsufficientFunds) {
		common.PayoutsTotal.WithLabelValues("insufficient_funds").Inc()
		s.setDepleted(true)

		return false, apperr.ErrInsufficientFunds
	}

	common.PayoutsTotal.WithLabelValues("failed").Inc()

	return false, nil
}

func (s *PayoutService) Status(paymentID string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.statuses[paymentID]

	return status, ok
}

func (s *PayoutService) HasFunds() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.depleted
}

// RestoreFunds clears the funds-depleted signal once the account was topped up.
func (s *PayoutService) RestoreFunds() {
	s.setDepleted(false)
}

func (s *PayoutService) PostRestoreFunds(c echo.Context) error {
	s.RestoreFunds()
	s.Logger.Info("funds restored")

	//nolint:wrapcheck
	return c.NoContent(http.StatusNoContent)
}

func (s *PayoutService) setStatus(paymentID string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses[paymentID] = status
}

func (s *PayoutService) setDepleted(depleted bool) {
	s.mu.Lock()
	changed := s.depleted != depleted
	s.depleted = depleted
	s.mu.Unlock()

	if !changed || s.FundsSink == nil {
		return
	}

	select {
	case s.FundsSink <- !depleted:
	default:
		s.Logger.Warn("dropped funds update, sink is full")
	}
}

// AdminAuth rejects requests without the admin bearer token. An empty token
// disables the admin routes.
func AdminAuth(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" || c.Request().Header.Get(echo.HeaderAuthorization) != "Bearer "+token {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin token")
			}

			return next(c)
		}
	}
}
