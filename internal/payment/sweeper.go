package payment

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
	"github.com/akylbek/payment-system/payment-reconciler/internal/config"
	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

type SweepReport struct {
	Checked       int `json:"checked"`
	Resolved      int `json:"resolved"`
	Failed        int `json:"failed"`
	WalletSettled int `json:"wallet_settled"`
}

// Sweeper settles what the live flows left open: records nobody heard back
// about, and combined payments approved after their caller had gone. Each
// record it asks about without a decision is stamped checked, so the next batch
// moves on to records asked about longer ago.
type Sweeper struct {
	repo       interfaces.PaymentRepository
	reconciler *Reconciler
	combined   *CombinedCoordinator
	cfg        config.Sweep
	logger     *zap.Logger
	now        func() time.Time
}

func NewSweeper(d Deps, cfg config.Sweep, reconciler *Reconciler, combined *CombinedCoordinator) *Sweeper {
	d = d.withDefaults()
	return &Sweeper{
		repo:       d.Repo,
		reconciler: reconciler,
		combined:   combined,
		cfg:        cfg,
		logger:     d.Logger,
		now:        d.Now,
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	stale, err := s.repo.Query(ctx, interfaces.RecordFilter{
		Statuses:   []models.PaymentStatus{models.StatusPending, models.StatusIncomplete},
		Methods:    models.GatewayMethods(),
		IdleBefore: s.now().Add(-s.cfg.StaleAfter),
		Limit:      s.cfg.BatchSize,
	})
	if err != nil {
		return report, apperr.Internal("failed to query stale records", err)
	}

	for _, rec := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		res, err := s.reconciler.Verify(ctx, rec.GatewayOrderID)
		switch {
		case err != nil:
			report.Failed++
			telemetry.SweepRecords.WithLabelValues("failed").Inc()
			s.logger.Warn("Sweep could not verify record",
				zap.String("order_id", rec.GatewayOrderID),
				zap.Error(err),
			)
			s.markChecked(ctx, rec)
		case isDecisive(res):
			report.Resolved++
			telemetry.SweepRecords.WithLabelValues("resolved").Inc()
		default:
			telemetry.SweepRecords.WithLabelValues("still_open").Inc()
			s.markChecked(ctx, rec)
		}
	}

	if s.combined != nil {
		owing, err := s.repo.Query(ctx, interfaces.RecordFilter{
			Statuses:      []models.PaymentStatus{models.StatusApproved},
			Method:        models.MethodCombined,
			WalletPending: true,
			Limit:         s.cfg.BatchSize,
		})
		if err != nil {
			return report, apperr.Internal("failed to query unsettled combined records", err)
		}
		for _, rec := range owing {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if _, err := s.combined.SettleWallet(ctx, rec); err != nil {
				report.Failed++
				continue
			}
			report.WalletSettled++
		}
	}

	return report, nil
}

func (s *Sweeper) markChecked(ctx context.Context, rec models.PaymentRecord) {
	if err := s.repo.MarkChecked(ctx, rec.ID, s.now()); err != nil {
		s.logger.Warn("Failed to record sweep check",
			zap.String("order_id", rec.GatewayOrderID),
			zap.Error(err),
		)
	}
}

func isDecisive(res models.VerificationResult) bool {
	_, ok := res.PaymentStatus.Target()
	return ok
}

// Run sweeps every cfg.Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Recovery sweep started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("stale_after", s.cfg.StaleAfter),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Recovery sweep stopped")
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("Recovery sweep failed", zap.Error(err))
				continue
			}
			if report.Checked > 0 || report.WalletSettled > 0 || report.Failed > 0 {
				s.logger.Info("Recovery sweep finished",
					zap.Int("checked", report.Checked),
					zap.Int("resolved", report.Resolved),
					zap.Int("failed", report.Failed),
					zap.Int("wallet_settled", report.WalletSettled),
				)
			}
		}
	}
}
