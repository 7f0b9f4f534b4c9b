// Package scheduler запускает периодические сметающие задания расчётного цикла.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SweepService описывает контракт сметающих операций, используемый планировщиком.
type SweepService interface {
	AdvanceConfirmedBookings(ctx context.Context) (int64, error)
	ExpirePendingPayments(ctx context.Context) (int64, error)
}

// Scheduler периодически запускает сметающие задания. Оба задания идемпотентны,
// поэтому наложение запусков друг на друга и на HTTP-триггеры безопасно.
type Scheduler struct {
	svc    SweepService
	logger *zap.Logger
	cron   *cron.Cron
}

// NewScheduler создаёт планировщик сметающих заданий.
func NewScheduler(svc SweepService, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		svc:    svc,
		logger: logger,
		cron:   cron.New(),
	}
}

// Run регистрирует задания, запускает планировщик и блокируется до отмены контекста.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc("* * * * *", s.advanceConfirmed); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("* * * * *", s.expirePayments); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("settlement scheduler started")

	<-ctx.Done()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("settlement scheduler stopped")

	return nil
}

func (s *Scheduler) advanceConfirmed() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := s.svc.AdvanceConfirmedBookings(ctx)
	if err != nil {
		s.logger.Error("advance confirmed bookings sweep failed", zap.Error(err))
		return
	}
	if count > 0 {
		s.logger.Info("advanced confirmed bookings", zap.Int64("count", count))
	}
}

func (s *Scheduler) expirePayments() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := s.svc.ExpirePendingPayments(ctx)
	if err != nil {
		s.logger.Error("expire pending payments sweep failed", zap.Error(err))
		return
	}
	if count > 0 {
		s.logger.Info("expired pending payments", zap.Int64("count", count))
	}
}
