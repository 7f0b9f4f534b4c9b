package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type stubSweep struct {
	advanceCalls atomic.Int64
	advanceErr   error

	expireCalls atomic.Int64
	expireErr   error
}

func (s *stubSweep) AdvanceConfirmedBookings(ctx context.Context) (int64, error) {
	s.advanceCalls.Add(1)
	return 1, s.advanceErr
}

func (s *stubSweep) ExpirePendingPayments(ctx context.Context) (int64, error) {
	s.expireCalls.Add(1)
	return 1, s.expireErr
}

func TestScheduler_JobsInvokeService(t *testing.T) {
	svc := &stubSweep{}
	sched := NewScheduler(svc, zap.NewNop())

	sched.advanceConfirmed()
	sched.expirePayments()

	if got := svc.advanceCalls.Load(); got != 1 {
		t.Fatalf("advance calls = %d, want 1", got)
	}
	if got := svc.expireCalls.Load(); got != 1 {
		t.Fatalf("expire calls = %d, want 1", got)
	}
}

func TestScheduler_JobsSwallowErrors(t *testing.T) {
	svc := &stubSweep{
		advanceErr: errors.New("db down"),
		expireErr:  errors.New("db down"),
	}
	sched := NewScheduler(svc, zap.NewNop())

	// Ошибки заданий логируются и не должны паниковать.
	sched.advanceConfirmed()
	sched.expirePayments()
}

func TestScheduler_RunStopsOnContextCancel(t *testing.T) {
	svc := &stubSweep{}
	sched := NewScheduler(svc, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- sched.Run(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduler did not stop after context cancel")
	}
}
