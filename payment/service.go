package payment

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"contractflow/db"
	"contractflow/fault"
	"contractflow/notify"
	"contractflow/telemetry"
)

// OutboxWriter appends one notification event inside the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, contractID string, kind notify.EventKind, humanText string, payload map[string]any) error
}

// Scheduler is the settlement delay queue.
type Scheduler interface {
	Schedule(ctx context.Context, paymentID string, dueAt time.Time) error
	Cancel(ctx context.Context, paymentID string) error
}

// Service models phased escrow capture and release. Settlement is asynchronous:
// RequestRelease moves the payment to processing and schedules a settlement
// after a bounded random delay; Settle finishes it when the worker picks it up.
type Service struct {
	pool   db.TxBeginner
	repo   Repository
	sched  Scheduler
	outbox OutboxWriter
	logger *zap.Logger

	now     func() time.Time
	delayFn func() time.Duration
	failFn  func() bool
}

func NewService(pool db.TxBeginner, repo Repository, sched Scheduler, outbox OutboxWriter, logger *zap.Logger, delayMin, delayMax time.Duration, failureRate float64) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if delayMin <= 0 {
		delayMin = 2 * time.Second
	}
	if delayMax < delayMin {
		delayMax = delayMin
	}
	return &Service{
		pool:   pool,
		repo:   repo,
		sched:  sched,
		outbox: outbox,
		logger: logger,
		now:    time.Now,
		delayFn: func() time.Duration {
			if delayMax == delayMin {
				return delayMin
			}
			return delayMin + time.Duration(rand.Int63n(int64(delayMax-delayMin)))
		},
		failFn: func() bool { return rand.Float64() < failureRate },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithDelayFn overrides the settlement delay source.
func (s *Service) WithDelayFn(fn func() time.Duration) *Service {
	s.delayFn = fn
	return s
}

// WithFailFn overrides the simulated rail failure source.
func (s *Service) WithFailFn(fn func() bool) *Service {
	s.failFn = fn
	return s
}

type ReleaseParams struct {
	MilestoneID     string
	ActorID         string
	ExpectedVersion int
}

// RequestRelease starts settlement for the payment backing an approved
// milestone. Valid only while the payment is still pending in escrow.
func (s *Service) RequestRelease(ctx context.Context, params ReleaseParams) (Payment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ms, err := s.repo.MilestoneTx(ctx, tx, params.MilestoneID)
	if err != nil {
		return Payment{}, err
	}

	c, err := s.repo.ContractForUpdateTx(ctx, tx, ms.ContractID)
	if err != nil {
		return Payment{}, err
	}
	if c.Status != contractStatusActive {
		return Payment{}, fmt.Errorf("payment: contract %s is %s: %w", c.ID, c.Status, fault.ErrInvalidContractState)
	}
	if params.ActorID != c.ClientID {
		return Payment{}, fmt.Errorf("payment: caller is not the contract client: %w", fault.ErrPermissionDenied)
	}
	if ms.Status != "completed" || ms.ApprovedAt == nil {
		return Payment{}, fmt.Errorf("payment: milestone %s is not approved: %w", ms.ID, fault.ErrInvalidTransition)
	}

	p, err := s.repo.GetByMilestoneTx(ctx, tx, params.MilestoneID)
	if err != nil {
		return Payment{}, err
	}
	if params.ExpectedVersion != 0 && p.Version != params.ExpectedVersion {
		return Payment{}, fmt.Errorf("payment: %s version %d, expected %d: %w", p.ID, p.Version, params.ExpectedVersion, fault.ErrConcurrentModification)
	}
	if p.Status != StatusPending {
		return Payment{}, fmt.Errorf("payment: %s is %s, cannot request release: %w", p.ID, p.Status, fault.ErrInvalidTransition)
	}

	p.Status = StatusProcessing
	p.FailureReason = nil
	updated, err := s.repo.UpdateTx(ctx, tx, p, p.Version)
	if err != nil {
		return Payment{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, c.ID, notify.KindPaymentRequested,
		fmt.Sprintf("Payment release requested for milestone %d.", ms.Seq+1),
		map[string]any{"payment_id": updated.ID, "milestone_id": ms.ID, "amount": updated.Amount},
	); err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit: %w", err)
	}

	s.schedule(ctx, updated.ID)
	return updated, nil
}

// Retry re-enters processing after a settlement failure. Explicit user action,
// never automatic.
func (s *Service) Retry(ctx context.Context, paymentID, actorID string) (Payment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	peek, err := s.repo.GetTx(ctx, tx, paymentID)
	if err != nil {
		return Payment{}, err
	}

	c, err := s.repo.ContractForUpdateTx(ctx, tx, peek.ContractID)
	if err != nil {
		return Payment{}, err
	}
	if c.Status != contractStatusActive {
		return Payment{}, fmt.Errorf("payment: contract %s is %s: %w", c.ID, c.Status, fault.ErrInvalidContractState)
	}
	if actorID != c.ClientID {
		return Payment{}, fmt.Errorf("payment: caller is not the contract client: %w", fault.ErrPermissionDenied)
	}

	p, err := s.repo.GetForUpdateTx(ctx, tx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status != StatusFailed {
		return Payment{}, fmt.Errorf("payment: %s is %s, only failed payments can be retried: %w", p.ID, p.Status, fault.ErrInvalidTransition)
	}

	p.Status = StatusProcessing
	p.FailureReason = nil
	updated, err := s.repo.UpdateTx(ctx, tx, p, p.Version)
	if err != nil {
		return Payment{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, c.ID, notify.KindPaymentRequested,
		"Payment settlement retry requested.",
		map[string]any{"payment_id": updated.ID, "amount": updated.Amount},
	); err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit: %w", err)
	}

	s.schedule(ctx, updated.ID)
	return updated, nil
}

func (s *Service) schedule(ctx context.Context, paymentID string) {
	dueAt := s.now().Add(s.delayFn())
	if err := s.sched.Schedule(ctx, paymentID, dueAt); err != nil {
		// The settlement worker cannot pick this payment up until it is
		// rescheduled; surfaced for operators rather than the caller since the
		// state change already committed.
		s.logger.Error("failed to schedule settlement",
			zap.String("payment_id", paymentID),
			zap.Error(err),
		)
	}
}

// Settle finishes an in-flight settlement once its delay elapses. A payment
// whose contract was cancelled mid-settlement fails and stays held; it is
// never resurrected to completed.
func (s *Service) Settle(ctx context.Context, paymentID string) (Payment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	peek, err := s.repo.GetTx(ctx, tx, paymentID)
	if err != nil {
		return Payment{}, err
	}

	c, err := s.repo.ContractForUpdateTx(ctx, tx, peek.ContractID)
	if err != nil {
		return Payment{}, err
	}

	p, err := s.repo.GetForUpdateTx(ctx, tx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status != StatusProcessing {
		// Stale schedule entry; nothing to do.
		return p, nil
	}

	if c.Status == contractStatusCancelled {
		return s.fail(ctx, tx, p, "contract cancelled before settlement")
	}

	if s.failFn() {
		return s.fail(ctx, tx, p, "payment rail declined settlement")
	}

	released, err := s.repo.ReleasedSumTx(ctx, tx, c.ID)
	if err != nil {
		return Payment{}, err
	}
	if released+p.Amount > c.TotalAmount {
		return s.fail(ctx, tx, p, "release would exceed contract total")
	}

	p.Status = StatusCompleted
	p.EscrowStatus = EscrowReleased
	p.FailureReason = nil
	updated, err := s.repo.UpdateTx(ctx, tx, p, p.Version)
	if err != nil {
		return Payment{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, c.ID, notify.KindPaymentReleased,
		"Escrow payment was released to the worker.",
		map[string]any{"payment_id": updated.ID, "amount": updated.Amount},
	); err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit: %w", err)
	}

	telemetry.SettlementsCompleted.Inc()
	s.logger.Info("payment settled",
		zap.String("payment_id", updated.ID),
		zap.String("contract_id", c.ID),
		zap.Int64("amount", updated.Amount),
	)
	return updated, nil
}

// fail marks the payment failed with escrow still held and commits. Failed
// settlements emit no notification; the failure surfaces through the payment
// state and is retried by explicit user action.
func (s *Service) fail(ctx context.Context, tx pgx.Tx, p Payment, reason string) (Payment, error) {
	p.Status = StatusFailed
	p.EscrowStatus = EscrowHeld
	p.FailureReason = &reason
	updated, err := s.repo.UpdateTx(ctx, tx, p, p.Version)
	if err != nil {
		return Payment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit failure: %w", err)
	}

	telemetry.SettlementsFailed.Inc()
	s.logger.Warn("payment settlement failed",
		zap.String("payment_id", updated.ID),
		zap.String("reason", reason),
	)
	return updated, fmt.Errorf("payment: %s: %w", reason, fault.ErrSettlementFailure)
}
