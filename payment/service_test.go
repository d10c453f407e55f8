package payment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"contractflow/db/dbtest"
	"contractflow/fault"
	"contractflow/notify"
)

const (
	testContract = "c-1"
	testClient   = "client-1"
	testWorker   = "worker-1"
)

type fakeRepo struct {
	contract   ContractRow
	milestones map[string]MilestoneRow
	payments   map[string]*Payment
}

func newFakeRepo(total int64) *fakeRepo {
	return &fakeRepo{
		contract: ContractRow{
			ID:          testContract,
			ClientID:    testClient,
			WorkerID:    testWorker,
			Status:      contractStatusActive,
			TotalAmount: total,
		},
		milestones: map[string]MilestoneRow{},
		payments:   map[string]*Payment{},
	}
}

// addMilestone wires a milestone row and its escrow payment into the fake.
func (r *fakeRepo) addMilestone(seq int, amount int64, approved bool) (string, string) {
	msID := fmt.Sprintf("ms-%d", seq)
	payID := fmt.Sprintf("pay-%d", seq)

	row := MilestoneRow{ID: msID, ContractID: testContract, Seq: seq, Status: "in_progress"}
	if approved {
		ts := time.Now().UTC()
		row.Status = "completed"
		row.ApprovedAt = &ts
	}
	r.milestones[msID] = row
	r.payments[payID] = &Payment{
		ID:           payID,
		ContractID:   testContract,
		MilestoneID:  msID,
		Amount:       amount,
		Currency:     "USD",
		Status:       StatusPending,
		EscrowStatus: EscrowHeld,
		Version:      1,
	}
	return msID, payID
}

func (r *fakeRepo) ContractForUpdateTx(_ context.Context, _ pgx.Tx, contractID string) (ContractRow, error) {
	if contractID != r.contract.ID {
		return ContractRow{}, fmt.Errorf("payment: contract %s: %w", contractID, fault.ErrNotFound)
	}
	return r.contract, nil
}

func (r *fakeRepo) GetTx(_ context.Context, _ pgx.Tx, id string) (Payment, error) {
	p, ok := r.payments[id]
	if !ok {
		return Payment{}, fmt.Errorf("payment: %w", fault.ErrNotFound)
	}
	return *p, nil
}

func (r *fakeRepo) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Payment, error) {
	return r.GetTx(ctx, tx, id)
}

func (r *fakeRepo) GetByMilestoneTx(_ context.Context, _ pgx.Tx, milestoneID string) (Payment, error) {
	for _, p := range r.payments {
		if p.MilestoneID == milestoneID {
			return *p, nil
		}
	}
	return Payment{}, fmt.Errorf("payment: %w", fault.ErrNotFound)
}

func (r *fakeRepo) MilestoneTx(_ context.Context, _ pgx.Tx, milestoneID string) (MilestoneRow, error) {
	row, ok := r.milestones[milestoneID]
	if !ok {
		return MilestoneRow{}, fmt.Errorf("payment: milestone %s: %w", milestoneID, fault.ErrNotFound)
	}
	return row, nil
}

func (r *fakeRepo) InsertTx(_ context.Context, _ pgx.Tx, p Payment) error {
	cp := p
	r.payments[p.ID] = &cp
	return nil
}

func (r *fakeRepo) UpdateTx(_ context.Context, _ pgx.Tx, p Payment, expectedVersion int) (Payment, error) {
	cur, ok := r.payments[p.ID]
	if !ok {
		return Payment{}, fmt.Errorf("payment: %w", fault.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return Payment{}, fmt.Errorf("payment: version check on %s: %w", p.ID, fault.ErrConcurrentModification)
	}
	p.Version = cur.Version + 1
	cp := p
	r.payments[p.ID] = &cp
	return cp, nil
}

func (r *fakeRepo) ReleasedSumTx(_ context.Context, _ pgx.Tx, contractID string) (int64, error) {
	var sum int64
	for _, p := range r.payments {
		if p.ContractID == contractID && p.EscrowStatus == EscrowReleased {
			sum += p.Amount
		}
	}
	return sum, nil
}

func (r *fakeRepo) ListByContractTx(_ context.Context, _ pgx.Tx, contractID string) ([]Payment, error) {
	var ps []Payment
	for _, p := range r.payments {
		if p.ContractID == contractID {
			ps = append(ps, *p)
		}
	}
	return ps, nil
}

type fakeScheduler struct {
	scheduled []string
	cancelled []string
	err       error
}

func (f *fakeScheduler) Schedule(_ context.Context, paymentID string, _ time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.scheduled = append(f.scheduled, paymentID)
	return nil
}

func (f *fakeScheduler) Cancel(_ context.Context, paymentID string) error {
	f.cancelled = append(f.cancelled, paymentID)
	return nil
}

type fakeOutbox struct {
	events []notify.EventKind
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, _ string, kind notify.EventKind, _ string, _ map[string]any) error {
	f.events = append(f.events, kind)
	return nil
}

func newProcessor(repo *fakeRepo) (*Service, *fakeScheduler, *fakeOutbox) {
	sched := &fakeScheduler{}
	outbox := &fakeOutbox{}
	svc := NewService(&dbtest.FakePool{}, repo, sched, outbox, zap.NewNop(), time.Millisecond, time.Millisecond, 0).
		WithFailFn(func() bool { return false })
	return svc, sched, outbox
}

func TestRequestRelease(t *testing.T) {
	repo := newFakeRepo(1000)
	msID, payID := repo.addMilestone(0, 1000, true)
	svc, sched, outbox := newProcessor(repo)

	p, err := svc.RequestRelease(context.Background(), ReleaseParams{MilestoneID: msID, ActorID: testClient})
	if err != nil {
		t.Fatalf("request release: %v", err)
	}
	if p.Status != StatusProcessing {
		t.Errorf("status = %s, want processing", p.Status)
	}
	if p.EscrowStatus != EscrowHeld {
		t.Errorf("escrow released before settlement")
	}
	if len(sched.scheduled) != 1 || sched.scheduled[0] != payID {
		t.Errorf("scheduled = %v, want [%s]", sched.scheduled, payID)
	}
	if len(outbox.events) != 1 || outbox.events[0] != notify.KindPaymentRequested {
		t.Errorf("events = %v, want [payment_requested]", outbox.events)
	}
}

func TestRequestRelease_UnapprovedMilestone(t *testing.T) {
	repo := newFakeRepo(1000)
	msID, _ := repo.addMilestone(0, 1000, false)
	svc, sched, _ := newProcessor(repo)

	_, err := svc.RequestRelease(context.Background(), ReleaseParams{MilestoneID: msID, ActorID: testClient})
	if !errors.Is(err, fault.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if len(sched.scheduled) != 0 {
		t.Errorf("nothing should be scheduled on failure")
	}
}

func TestRequestRelease_WorkerDenied(t *testing.T) {
	repo := newFakeRepo(1000)
	msID, _ := repo.addMilestone(0, 1000, true)
	svc, _, _ := newProcessor(repo)

	_, err := svc.RequestRelease(context.Background(), ReleaseParams{MilestoneID: msID, ActorID: testWorker})
	if !errors.Is(err, fault.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestRequestRelease_AlreadyProcessing(t *testing.T) {
	repo := newFakeRepo(1000)
	msID, payID := repo.addMilestone(0, 1000, true)
	repo.payments[payID].Status = StatusProcessing
	svc, _, _ := newProcessor(repo)

	_, err := svc.RequestRelease(context.Background(), ReleaseParams{MilestoneID: msID, ActorID: testClient})
	if !errors.Is(err, fault.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestSettle_Success(t *testing.T) {
	repo := newFakeRepo(1000)
	_, payID := repo.addMilestone(0, 1000, true)
	repo.payments[payID].Status = StatusProcessing
	svc, _, outbox := newProcessor(repo)

	p, err := svc.Settle(context.Background(), payID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if p.Status != StatusCompleted || p.EscrowStatus != EscrowReleased {
		t.Errorf("payment not released: %+v", p)
	}
	if len(outbox.events) != 1 || outbox.events[0] != notify.KindPaymentReleased {
		t.Errorf("events = %v, want [payment_released]", outbox.events)
	}
}

func TestSettle_RailDecline(t *testing.T) {
	repo := newFakeRepo(1000)
	_, payID := repo.addMilestone(0, 1000, true)
	repo.payments[payID].Status = StatusProcessing
	svc, _, outbox := newProcessor(repo)
	svc.WithFailFn(func() bool { return true })

	_, err := svc.Settle(context.Background(), payID)
	if !errors.Is(err, fault.ErrSettlementFailure) {
		t.Fatalf("err = %v, want ErrSettlementFailure", err)
	}

	stored := repo.payments[payID]
	if stored.Status != StatusFailed || stored.EscrowStatus != EscrowHeld {
		t.Errorf("failed settlement must keep escrow held: %+v", stored)
	}
	if stored.FailureReason == nil {
		t.Errorf("failure reason missing")
	}
	if len(outbox.events) != 0 {
		t.Errorf("failed settlements emit no events, got %v", outbox.events)
	}
}

func TestSettle_OverReleaseGuard(t *testing.T) {
	repo := newFakeRepo(1000)
	_, releasedID := repo.addMilestone(0, 800, true)
	repo.payments[releasedID].Status = StatusCompleted
	repo.payments[releasedID].EscrowStatus = EscrowReleased

	_, payID := repo.addMilestone(1, 300, true)
	repo.payments[payID].Status = StatusProcessing
	svc, _, _ := newProcessor(repo)

	_, err := svc.Settle(context.Background(), payID)
	if !errors.Is(err, fault.ErrSettlementFailure) {
		t.Fatalf("err = %v, want ErrSettlementFailure", err)
	}
	if repo.payments[payID].EscrowStatus != EscrowHeld {
		t.Errorf("over-release must keep escrow held")
	}
}

// A settlement landing after the contract was cancelled fails the payment; it
// is never resurrected to completed.
func TestSettle_CancelledContract(t *testing.T) {
	repo := newFakeRepo(1000)
	_, payID := repo.addMilestone(0, 1000, true)
	repo.payments[payID].Status = StatusProcessing
	repo.contract.Status = contractStatusCancelled
	svc, _, _ := newProcessor(repo)

	_, err := svc.Settle(context.Background(), payID)
	if !errors.Is(err, fault.ErrSettlementFailure) {
		t.Fatalf("err = %v, want ErrSettlementFailure", err)
	}
	stored := repo.payments[payID]
	if stored.Status != StatusFailed || stored.EscrowStatus != EscrowHeld {
		t.Errorf("cancelled-contract settlement must fail and hold escrow: %+v", stored)
	}
}

func TestSettle_StaleEntry(t *testing.T) {
	repo := newFakeRepo(1000)
	_, payID := repo.addMilestone(0, 1000, true)
	svc, _, outbox := newProcessor(repo)

	// Still pending: the schedule entry is stale, settle is a no-op.
	p, err := svc.Settle(context.Background(), payID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if p.Status != StatusPending {
		t.Errorf("stale settle mutated the payment: %+v", p)
	}
	if len(outbox.events) != 0 {
		t.Errorf("expected no events, got %v", outbox.events)
	}
}

func TestRetry(t *testing.T) {
	repo := newFakeRepo(1000)
	_, payID := repo.addMilestone(0, 1000, true)
	reason := "payment rail declined settlement"
	repo.payments[payID].Status = StatusFailed
	repo.payments[payID].FailureReason = &reason
	svc, sched, outbox := newProcessor(repo)

	p, err := svc.Retry(context.Background(), payID, testClient)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if p.Status != StatusProcessing {
		t.Errorf("status = %s, want processing", p.Status)
	}
	if p.FailureReason != nil {
		t.Errorf("failure reason should be cleared on retry")
	}
	if len(sched.scheduled) != 1 {
		t.Errorf("retry must reschedule settlement")
	}
	if len(outbox.events) != 1 || outbox.events[0] != notify.KindPaymentRequested {
		t.Errorf("events = %v, want [payment_requested]", outbox.events)
	}
}

func TestRetry_OnlyFailed(t *testing.T) {
	repo := newFakeRepo(1000)
	_, payID := repo.addMilestone(0, 1000, true)
	svc, _, _ := newProcessor(repo)

	_, err := svc.Retry(context.Background(), payID, testClient)
	if !errors.Is(err, fault.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}
