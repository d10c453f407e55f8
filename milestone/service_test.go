package milestone

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
	milestones map[string]*Milestone
}

func newFakeRepo(statuses ...Status) *fakeRepo {
	r := &fakeRepo{
		contract: ContractRow{
			ID:          testContract,
			ClientID:    testClient,
			WorkerID:    testWorker,
			Status:      "active",
			TotalAmount: int64(len(statuses)) * 100,
		},
		milestones: map[string]*Milestone{},
	}
	for i, st := range statuses {
		m := &Milestone{
			ID:         fmt.Sprintf("m-%d", i),
			ContractID: testContract,
			Seq:        i,
			Title:      fmt.Sprintf("Phase %d", i+1),
			Amount:     100,
			Status:     st,
			Version:    1,
		}
		if st == StatusInProgress || st == StatusCompleted {
			ts := time.Now().UTC()
			m.StartedAt = &ts
			if st == StatusCompleted {
				m.CompletedAt = &ts
			}
		}
		r.milestones[m.ID] = m
	}
	return r
}

func (r *fakeRepo) ContractForUpdateTx(_ context.Context, _ pgx.Tx, contractID string) (ContractRow, error) {
	if contractID != r.contract.ID {
		return ContractRow{}, fmt.Errorf("milestone: contract %s: %w", contractID, fault.ErrNotFound)
	}
	return r.contract, nil
}

func (r *fakeRepo) GetTx(_ context.Context, _ pgx.Tx, id string) (Milestone, error) {
	m, ok := r.milestones[id]
	if !ok {
		return Milestone{}, fmt.Errorf("milestone: %w", fault.ErrNotFound)
	}
	return *m, nil
}

func (r *fakeRepo) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Milestone, error) {
	return r.GetTx(ctx, tx, id)
}

func (r *fakeRepo) ListByContractTx(_ context.Context, _ pgx.Tx, contractID string) ([]Milestone, error) {
	var ms []Milestone
	for _, m := range r.milestones {
		if m.ContractID == contractID {
			ms = append(ms, *m)
		}
	}
	return ms, nil
}

func (r *fakeRepo) InsertTx(_ context.Context, _ pgx.Tx, m Milestone) error {
	cp := m
	r.milestones[m.ID] = &cp
	return nil
}

func (r *fakeRepo) UpdateTx(_ context.Context, _ pgx.Tx, m Milestone, expectedVersion int) (Milestone, error) {
	cur, ok := r.milestones[m.ID]
	if !ok {
		return Milestone{}, fmt.Errorf("milestone: %w", fault.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return Milestone{}, fmt.Errorf("milestone: version check on %s: %w", m.ID, fault.ErrConcurrentModification)
	}
	m.Version = cur.Version + 1
	cp := m
	r.milestones[m.ID] = &cp
	return cp, nil
}

func (r *fakeRepo) InsertDeliverableTx(_ context.Context, _ pgx.Tx, d Deliverable) error {
	return nil
}

type fakeOutbox struct {
	events []notify.EventKind
	err    error
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, _ string, kind notify.EventKind, _ string, _ map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, kind)
	return nil
}

func newEngine(repo *fakeRepo) (*Service, *dbtest.FakePool, *fakeOutbox) {
	pool := &dbtest.FakePool{}
	outbox := &fakeOutbox{}
	svc := NewService(pool, repo, outbox, zap.NewNop())
	return svc, pool, outbox
}

func TestActivate_FirstMilestone(t *testing.T) {
	repo := newFakeRepo(StatusPending, StatusPending)
	svc, pool, outbox := newEngine(repo)

	m, err := svc.Activate(context.Background(), ActivateParams{MilestoneID: "m-0", ActorID: testWorker})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if m.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", m.Status)
	}
	if m.StartedAt == nil {
		t.Errorf("expected started_at to be stamped")
	}
	if !pool.Committed() {
		t.Errorf("expected commit")
	}
	if len(outbox.events) != 1 || outbox.events[0] != notify.KindMilestoneActivated {
		t.Errorf("events = %v, want [milestone_activated]", outbox.events)
	}
}

func TestActivate_SequenceGate(t *testing.T) {
	repo := newFakeRepo(StatusInProgress, StatusPending)
	svc, pool, outbox := newEngine(repo)

	_, err := svc.Activate(context.Background(), ActivateParams{MilestoneID: "m-1", ActorID: testClient})
	if !errors.Is(err, fault.ErrSequenceViolation) {
		t.Fatalf("err = %v, want ErrSequenceViolation", err)
	}
	if pool.Committed() {
		t.Errorf("expected rollback")
	}
	if len(outbox.events) != 0 {
		t.Errorf("expected no events, got %v", outbox.events)
	}
	if repo.milestones["m-1"].Status != StatusPending {
		t.Errorf("milestone mutated despite rollback path")
	}
}

func TestActivate_StrangerDenied(t *testing.T) {
	repo := newFakeRepo(StatusPending)
	svc, _, _ := newEngine(repo)

	_, err := svc.Activate(context.Background(), ActivateParams{MilestoneID: "m-0", ActorID: "intruder"})
	if !errors.Is(err, fault.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestActivate_CancelledContract(t *testing.T) {
	repo := newFakeRepo(StatusPending)
	repo.contract.Status = "cancelled"
	svc, _, _ := newEngine(repo)

	_, err := svc.Activate(context.Background(), ActivateParams{MilestoneID: "m-0", ActorID: testWorker})
	if !errors.Is(err, fault.ErrInvalidContractState) {
		t.Fatalf("err = %v, want ErrInvalidContractState", err)
	}
}

func TestActivate_VersionMismatch(t *testing.T) {
	repo := newFakeRepo(StatusPending)
	repo.milestones["m-0"].Version = 3
	svc, _, _ := newEngine(repo)

	_, err := svc.Activate(context.Background(), ActivateParams{MilestoneID: "m-0", ActorID: testWorker, ExpectedVersion: 2})
	if !errors.Is(err, fault.ErrConcurrentModification) {
		t.Fatalf("err = %v, want ErrConcurrentModification", err)
	}
}

func TestWorkerComplete(t *testing.T) {
	repo := newFakeRepo(StatusInProgress)
	svc, _, outbox := newEngine(repo)

	if _, err := svc.WorkerComplete(context.Background(), CompleteParams{MilestoneID: "m-0", ActorID: testClient}); !errors.Is(err, fault.ErrPermissionDenied) {
		t.Fatalf("client completing work: err = %v, want ErrPermissionDenied", err)
	}

	m, err := svc.WorkerComplete(context.Background(), CompleteParams{MilestoneID: "m-0", ActorID: testWorker})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if m.Status != StatusCompleted || m.CompletedAt == nil {
		t.Errorf("milestone not marked completed: %+v", m)
	}
	if len(outbox.events) != 1 || outbox.events[0] != notify.KindMilestoneCompleted {
		t.Errorf("events = %v, want [milestone_completed]", outbox.events)
	}
}

func TestApprove_AutoAdvance(t *testing.T) {
	repo := newFakeRepo(StatusCompleted, StatusPending, StatusPending)
	svc, _, outbox := newEngine(repo)

	rating := 5
	m, err := svc.Approve(context.Background(), ApproveParams{
		MilestoneID: "m-0",
		ActorID:     testClient,
		Rating:      &rating,
		Feedback:    "great work",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !m.Approved() {
		t.Errorf("milestone not approved: %+v", m)
	}
	if m.Rating == nil || *m.Rating != 5 {
		t.Errorf("rating not stored")
	}

	next := repo.milestones["m-1"]
	if next.Status != StatusInProgress || next.StartedAt == nil {
		t.Errorf("successor not auto-advanced: %+v", next)
	}
	if repo.milestones["m-2"].Status != StatusPending {
		t.Errorf("only the immediate successor should advance")
	}

	// Auto-advance is part of the approval command: one notification.
	if len(outbox.events) != 1 || outbox.events[0] != notify.KindMilestoneApproved {
		t.Errorf("events = %v, want [milestone_approved]", outbox.events)
	}
}

func TestApprove_LastMilestoneNoSuccessor(t *testing.T) {
	repo := newFakeRepo(StatusCompleted)
	svc, _, _ := newEngine(repo)

	m, err := svc.Approve(context.Background(), ApproveParams{MilestoneID: "m-0", ActorID: testClient})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !m.Approved() {
		t.Errorf("milestone not approved")
	}
}

func TestApprove_AlreadyApproved(t *testing.T) {
	repo := newFakeRepo(StatusCompleted)
	ts := time.Now().UTC()
	repo.milestones["m-0"].ApprovedAt = &ts
	svc, _, _ := newEngine(repo)

	_, err := svc.Approve(context.Background(), ApproveParams{MilestoneID: "m-0", ActorID: testClient})
	if !errors.Is(err, fault.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestApprove_WorkerDenied(t *testing.T) {
	repo := newFakeRepo(StatusCompleted)
	svc, _, _ := newEngine(repo)

	_, err := svc.Approve(context.Background(), ApproveParams{MilestoneID: "m-0", ActorID: testWorker})
	if !errors.Is(err, fault.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestReject_BackToPending(t *testing.T) {
	repo := newFakeRepo(StatusCompleted)
	svc, _, outbox := newEngine(repo)

	m, err := svc.Reject(context.Background(), RejectParams{
		MilestoneID: "m-0",
		ActorID:     testClient,
		Feedback:    "missing edge cases",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if m.Status != StatusPending {
		t.Errorf("status = %s, want pending", m.Status)
	}
	if m.CompletedAt != nil {
		t.Errorf("completed_at should be cleared on rejection")
	}
	if m.Feedback == nil || *m.Feedback != "missing edge cases" {
		t.Errorf("feedback not recorded")
	}
	if len(outbox.events) != 1 || outbox.events[0] != notify.KindMilestoneRejected {
		t.Errorf("events = %v, want [milestone_rejected]", outbox.events)
	}
}

func TestReject_RequiresFeedback(t *testing.T) {
	repo := newFakeRepo(StatusCompleted)
	svc, _, _ := newEngine(repo)

	if _, err := svc.Reject(context.Background(), RejectParams{MilestoneID: "m-0", ActorID: testClient}); err == nil {
		t.Fatal("expected error for empty feedback")
	}
}

// Rejection feedback survives the redo cycle: reject, redo, approve without
// new feedback keeps the reviewer's original notes.
func TestRejectRedoApprove_FeedbackSurvives(t *testing.T) {
	repo := newFakeRepo(StatusInProgress)
	svc, _, outbox := newEngine(repo)
	ctx := context.Background()

	if _, err := svc.WorkerComplete(ctx, CompleteParams{MilestoneID: "m-0", ActorID: testWorker}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := svc.Reject(ctx, RejectParams{MilestoneID: "m-0", ActorID: testClient, Feedback: "wrong font"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := svc.Activate(ctx, ActivateParams{MilestoneID: "m-0", ActorID: testWorker}); err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	if _, err := svc.WorkerComplete(ctx, CompleteParams{MilestoneID: "m-0", ActorID: testWorker}); err != nil {
		t.Fatalf("re-complete: %v", err)
	}

	m, err := svc.Approve(ctx, ApproveParams{MilestoneID: "m-0", ActorID: testClient})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !m.Approved() {
		t.Errorf("milestone not approved after redo")
	}
	if m.Feedback == nil || *m.Feedback != "wrong font" {
		t.Errorf("rejection feedback lost across redo: %+v", m.Feedback)
	}

	want := []notify.EventKind{
		notify.KindMilestoneCompleted,
		notify.KindMilestoneRejected,
		notify.KindMilestoneActivated,
		notify.KindMilestoneCompleted,
		notify.KindMilestoneApproved,
	}
	if len(outbox.events) != len(want) {
		t.Fatalf("events = %v, want %v", outbox.events, want)
	}
	for i := range want {
		if outbox.events[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, outbox.events[i], want[i])
		}
	}
}

func TestAttachDeliverable(t *testing.T) {
	repo := newFakeRepo(StatusPending)
	svc, pool, outbox := newEngine(repo)

	d, err := svc.AttachDeliverable(context.Background(), AttachDeliverableParams{
		MilestoneID: "m-0",
		UploaderID:  testWorker,
		Name:        "draft.pdf",
		StorageRef:  "s3://bucket/draft.pdf",
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if d.MilestoneID != "m-0" || d.UploaderID != testWorker {
		t.Errorf("unexpected deliverable: %+v", d)
	}
	if !pool.Committed() {
		t.Errorf("expected commit")
	}
	if len(outbox.events) != 0 {
		t.Errorf("deliverables emit no events, got %v", outbox.events)
	}

	if _, err := svc.AttachDeliverable(context.Background(), AttachDeliverableParams{
		MilestoneID: "m-0",
		UploaderID:  "intruder",
		Name:        "x",
		StorageRef:  "y",
	}); !errors.Is(err, fault.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestOutboxFailureAbortsCommand(t *testing.T) {
	repo := newFakeRepo(StatusPending)
	pool := &dbtest.FakePool{}
	outbox := &fakeOutbox{err: errors.New("outbox insert failed")}
	svc := NewService(pool, repo, outbox, zap.NewNop())

	_, err := svc.Activate(context.Background(), ActivateParams{MilestoneID: "m-0", ActorID: testWorker})
	if err == nil {
		t.Fatal("expected error when outbox write fails")
	}
	if pool.Committed() {
		t.Errorf("expected rollback when outbox write fails")
	}
}
