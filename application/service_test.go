package application

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"contractflow/db/dbtest"
	"contractflow/fault"
	"contractflow/job"
	"contractflow/notify"
)

type fakeRepo struct {
	apps      map[string]*Application
	insertErr error
}

func (f *fakeRepo) InsertTx(_ context.Context, _ pgx.Tx, a Application) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	for _, existing := range f.apps {
		if existing.JobID == a.JobID && existing.ApplicantID == a.ApplicantID && existing.Status != StatusRejected {
			return fmt.Errorf("application: applicant %s on job %s: %w", a.ApplicantID, a.JobID, fault.ErrDuplicateApplication)
		}
	}
	cp := a
	f.apps[a.ID] = &cp
	return nil
}

func (f *fakeRepo) GetForUpdateTx(_ context.Context, _ pgx.Tx, id string) (Application, error) {
	a, ok := f.apps[id]
	if !ok {
		return Application{}, fmt.Errorf("application: %w", fault.ErrNotFound)
	}
	return *a, nil
}

func (f *fakeRepo) SetStatusTx(_ context.Context, _ pgx.Tx, id string, status Status, responseText *string, expectedVersion int) (Application, error) {
	a, ok := f.apps[id]
	if !ok {
		return Application{}, fmt.Errorf("application: %w", fault.ErrNotFound)
	}
	if expectedVersion != 0 && a.Version != expectedVersion {
		return Application{}, fmt.Errorf("application: version check: %w", fault.ErrConcurrentModification)
	}
	a.Status = status
	if responseText != nil {
		a.ResponseText = responseText
	}
	a.Version++
	return *a, nil
}

type fakeJobs struct {
	postings map[string]job.Posting
}

func (f *fakeJobs) GetForUpdateTx(_ context.Context, _ pgx.Tx, id string) (job.Posting, error) {
	p, ok := f.postings[id]
	if !ok {
		return job.Posting{}, fmt.Errorf("job: %w", fault.ErrNotFound)
	}
	return p, nil
}

type fakeOutbox struct {
	events []notify.EventKind
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, _ string, kind notify.EventKind, _ string, _ map[string]any) error {
	f.events = append(f.events, kind)
	return nil
}

func newLedger(jobStatus job.Status) (*Service, *fakeRepo, *fakeJobs, *fakeOutbox, *dbtest.FakePool) {
	repo := &fakeRepo{apps: map[string]*Application{}}
	jobs := &fakeJobs{postings: map[string]job.Posting{
		"job-1": {ID: "job-1", ClientID: "client-1", Status: jobStatus},
	}}
	outbox := &fakeOutbox{}
	pool := &dbtest.FakePool{}
	svc := NewService(pool, repo, jobs, outbox, zap.NewNop())
	return svc, repo, jobs, outbox, pool
}

func TestSubmit(t *testing.T) {
	svc, repo, _, outbox, pool := newLedger(job.StatusOpen)

	a, err := svc.Submit(context.Background(), SubmitParams{
		JobID:       "job-1",
		ApplicantID: "worker-1",
		Amount:      50000,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if a.Status != StatusPending {
		t.Errorf("status = %s, want pending", a.Status)
	}
	if _, ok := repo.apps[a.ID]; !ok {
		t.Errorf("application not stored")
	}
	if !pool.Committed() {
		t.Errorf("expected commit")
	}
	if len(outbox.events) != 0 {
		t.Errorf("submission emits no events, got %v", outbox.events)
	}
}

func TestSubmit_ClosedJob(t *testing.T) {
	svc, _, _, _, pool := newLedger(job.StatusActive)

	_, err := svc.Submit(context.Background(), SubmitParams{JobID: "job-1", ApplicantID: "worker-1", Amount: 100})
	if !errors.Is(err, fault.ErrInvalidContractState) {
		t.Fatalf("err = %v, want ErrInvalidContractState", err)
	}
	if pool.Committed() {
		t.Errorf("expected rollback")
	}
}

func TestSubmit_OwnJob(t *testing.T) {
	svc, _, _, _, _ := newLedger(job.StatusOpen)

	if _, err := svc.Submit(context.Background(), SubmitParams{JobID: "job-1", ApplicantID: "client-1", Amount: 100}); err == nil {
		t.Fatal("expected error for client applying to own job")
	}
}

func TestSubmit_Duplicate(t *testing.T) {
	svc, _, _, _, _ := newLedger(job.StatusOpen)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, SubmitParams{JobID: "job-1", ApplicantID: "worker-1", Amount: 100}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := svc.Submit(ctx, SubmitParams{JobID: "job-1", ApplicantID: "worker-1", Amount: 200})
	if !errors.Is(err, fault.ErrDuplicateApplication) {
		t.Fatalf("err = %v, want ErrDuplicateApplication", err)
	}
}

func TestReject(t *testing.T) {
	svc, _, _, outbox, _ := newLedger(job.StatusOpen)
	ctx := context.Background()

	a, err := svc.Submit(ctx, SubmitParams{JobID: "job-1", ApplicantID: "worker-1", Amount: 100})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	updated, err := svc.Reject(ctx, RejectParams{
		ApplicationID: a.ID,
		ActorID:       "client-1",
		ResponseText:  "went with someone else",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if updated.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", updated.Status)
	}
	if updated.ResponseText == nil || *updated.ResponseText != "went with someone else" {
		t.Errorf("response text not stored")
	}
	if len(outbox.events) != 1 || outbox.events[0] != notify.KindApplicationRejected {
		t.Errorf("events = %v, want [application_rejected]", outbox.events)
	}

	// A rejected applicant may apply again.
	if _, err := svc.Submit(ctx, SubmitParams{JobID: "job-1", ApplicantID: "worker-1", Amount: 150}); err != nil {
		t.Fatalf("re-apply after rejection: %v", err)
	}
}

func TestReject_NotOwner(t *testing.T) {
	svc, _, _, _, _ := newLedger(job.StatusOpen)
	ctx := context.Background()

	a, err := svc.Submit(ctx, SubmitParams{JobID: "job-1", ApplicantID: "worker-1", Amount: 100})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = svc.Reject(ctx, RejectParams{ApplicationID: a.ID, ActorID: "worker-2"})
	if !errors.Is(err, fault.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestReject_NotPending(t *testing.T) {
	svc, repo, _, _, _ := newLedger(job.StatusOpen)
	ctx := context.Background()

	a, err := svc.Submit(ctx, SubmitParams{JobID: "job-1", ApplicantID: "worker-1", Amount: 100})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	repo.apps[a.ID].Status = StatusAccepted

	_, err = svc.Reject(ctx, RejectParams{ApplicationID: a.ID, ActorID: "client-1"})
	if !errors.Is(err, fault.ErrInvalidContractState) {
		t.Fatalf("err = %v, want ErrInvalidContractState", err)
	}
}

func TestReject_VersionMismatch(t *testing.T) {
	svc, _, _, _, _ := newLedger(job.StatusOpen)
	ctx := context.Background()

	a, err := svc.Submit(ctx, SubmitParams{JobID: "job-1", ApplicantID: "worker-1", Amount: 100})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = svc.Reject(ctx, RejectParams{ApplicationID: a.ID, ActorID: "client-1", ExpectedVersion: 99})
	if !errors.Is(err, fault.ErrConcurrentModification) {
		t.Fatalf("err = %v, want ErrConcurrentModification", err)
	}
}
