package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"contractflow/db"
	"contractflow/fault"
	"contractflow/job"
	"contractflow/notify"
)

// OutboxWriter appends one notification event inside the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, contractID string, kind notify.EventKind, humanText string, payload map[string]any) error
}

// JobStore is the slice of the job repository the ledger needs.
type JobStore interface {
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (job.Posting, error)
}

// Service is the application ledger. Accepting an application is not exposed
// here: it must create a contract in the same transaction, so it lives on the
// contract coordinator, which calls SetStatusTx through this package's
// repository.
type Service struct {
	pool   db.TxBeginner
	repo   Repository
	jobs   JobStore
	outbox OutboxWriter
	logger *zap.Logger

	idGenerator func() string
	now         func() time.Time
}

type SubmitParams struct {
	JobID        string
	ApplicantID  string
	Amount       int64
	DurationDays int
	CoverText    string
}

type RejectParams struct {
	ApplicationID   string
	ActorID         string
	ResponseText    string
	ExpectedVersion int
}

func NewService(pool db.TxBeginner, repo Repository, jobs JobStore, outbox OutboxWriter, logger *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		jobs:        jobs,
		outbox:      outbox,
		logger:      logger,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Submit records a new pending application. The job row is locked so a
// concurrent accept cannot close the posting mid-flight.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (Application, error) {
	if params.JobID == "" || params.ApplicantID == "" {
		return Application{}, fmt.Errorf("application: job id and applicant id required")
	}
	if params.Amount <= 0 {
		return Application{}, fmt.Errorf("application: proposed amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("application: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	posting, err := s.jobs.GetForUpdateTx(ctx, tx, params.JobID)
	if err != nil {
		return Application{}, err
	}
	if posting.Status != job.StatusOpen {
		return Application{}, fmt.Errorf("application: job %s is %s: %w", posting.ID, posting.Status, fault.ErrInvalidContractState)
	}
	if posting.ClientID == params.ApplicantID {
		return Application{}, fmt.Errorf("application: client cannot apply to own job")
	}

	now := s.now().UTC()
	a := Application{
		ID:           s.idGenerator(),
		JobID:        params.JobID,
		ApplicantID:  params.ApplicantID,
		Amount:       params.Amount,
		DurationDays: params.DurationDays,
		CoverText:    params.CoverText,
		Status:       StatusPending,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.InsertTx(ctx, tx, a); err != nil {
		return Application{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("application: commit: %w", err)
	}

	s.logger.Info("application submitted",
		zap.String("application_id", a.ID),
		zap.String("job_id", a.JobID),
		zap.String("applicant_id", a.ApplicantID),
	)
	return a, nil
}

// Reject flips a pending application to rejected and stores the client's
// response text. The notification correlates to the job posting since no
// contract exists yet.
func (s *Service) Reject(ctx context.Context, params RejectParams) (Application, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("application: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdateTx(ctx, tx, params.ApplicationID)
	if err != nil {
		return Application{}, err
	}

	posting, err := s.jobs.GetForUpdateTx(ctx, tx, a.JobID)
	if err != nil {
		return Application{}, err
	}
	if posting.ClientID != params.ActorID {
		return Application{}, fmt.Errorf("application: caller is not the job owner: %w", fault.ErrPermissionDenied)
	}
	if a.Status != StatusPending {
		return Application{}, fmt.Errorf("application: %s is %s, only pending applications can be rejected: %w", a.ID, a.Status, fault.ErrInvalidContractState)
	}

	var responseText *string
	if params.ResponseText != "" {
		responseText = &params.ResponseText
	}
	updated, err := s.repo.SetStatusTx(ctx, tx, a.ID, StatusRejected, responseText, params.ExpectedVersion)
	if err != nil {
		return Application{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, a.JobID, notify.KindApplicationRejected,
		fmt.Sprintf("Application from %s was declined.", a.ApplicantID),
		map[string]any{"application_id": a.ID, "job_id": a.JobID},
	); err != nil {
		return Application{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("application: commit: %w", err)
	}

	return updated, nil
}
