package milestone

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"contractflow/db"
	"contractflow/fault"
	"contractflow/notify"
)

// OutboxWriter appends one notification event inside the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, contractID string, kind notify.EventKind, humanText string, payload map[string]any) error
}

// Service is the milestone engine. Every mutating command locks the contract
// row first, so all milestone mutation within one contract is serialized; an
// optional expected version adds an optimistic check for stale UI writes.
type Service struct {
	pool   db.TxBeginner
	repo   Repository
	outbox OutboxWriter
	logger *zap.Logger

	idGenerator func() string
	now         func() time.Time
}

func NewService(pool db.TxBeginner, repo Repository, outbox OutboxWriter, logger *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
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

type ActivateParams struct {
	MilestoneID     string
	ActorID         string
	ExpectedVersion int
}

type CompleteParams struct {
	MilestoneID     string
	ActorID         string
	ExpectedVersion int
}

type ApproveParams struct {
	MilestoneID     string
	ActorID         string
	Rating          *int
	Feedback        string
	ExpectedVersion int
}

type RejectParams struct {
	MilestoneID     string
	ActorID         string
	Feedback        string
	ExpectedVersion int
}

type AttachDeliverableParams struct {
	MilestoneID string
	UploaderID  string
	Name        string
	StorageRef  string
}

// beginMutation locks the contract row (serialization point), verifies the
// contract is still active, then re-reads the milestone under the lock.
func (s *Service) beginMutation(ctx context.Context, tx pgx.Tx, milestoneID string, expectedVersion int) (Milestone, ContractRow, error) {
	peek, err := s.repo.GetTx(ctx, tx, milestoneID)
	if err != nil {
		return Milestone{}, ContractRow{}, err
	}

	c, err := s.repo.ContractForUpdateTx(ctx, tx, peek.ContractID)
	if err != nil {
		return Milestone{}, ContractRow{}, err
	}
	if c.Status != contractStatusActive {
		return Milestone{}, ContractRow{}, fmt.Errorf("milestone: contract %s is %s: %w", c.ID, c.Status, fault.ErrInvalidContractState)
	}

	m, err := s.repo.GetForUpdateTx(ctx, tx, milestoneID)
	if err != nil {
		return Milestone{}, ContractRow{}, err
	}
	if expectedVersion != 0 && m.Version != expectedVersion {
		return Milestone{}, ContractRow{}, fmt.Errorf("milestone: %s version %d, expected %d: %w", m.ID, m.Version, expectedVersion, fault.ErrConcurrentModification)
	}
	return m, c, nil
}

// Activate moves a pending milestone into in_progress. Legal only for the
// first milestone or when the immediately preceding one is approved.
func (s *Service) Activate(ctx context.Context, params ActivateParams) (Milestone, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, c, err := s.beginMutation(ctx, tx, params.MilestoneID, params.ExpectedVersion)
	if err != nil {
		return Milestone{}, err
	}
	if params.ActorID != c.ClientID && params.ActorID != c.WorkerID {
		return Milestone{}, fmt.Errorf("milestone: caller is not a contract party: %w", fault.ErrPermissionDenied)
	}

	updated, err := s.activateLocked(ctx, tx, m, c)
	if err != nil {
		return Milestone{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, c.ID, notify.KindMilestoneActivated,
		fmt.Sprintf("Milestone %d %q is now in progress.", updated.Seq+1, updated.Title),
		map[string]any{"milestone_id": updated.ID, "seq": updated.Seq},
	); err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("milestone: commit: %w", err)
	}
	return updated, nil
}

// activateLocked applies the sequence gate and status flip. Caller holds the
// contract lock.
func (s *Service) activateLocked(ctx context.Context, tx pgx.Tx, m Milestone, c ContractRow) (Milestone, error) {
	if m.Status != StatusPending {
		return Milestone{}, fmt.Errorf("milestone: %s is %s, cannot activate: %w", m.ID, m.Status, fault.ErrInvalidTransition)
	}

	if m.Seq > 0 {
		siblings, err := s.repo.ListByContractTx(ctx, tx, c.ID)
		if err != nil {
			return Milestone{}, err
		}
		var prev *Milestone
		for i := range siblings {
			if siblings[i].Seq == m.Seq-1 {
				prev = &siblings[i]
				break
			}
		}
		if prev == nil || !prev.Approved() {
			return Milestone{}, fmt.Errorf("milestone: predecessor of seq %d is not approved: %w", m.Seq, fault.ErrSequenceViolation)
		}
	}

	now := s.now().UTC()
	m.Status = StatusInProgress
	m.StartedAt = &now
	return s.repo.UpdateTx(ctx, tx, m, m.Version)
}

// WorkerComplete marks an in_progress milestone as completed, awaiting client
// review.
func (s *Service) WorkerComplete(ctx context.Context, params CompleteParams) (Milestone, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, c, err := s.beginMutation(ctx, tx, params.MilestoneID, params.ExpectedVersion)
	if err != nil {
		return Milestone{}, err
	}
	if params.ActorID != c.WorkerID {
		return Milestone{}, fmt.Errorf("milestone: caller is not the contract worker: %w", fault.ErrPermissionDenied)
	}
	if m.Status != StatusInProgress {
		return Milestone{}, fmt.Errorf("milestone: %s is %s, cannot complete: %w", m.ID, m.Status, fault.ErrInvalidTransition)
	}

	now := s.now().UTC()
	m.Status = StatusCompleted
	m.CompletedAt = &now
	updated, err := s.repo.UpdateTx(ctx, tx, m, m.Version)
	if err != nil {
		return Milestone{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, c.ID, notify.KindMilestoneCompleted,
		fmt.Sprintf("Milestone %d %q was submitted for review.", updated.Seq+1, updated.Title),
		map[string]any{"milestone_id": updated.ID, "seq": updated.Seq},
	); err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("milestone: commit: %w", err)
	}
	return updated, nil
}

// Approve stamps client approval on a completed milestone and, in the same
// transaction, activates the next pending milestone if one exists. There is no
// observable state where the approval is committed but the successor has not
// been evaluated.
func (s *Service) Approve(ctx context.Context, params ApproveParams) (Milestone, error) {
	if params.Rating != nil && (*params.Rating < 1 || *params.Rating > 5) {
		return Milestone{}, fmt.Errorf("milestone: rating must be between 1 and 5")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, c, err := s.beginMutation(ctx, tx, params.MilestoneID, params.ExpectedVersion)
	if err != nil {
		return Milestone{}, err
	}
	if params.ActorID != c.ClientID {
		return Milestone{}, fmt.Errorf("milestone: caller is not the contract client: %w", fault.ErrPermissionDenied)
	}
	if m.Status != StatusCompleted {
		return Milestone{}, fmt.Errorf("milestone: %s is %s, cannot approve: %w", m.ID, m.Status, fault.ErrInvalidTransition)
	}
	if m.ApprovedAt != nil {
		return Milestone{}, fmt.Errorf("milestone: %s already approved: %w", m.ID, fault.ErrInvalidTransition)
	}

	now := s.now().UTC()
	m.ApprovedAt = &now
	m.Rating = params.Rating
	if params.Feedback != "" {
		feedback := params.Feedback
		m.Feedback = &feedback
	}
	updated, err := s.repo.UpdateTx(ctx, tx, m, m.Version)
	if err != nil {
		return Milestone{}, err
	}

	// Auto-advance: activate the next sequential milestone while still holding
	// the contract lock. The approval command emits a single notification.
	siblings, err := s.repo.ListByContractTx(ctx, tx, c.ID)
	if err != nil {
		return Milestone{}, err
	}
	for i := range siblings {
		if siblings[i].Seq == updated.Seq+1 && siblings[i].Status == StatusPending {
			if _, err := s.activateLocked(ctx, tx, siblings[i], c); err != nil {
				return Milestone{}, err
			}
			break
		}
	}

	if err := s.outbox.Enqueue(ctx, tx, c.ID, notify.KindMilestoneApproved,
		fmt.Sprintf("Milestone %d %q was approved.", updated.Seq+1, updated.Title),
		map[string]any{"milestone_id": updated.ID, "seq": updated.Seq, "rating": params.Rating},
	); err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("milestone: commit: %w", err)
	}

	s.logger.Info("milestone approved",
		zap.String("contract_id", c.ID),
		zap.String("milestone_id", updated.ID),
		zap.Int("seq", updated.Seq),
	)
	return updated, nil
}

// Reject sends a completed milestone back to pending with reviewer feedback.
// Other milestones are untouched.
func (s *Service) Reject(ctx context.Context, params RejectParams) (Milestone, error) {
	if params.Feedback == "" {
		return Milestone{}, fmt.Errorf("milestone: rejection feedback required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, c, err := s.beginMutation(ctx, tx, params.MilestoneID, params.ExpectedVersion)
	if err != nil {
		return Milestone{}, err
	}
	if params.ActorID != c.ClientID {
		return Milestone{}, fmt.Errorf("milestone: caller is not the contract client: %w", fault.ErrPermissionDenied)
	}
	if m.Status != StatusCompleted || m.ApprovedAt != nil {
		return Milestone{}, fmt.Errorf("milestone: %s is %s, cannot reject: %w", m.ID, m.Status, fault.ErrInvalidTransition)
	}

	feedback := params.Feedback
	m.Status = StatusPending
	m.CompletedAt = nil
	m.Feedback = &feedback
	updated, err := s.repo.UpdateTx(ctx, tx, m, m.Version)
	if err != nil {
		return Milestone{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, c.ID, notify.KindMilestoneRejected,
		fmt.Sprintf("Milestone %d %q needs changes: %s", updated.Seq+1, updated.Title, feedback),
		map[string]any{"milestone_id": updated.ID, "seq": updated.Seq, "feedback": feedback},
	); err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("milestone: commit: %w", err)
	}
	return updated, nil
}

// AttachDeliverable appends a work artifact regardless of milestone status.
// No conversation event is defined for interim deliverables.
func (s *Service) AttachDeliverable(ctx context.Context, params AttachDeliverableParams) (Deliverable, error) {
	if params.Name == "" || params.StorageRef == "" {
		return Deliverable{}, fmt.Errorf("milestone: deliverable name and storage ref required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deliverable{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, c, err := s.beginMutation(ctx, tx, params.MilestoneID, 0)
	if err != nil {
		return Deliverable{}, err
	}
	if params.UploaderID != c.ClientID && params.UploaderID != c.WorkerID {
		return Deliverable{}, fmt.Errorf("milestone: uploader is not a contract party: %w", fault.ErrPermissionDenied)
	}

	d := Deliverable{
		ID:          s.idGenerator(),
		MilestoneID: m.ID,
		Name:        params.Name,
		StorageRef:  params.StorageRef,
		UploaderID:  params.UploaderID,
		UploadedAt:  s.now().UTC(),
	}
	if err := s.repo.InsertDeliverableTx(ctx, tx, d); err != nil {
		return Deliverable{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deliverable{}, fmt.Errorf("milestone: commit: %w", err)
	}
	return d, nil
}

// Progress recomputes the contract's completion ratio.
func (s *Service) Progress(ctx context.Context, contractID string) (float64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ms, err := s.repo.ListByContractTx(ctx, tx, contractID)
	if err != nil {
		return 0, err
	}
	return ComputeProgress(ms), nil
}
